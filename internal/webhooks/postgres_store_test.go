//go:build integration

package webhooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carewatch/internal/testutil"
)

func TestPostgresStore_Subscriptions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO patients (id, name, age) VALUES ('pat_1', 'Margaret', 81)`)
	require.NoError(t, err)

	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sub := &Subscription{
		ID: "wh_1", CaregiverID: "cg_1", PatientID: "pat_1",
		URL: "https://caregiver.example.com/hook", Secret: "s3cret",
		Events: []EventType{EventAlertCreated}, Active: true, CreatedAt: created,
	}
	require.NoError(t, store.Create(ctx, sub))

	err = store.Create(ctx, &Subscription{
		ID: "wh_2", CaregiverID: "cg_1", PatientID: "pat_missing",
		URL: "https://x.example.com", Secret: "x", Active: true, CreatedAt: created,
	})
	assert.ErrorIs(t, err, ErrUnknownPatient)

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventAlertCreated}, got.Events)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Nil(t, got.LastSuccess)
	assert.True(t, got.CreatedAt.Equal(created))

	now := created.Add(time.Hour)
	require.NoError(t, store.RecordSuccess(ctx, "wh_1", now))

	// Concurrent failures are all counted; the streak reaching the limit
	// deactivates the subscription.
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.RecordFailure(ctx, "wh_1", "status 500", 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := store.ListByPatient(ctx, "pat_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	assert.Equal(t, 3, list[0].ConsecutiveFailures)
	assert.Equal(t, "status 500", list[0].LastError)
	require.NotNil(t, list[0].LastSuccess)
	assert.True(t, list[0].LastSuccess.Equal(now))

	_, _, err = store.RecordFailure(ctx, "wh_missing", "x", 3)
	assert.ErrorIs(t, err, ErrNotFound)

	byCaregiver, err := store.ListByCaregiver(ctx, "cg_1")
	require.NoError(t, err)
	assert.Len(t, byCaregiver, 1)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
}
