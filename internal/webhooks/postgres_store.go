package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const subscriptionColumns = `id, caregiver_id, patient_id, url, secret, events, active,
	created_at, last_success, last_error, consecutive_failures`

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, caregiver_id, patient_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.CaregiverID, sub.PatientID, sub.URL, sub.Secret, pq.Array(events), sub.Active, sub.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrUnknownPatient
	}
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByCaregiver(ctx context.Context, caregiverID string) ([]*Subscription, error) {
	return p.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE caregiver_id = $1 ORDER BY created_at DESC, id DESC`, caregiverID)
}

func (p *PostgresStore) ListByPatient(ctx context.Context, patientID string) ([]*Subscription, error) {
	return p.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE patient_id = $1 ORDER BY created_at DESC, id DESC`, patientID)
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			last_success = $2,
			last_error = '',
			consecutive_failures = 0
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return expectOne(res)
}

// RecordFailure increments in SQL so concurrent deliveries never lose a
// failure. SET expressions see the row as it was before the update.
func (p *PostgresStore) RecordFailure(ctx context.Context, id, lastError string, deactivateAfter int) (int, bool, error) {
	var failures int
	var active bool
	err := p.db.QueryRowContext(ctx, `
		UPDATE webhook_subscriptions SET
			consecutive_failures = consecutive_failures + 1,
			last_error = $2,
			active = active AND consecutive_failures + 1 < $3
		WHERE id = $1
		RETURNING consecutive_failures, active
	`, id, lastError, deactivateAfter).Scan(&failures, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("update webhook: %w", err)
	}
	return failures, active, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) list(ctx context.Context, query string, arg string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events pq.StringArray
	var lastSuccess sql.NullTime
	if err := s.Scan(
		&sub.ID, &sub.CaregiverID, &sub.PatientID, &sub.URL, &sub.Secret, &events, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &sub.LastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	sub.Events = make([]EventType, len(events))
	for i, e := range events {
		sub.Events[i] = EventType(e)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	return sub, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
