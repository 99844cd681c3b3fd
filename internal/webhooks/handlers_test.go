package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	known := map[string]bool{"pat_1": true}
	h := NewHandler(store, func(_ context.Context, patientID string) error {
		if !known[patientID] {
			return ErrUnknownPatient
		}
		return nil
	}).WithURLValidator(AllowAnyURL)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, store
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type createResponse struct {
	Webhook Subscription `json:"webhook"`
	Secret  string       `json:"secret"`
}

func TestCreateWebhook(t *testing.T) {
	r, store := setupHandlerTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/caregivers/cg_1/webhooks", map[string]any{
		"patientId": "pat_1",
		"url":       "https://caregiver.example.com/hook",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp createResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Secret, 64)
	assert.Equal(t, "cg_1", resp.Webhook.CaregiverID)
	assert.True(t, resp.Webhook.Active)
	assert.ElementsMatch(t, []EventType{EventAlertCreated, EventRiskLevelChanged}, resp.Webhook.Events)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	stored, err := store.Get(context.Background(), resp.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Secret, stored.Secret)
}

func TestCreateWebhook_Errors(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{"missing url", map[string]any{"patientId": "pat_1"}, http.StatusBadRequest, "invalid_request"},
		{"missing patient", map[string]any{"url": "https://x.example.com"}, http.StatusBadRequest, "invalid_request"},
		{"bad event", map[string]any{"patientId": "pat_1", "url": "https://x.example.com", "events": []string{"payment.sent"}}, http.StatusBadRequest, "invalid_event"},
		{"bad url", map[string]any{"patientId": "pat_1", "url": "gopher://x"}, http.StatusBadRequest, "invalid_url"},
		{"unknown patient", map[string]any{"patientId": "pat_9", "url": "https://x.example.com"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/caregivers/cg_1/webhooks", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestListAndDeleteWebhooks(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/caregivers/cg_1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"webhooks":[],"count":0}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/caregivers/cg_1/webhooks", map[string]any{
		"patientId": "pat_1",
		"url":       "https://caregiver.example.com/hook",
		"events":    []string{"alert.created"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created createResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(r, http.MethodGet, "/v1/caregivers/cg_1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Webhooks []Subscription `json:"webhooks"`
		Count    int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, []EventType{EventAlertCreated}, list.Webhooks[0].Events)

	// Another caregiver cannot delete it.
	w = doJSON(r, http.MethodDelete, "/v1/caregivers/cg_2/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodDelete, "/v1/caregivers/cg_1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodDelete, "/v1/caregivers/cg_1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
