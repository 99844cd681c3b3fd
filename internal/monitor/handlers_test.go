package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *Service, *fakeNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, notifier := newTestService(t)
	handler := NewHandler(svc)

	r := gin.New()
	handler.RegisterRoutes(r.Group("/v1"))
	return r, svc, notifier
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createPatientHTTP(t *testing.T, r http.Handler) string {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/v1/patients", `{"name":"Margaret","age":81,"dementiaStage":"mild","avgMonthlySpending":800000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[struct {
		Patient Patient `json:"patient"`
	}](t, w)
	return resp.Patient.ID
}

func TestHandler_CreatePatient(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/patients", `{"name":"Margaret","age":81,"dementiaStage":"mild","avgMonthlySpending":"800000.50"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[struct {
		Patient struct {
			ID                 string `json:"id"`
			RiskLevel          string `json:"riskLevel"`
			DementiaStage      string `json:"dementiaStage"`
			AvgMonthlySpending string `json:"avgMonthlySpending"`
		} `json:"patient"`
	}](t, w)
	assert.NotEmpty(t, resp.Patient.ID)
	assert.Equal(t, "low", resp.Patient.RiskLevel)
	assert.Equal(t, "mild", resp.Patient.DementiaStage)
	assert.Equal(t, "800000.5", resp.Patient.AvgMonthlySpending)
}

func TestHandler_CreatePatient_400(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing name", `{"age":80}`, "invalid_request"},
		{"bad json", `{"name":`, "invalid_request"},
		{"bad stage", `{"name":"A","age":80,"dementiaStage":"terminal"}`, "invalid_dementia_stage"},
		{"negative age", `{"name":"A","age":-1}`, "invalid_patient"},
		{"bad average", `{"name":"A","age":80,"avgMonthlySpending":"lots"}`, "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/patients", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decode[map[string]string](t, w)
			assert.Equal(t, tt.code, resp["error"])
		})
	}
}

func TestHandler_GetPatient(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)

	w := doJSON(r, http.MethodGet, "/v1/patients/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/patients/pat_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, w)["error"])
}

func TestHandler_ListPatients(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/patients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"patients":[],"count":0}`, w.Body.String())

	createPatientHTTP(t, r)
	createPatientHTTP(t, r)
	w = doJSON(r, http.MethodGet, "/v1/patients?limit=1", nil)
	resp := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 1, resp.Count)
}

func TestHandler_RecordTransaction(t *testing.T) {
	r, _, notifier := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)

	body := map[string]any{
		"amount":    2_500_000,
		"type":      "transfer",
		"location":  "Incheon",
		"merchant":  "Unknown Investment Fund",
		"timestamp": at(3, 15).Format(time.RFC3339),
	}
	w := doJSON(r, http.MethodPost, "/v1/patients/"+id+"/transactions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[struct {
		Transaction struct {
			ID        string   `json:"id"`
			Amount    string   `json:"amount"`
			IsAnomaly bool     `json:"isAnomaly"`
			RiskScore int      `json:"riskScore"`
			Reasons   []string `json:"reasons"`
		} `json:"transaction"`
		Anomaly struct {
			IsAnomaly bool `json:"isAnomaly"`
			RiskScore int  `json:"riskScore"`
		} `json:"anomaly"`
		Alert *struct {
			Type     string `json:"type"`
			Severity string `json:"severity"`
		} `json:"alert"`
		Assessment *struct {
			RiskLevel string `json:"riskLevel"`
		} `json:"assessment"`
	}](t, w)

	assert.Equal(t, "2500000", resp.Transaction.Amount)
	assert.True(t, resp.Anomaly.IsAnomaly)
	assert.Equal(t, 100, resp.Anomaly.RiskScore)
	assert.Equal(t, resp.Anomaly.RiskScore, resp.Transaction.RiskScore)
	require.NotNil(t, resp.Alert)
	assert.Equal(t, "urgent", resp.Alert.Type)
	assert.Equal(t, "high", resp.Alert.Severity)
	require.NotNil(t, resp.Assessment)
	assert.Equal(t, 1, notifier.alertCount())
}

func TestHandler_RecordTransaction_Normal(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)

	w := doJSON(r, http.MethodPost, "/v1/patients/"+id+"/transactions",
		`{"amount":"15000","type":"card","location":"Seoul","timestamp":"2026-03-10T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "transaction")
	assert.Contains(t, resp, "anomaly")
	assert.NotContains(t, resp, "alert")
	assert.NotContains(t, resp, "assessment")
}

func TestHandler_RecordTransaction_Errors(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"negative amount", "/v1/patients/" + id + "/transactions", `{"amount":-5,"type":"card"}`, http.StatusBadRequest, "invalid_amount"},
		{"text amount", "/v1/patients/" + id + "/transactions", `{"amount":"abc","type":"card"}`, http.StatusBadRequest, "invalid_amount"},
		{"bad type", "/v1/patients/" + id + "/transactions", `{"amount":5,"type":"barter"}`, http.StatusBadRequest, "invalid_type"},
		{"sub-cent amount", "/v1/patients/" + id + "/transactions", `{"amount":"0.001","type":"card"}`, http.StatusBadRequest, "invalid_amount"},
		{"future timestamp", "/v1/patients/" + id + "/transactions", `{"amount":5,"type":"card","timestamp":"2030-01-01T00:00:00Z"}`, http.StatusBadRequest, "invalid_timestamp"},
		{"missing amount", "/v1/patients/" + id + "/transactions", `{"type":"card"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown patient", "/v1/patients/pat_missing/transactions", `{"amount":5,"type":"card"}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestHandler_ListTransactionsAndProfile(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)

	for _, ts := range []string{"2026-03-10T09:00:00Z", "2026-03-10T10:00:00Z"} {
		w := doJSON(r, http.MethodPost, "/v1/patients/"+id+"/transactions",
			`{"amount":"15000","type":"card","location":"Seoul","timestamp":"`+ts+`"}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(r, http.MethodGet, "/v1/patients/"+id+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	txs := decode[struct {
		Transactions []struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"transactions"`
	}](t, w)
	require.Len(t, txs.Transactions, 2)
	assert.Equal(t, 10, txs.Transactions[0].Timestamp.Hour())

	w = doJSON(r, http.MethodGet, "/v1/patients/"+id+"/risk-profile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	profile := decode[struct {
		Profile struct {
			RiskLevel        string `json:"riskLevel"`
			TransactionCount int    `json:"transactionCount"`
			Factors          struct {
				Frequency int `json:"frequency"`
			} `json:"factors"`
		} `json:"profile"`
	}](t, w)
	assert.Equal(t, "low", profile.Profile.RiskLevel)
	assert.Equal(t, 2, profile.Profile.TransactionCount)
	assert.Positive(t, profile.Profile.Factors.Frequency)

	w = doJSON(r, http.MethodGet, "/v1/patients/"+id+"/assessments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"assessments":[],"count":0}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/v1/patients/pat_missing/risk-profile", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_AlertLifecycle(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)

	w := doJSON(r, http.MethodPost, "/v1/patients/"+id+"/transactions",
		`{"amount":"1200000","type":"atm","timestamp":"2026-03-10T02:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[struct {
		Alert struct {
			ID string `json:"id"`
		} `json:"alert"`
	}](t, w)
	alertID := created.Alert.ID
	require.NotEmpty(t, alertID)

	w = doJSON(r, http.MethodPost, "/v1/alerts/"+alertID+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	read := decode[struct {
		Alert Alert `json:"alert"`
	}](t, w)
	assert.True(t, read.Alert.IsRead)

	w = doJSON(r, http.MethodPost, "/v1/alerts/"+alertID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/patients/"+id+"/alerts?unresolved=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = doJSON(r, http.MethodGet, "/v1/patients/"+id+"/alerts", nil)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = doJSON(r, http.MethodPost, "/v1/alerts/alr_missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_AlertSettings(t *testing.T) {
	r, _, _ := setupHandlerTestRouter(t)
	id := createPatientHTTP(t, r)
	path := "/v1/caregivers/cg_1/patients/" + id + "/alert-settings"

	w := doJSON(r, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPut, path, `{"immediateAlerts":false,"threshold":300000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Settings struct {
			CaregiverID     string `json:"caregiverId"`
			ImmediateAlerts bool   `json:"immediateAlerts"`
			Threshold       string `json:"threshold"`
		} `json:"settings"`
	}](t, w)
	assert.Equal(t, "cg_1", resp.Settings.CaregiverID)
	assert.False(t, resp.Settings.ImmediateAlerts)
	assert.Equal(t, "300000", resp.Settings.Threshold)

	w = doJSON(r, http.MethodPut, path, `{"threshold":300000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPut, path, `{"immediateAlerts":true,"threshold":"-3"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecimalText(t *testing.T) {
	var v struct {
		A decimalText `json:"a"`
		B decimalText `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":1200000.75,"b":"33.10"}`), &v))
	assert.Equal(t, decimalText("1200000.75"), v.A)
	assert.Equal(t, decimalText("33.10"), v.B)

	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}
