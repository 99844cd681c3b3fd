package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carewatch/internal/logging"
)

// Handler provides HTTP endpoints for patients, transactions, risk
// assessments, alerts and caregiver settings.
type Handler struct {
	service *Service
}

// NewHandler creates a new monitor handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the monitor routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/patients", h.CreatePatient)
	r.GET("/patients", h.ListPatients)
	r.GET("/patients/:id", h.GetPatient)
	r.POST("/patients/:id/transactions", h.RecordTransaction)
	r.GET("/patients/:id/transactions", h.ListTransactions)
	r.GET("/patients/:id/risk-profile", h.GetRiskProfile)
	r.GET("/patients/:id/assessments", h.ListAssessments)
	r.GET("/patients/:id/alerts", h.ListAlerts)

	r.POST("/alerts/:id/read", h.MarkAlertRead)
	r.POST("/alerts/:id/resolve", h.ResolveAlert)

	r.PUT("/caregivers/:caregiverId/patients/:id/alert-settings", h.UpdateSettings)
	r.GET("/caregivers/:caregiverId/patients/:id/alert-settings", h.GetSettings)
}

// decimalText accepts a decimal amount as either a JSON number or a string
// and keeps its exact text.
type decimalText string

func (d *decimalText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = decimalText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = decimalText(n.String())
	return nil
}

type createPatientRequest struct {
	Name               string      `json:"name" binding:"required"`
	Age                int         `json:"age"`
	DementiaStage      string      `json:"dementiaStage"`
	AvgMonthlySpending decimalText `json:"avgMonthlySpending"`
}

// CreatePatient handles POST /v1/patients
func (h *Handler) CreatePatient(c *gin.Context) {
	var req createPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	patient, err := h.service.CreatePatient(c.Request.Context(), NewPatient{
		Name:               req.Name,
		Age:                req.Age,
		DementiaStage:      req.DementiaStage,
		AvgMonthlySpending: string(req.AvgMonthlySpending),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"patient": patient})
}

// GetPatient handles GET /v1/patients/:id
func (h *Handler) GetPatient(c *gin.Context) {
	patient, err := h.service.GetPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patient": patient})
}

// ListPatients handles GET /v1/patients
func (h *Handler) ListPatients(c *gin.Context) {
	patients, err := h.service.ListPatients(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patients": orEmpty(patients), "count": len(patients)})
}

type recordTransactionRequest struct {
	Amount      decimalText `json:"amount" binding:"required"`
	Type        string      `json:"type" binding:"required"`
	Location    string      `json:"location"`
	Merchant    string      `json:"merchant"`
	Description string      `json:"description"`
	Timestamp   *time.Time  `json:"timestamp"`
}

// RecordTransaction handles POST /v1/patients/:id/transactions
func (h *Handler) RecordTransaction(c *gin.Context) {
	var req recordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	in := NewTransaction{
		Amount:      string(req.Amount),
		Type:        req.Type,
		Location:    req.Location,
		Merchant:    req.Merchant,
		Description: req.Description,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	result, err := h.service.RecordTransaction(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ListTransactions handles GET /v1/patients/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.service.ListTransactions(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": orEmpty(txs), "count": len(txs)})
}

// GetRiskProfile handles GET /v1/patients/:id/risk-profile
func (h *Handler) GetRiskProfile(c *gin.Context) {
	profile, err := h.service.Profile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// ListAssessments handles GET /v1/patients/:id/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	list, err := h.service.ListAssessments(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": orEmpty(list), "count": len(list)})
}

// ListAlerts handles GET /v1/patients/:id/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	unresolved := c.Query("unresolved") == "true"
	alerts, err := h.service.ListAlerts(c.Request.Context(), c.Param("id"), unresolved, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": orEmpty(alerts), "count": len(alerts)})
}

// MarkAlertRead handles POST /v1/alerts/:id/read
func (h *Handler) MarkAlertRead(c *gin.Context) {
	alert, err := h.service.MarkAlertRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// ResolveAlert handles POST /v1/alerts/:id/resolve
func (h *Handler) ResolveAlert(c *gin.Context) {
	alert, err := h.service.ResolveAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

type settingsRequest struct {
	ImmediateAlerts *bool       `json:"immediateAlerts" binding:"required"`
	Threshold       decimalText `json:"threshold" binding:"required"`
}

// UpdateSettings handles PUT /v1/caregivers/:caregiverId/patients/:id/alert-settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	settings, err := h.service.UpdateSettings(c.Request.Context(), c.Param("caregiverId"), c.Param("id"), SettingsUpdate{
		ImmediateAlerts: *req.ImmediateAlerts,
		Threshold:       string(req.Threshold),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// GetSettings handles GET /v1/caregivers/:caregiverId/patients/:id/alert-settings
func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.service.GetSettings(c.Request.Context(), c.Param("caregiverId"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrAlertNotFound),
		errors.Is(err, ErrSettingsNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		badRequest(c, "invalid_amount", err.Error())
	case errors.Is(err, ErrInvalidTimestamp):
		badRequest(c, "invalid_timestamp", err.Error())
	case errors.Is(err, ErrInvalidTransactionType):
		badRequest(c, "invalid_type", err.Error())
	case errors.Is(err, ErrInvalidDementiaStage):
		badRequest(c, "invalid_dementia_stage", err.Error())
	case errors.Is(err, ErrInvalidPatient):
		badRequest(c, "invalid_patient", err.Error())
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal server error",
		})
	}
}
