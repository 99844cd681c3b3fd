package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carewatch/internal/idgen"
	"github.com/mbd888/carewatch/internal/logging"
)

// PatientCheck returns ErrUnknownPatient when patientID does not exist.
type PatientCheck func(ctx context.Context, patientID string) error

// Handler provides HTTP endpoints for caregiver webhook management.
type Handler struct {
	store        Store
	validateURL  func(ctx context.Context, rawURL string) error
	checkPatient PatientCheck
	now          func() time.Time
}

// NewHandler creates a webhook handler. checkPatient may be nil.
func NewHandler(store Store, checkPatient PatientCheck) *Handler {
	return &Handler{
		store:        store,
		validateURL:  ValidateURL,
		checkPatient: checkPatient,
		now:          time.Now,
	}
}

// WithURLValidator replaces the URL check applied at registration.
func (h *Handler) WithURLValidator(fn func(ctx context.Context, rawURL string) error) *Handler {
	h.validateURL = fn
	return h
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/caregivers/:caregiverId/webhooks", h.CreateWebhook)
	r.GET("/caregivers/:caregiverId/webhooks", h.ListWebhooks)
	r.DELETE("/caregivers/:caregiverId/webhooks/:webhookId", h.DeleteWebhook)
}

type createWebhookRequest struct {
	PatientID string   `json:"patientId" binding:"required"`
	URL       string   `json:"url" binding:"required"`
	Events    []string `json:"events"`
}

// CreateWebhook handles POST /v1/caregivers/:caregiverId/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	caregiverID := strings.TrimSpace(c.Param("caregiverId"))

	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	events, err := parseEvents(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}
	if err := h.validateURL(ctx, req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	if h.checkPatient != nil {
		if err := h.checkPatient(ctx, req.PatientID); err != nil {
			writeError(c, err)
			return
		}
	}

	secret, err := generateSecret()
	if err != nil {
		writeError(c, err)
		return
	}
	sub := &Subscription{
		ID:          idgen.WithPrefix(idgen.WebhookPrefix),
		CaregiverID: caregiverID,
		PatientID:   req.PatientID,
		URL:         req.URL,
		Secret:      secret,
		Events:      events,
		Active:      true,
		CreatedAt:   h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned once
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/caregivers/:caregiverId/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByCaregiver(c.Request.Context(), c.Param("caregiverId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/caregivers/:caregiverId/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil {
		writeError(c, err)
		return
	}
	// Another caregiver's webhook is reported as missing.
	if sub.CaregiverID != c.Param("caregiverId") {
		writeError(c, ErrNotFound)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": sub.ID})
}

// parseEvents defaults to every event type when none are given.
func parseEvents(raw []string) ([]EventType, error) {
	if len(raw) == 0 {
		return []EventType{EventAlertCreated, EventRiskLevelChanged}, nil
	}
	events := make([]EventType, 0, len(raw))
	for _, r := range raw {
		e := EventType(strings.TrimSpace(r))
		if !e.Valid() {
			return nil, errors.Join(ErrInvalidEvent, errors.New(r))
		}
		events = append(events, e)
	}
	return events, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
	case errors.Is(err, ErrUnknownPatient):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "patient not found"})
	default:
		logging.L(c.Request.Context()).Error("webhook request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal server error",
		})
	}
}
