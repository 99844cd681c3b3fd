// Package webhooks delivers patient alerts and risk-level changes to HTTP
// endpoints registered by caregivers.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over the body using
// the subscription secret, sent in the X-CareWatch-Signature header.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"time"
)

// EventType names a webhook event.
type EventType string

const (
	EventAlertCreated     EventType = "alert.created"
	EventRiskLevelChanged EventType = "risk_level.changed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventAlertCreated || t == EventRiskLevelChanged
}

// Event is the payload posted to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	PatientID string    `json:"patientId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is a caregiver's endpoint for one patient's events.
type Subscription struct {
	ID                  string      `json:"id"`
	CaregiverID         string      `json:"caregiverId"`
	PatientID           string      `json:"patientId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription listens for t.
func (s *Subscription) Wants(t EventType) bool {
	return slices.Contains(s.Events, t)
}

var (
	ErrNotFound       = errors.New("webhooks: subscription not found")
	ErrUnknownPatient = errors.New("webhooks: patient not found")
	ErrInvalidEvent   = errors.New("webhooks: unknown event type")
)

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByCaregiver(ctx context.Context, caregiverID string) ([]*Subscription, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Subscription, error)
	// RecordSuccess stores a delivery at the given time and clears the
	// failure streak.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure atomically extends the failure streak and deactivates
	// the subscription once the streak reaches deactivateAfter. It returns
	// the new streak and whether the subscription is still active.
	RecordFailure(ctx context.Context, id, lastError string, deactivateAfter int) (failures int, active bool, err error)
	Delete(ctx context.Context, id string) error
}
