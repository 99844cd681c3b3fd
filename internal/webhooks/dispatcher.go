package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/carewatch/internal/circuitbreaker"
	"github.com/mbd888/carewatch/internal/idgen"
	"github.com/mbd888/carewatch/internal/metrics"
	"github.com/mbd888/carewatch/internal/retry"
)

const (
	// DefaultTimeout bounds a single HTTP delivery attempt.
	DefaultTimeout = 10 * time.Second

	// maxConsecutiveFailures deactivates a subscription after this many
	// failed deliveries in a row.
	maxConsecutiveFailures = 10

	// dispatchTimeout bounds the whole fan-out of one event.
	dispatchTimeout = 30 * time.Second
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-CareWatch-Event"
	HeaderDelivery  = "X-CareWatch-Delivery"
	HeaderTimestamp = "X-CareWatch-Timestamp"
	HeaderSignature = "X-CareWatch-Signature"
)

// Dispatcher posts events to subscribed caregiver endpoints. It satisfies
// the monitor notifier contract, so alerts and level changes reach
// webhooks exactly when they reach the realtime feed.
type Dispatcher struct {
	store       Store
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	retry       retry.Policy
	validateURL func(ctx context.Context, rawURL string) error
	now         func() time.Time
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a 10s client timeout, a per
// subscription circuit breaker and the default retry policy.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: DefaultTimeout},
		breaker:     circuitbreaker.New(3, time.Minute),
		retry:       retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		validateURL: ValidateURL,
		now:         time.Now,
		logger:      logger,
	}
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithBreaker replaces the per-subscription circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithRetry replaces the per-delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.retry = p
	return d
}

// WithURLValidator replaces the check applied to a URL before each send.
func (d *Dispatcher) WithURLValidator(fn func(ctx context.Context, rawURL string) error) *Dispatcher {
	d.validateURL = fn
	return d
}

// PublishAlert sends an alert.created event. A nil recipients list means
// no caregiver settings exist for the patient and every subscription of
// the patient receives it; otherwise only the listed caregivers do.
func (d *Dispatcher) PublishAlert(patientID string, recipients []string, alert any) {
	d.publish(&Event{Type: EventAlertCreated, PatientID: patientID, Data: alert}, recipients)
}

// PublishRiskLevel sends a risk_level.changed event to every subscription
// of the patient.
func (d *Dispatcher) PublishRiskLevel(patientID string, previous, current string, totalScore int) {
	d.publish(&Event{
		Type:      EventRiskLevelChanged,
		PatientID: patientID,
		Data: map[string]any{
			"previous":   previous,
			"current":    current,
			"totalScore": totalScore,
		},
	}, nil)
}

// publish fans the event out in the background.
func (d *Dispatcher) publish(event *Event, recipients []string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := d.Dispatch(ctx, event, recipients); err != nil {
			d.logger.Warn("webhook dispatch failed",
				"event", event.Type, "patient_id", event.PatientID, "error", err)
		}
	}()
}

// Dispatch delivers event to the patient's active subscriptions that want
// it, filtered to recipients when non-nil, and waits for the deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event, recipients []string) error {
	if event.ID == "" {
		event.ID = idgen.WithPrefix(idgen.EventPrefix)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}

	subs, err := d.store.ListByPatient(ctx, event.PatientID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		if recipients != nil && !slices.Contains(recipients, sub.CaregiverID) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliver(ctx, sub, event, payload)
		}(sub)
	}
	wg.Wait()
	return nil
}

// Wait blocks until background dispatches started by the Publish methods
// have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "skipped").Inc()
		return
	}

	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.send(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "error").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhook_id", sub.ID, "caregiver_id", sub.CaregiverID, "event", event.Type, "error", err)
		d.markFailure(ctx, sub, err)
		return
	}
	d.breaker.RecordSuccess(sub.ID)
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "ok").Inc()
	d.markSuccess(ctx, sub)
}

// send makes one delivery attempt. Client errors other than 429 are not
// retried.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.validateURL(ctx, sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("blocked URL: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// markSuccess and markFailure save bookkeeping even after the dispatch
// deadline has passed.
func (d *Dispatcher) markSuccess(ctx context.Context, sub *Subscription) {
	if err := d.store.RecordSuccess(context.WithoutCancel(ctx), sub.ID, d.now().UTC()); err != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) markFailure(ctx context.Context, sub *Subscription, cause error) {
	failures, _, err := d.store.RecordFailure(context.WithoutCancel(ctx), sub.ID, cause.Error(), maxConsecutiveFailures)
	if err != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
		return
	}
	if failures == maxConsecutiveFailures {
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook_id", sub.ID, "caregiver_id", sub.CaregiverID, "failures", failures)
	}
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
