package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mbd888/carewatch/internal/idgen"
	"github.com/mbd888/carewatch/internal/logging"
	"github.com/mbd888/carewatch/internal/metrics"
	"github.com/mbd888/carewatch/internal/retry"
	"github.com/mbd888/carewatch/internal/risk"
	"github.com/mbd888/carewatch/internal/syncutil"
	"github.com/mbd888/carewatch/internal/traces"
)

// Options tunes the service.
type Options struct {
	// HistoryWindow is how many recent transactions the scorer sees.
	HistoryWindow int
	// ProfileLookback is how much history is loaded for profiling. Only the
	// last 7 days count towards the factors; older transactions still feed
	// the ATM and anomaly-count recommendations.
	ProfileLookback time.Duration
	// DefaultThreshold applies when a patient has no caregiver settings.
	DefaultThreshold decimal.Decimal
	// Location is the local time zone of transactions submitted without a
	// timestamp. Submitted timestamps keep their own offset. Nil means UTC.
	Location *time.Location
}

// MaxClockSkew is how far past the server clock a submitted transaction
// timestamp may lie.
const MaxClockSkew = 5 * time.Minute

// maxAmount is the first value that no longer fits NUMERIC(20,2).
var maxAmount = decimal.New(1, 18)

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		HistoryWindow:    risk.DefaultHistorySize,
		ProfileLookback:  30 * 24 * time.Hour,
		DefaultThreshold: decimal.NewFromInt(500_000),
	}
}

// Service sequences scoring, persistence, alerting and re-profiling.
type Service struct {
	store    Store
	settings SettingsStore
	scorer   *risk.Scorer
	profiler *risk.Profiler
	notifier Notifier
	locks    *syncutil.KeyedMutex
	opts     Options
	retry    retry.Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a service using the default risk rules.
func NewService(store Store, settings SettingsStore, opts Options, logger *slog.Logger) *Service {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = risk.DefaultHistorySize
	}
	if opts.ProfileLookback < risk.ProfileWindow {
		opts.ProfileLookback = risk.ProfileWindow
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		store:    store,
		settings: settings,
		scorer:   risk.NewScorer(nil),
		profiler: risk.NewProfiler(nil),
		locks:    syncutil.NewKeyedMutex(0),
		opts:     opts,
		retry:    retry.Default,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithRules replaces the scoring and profiling rules.
func (s *Service) WithRules(rules *risk.Rules) *Service {
	s.scorer = risk.NewScorer(rules)
	s.profiler = risk.NewProfiler(rules)
	return s
}

// WithNotifier sets the realtime notifier for alerts and level changes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithRetry overrides the retry policy for risk-level updates.
func (s *Service) WithRetry(p retry.Policy) *Service {
	s.retry = p
	return s
}

// CreatePatient validates and registers a patient at the low risk level.
func (s *Service) CreatePatient(ctx context.Context, in NewPatient) (*Patient, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || in.Age < 0 {
		return nil, ErrInvalidPatient
	}
	stage := risk.DementiaStage(strings.ToLower(strings.TrimSpace(in.DementiaStage)))
	if !stage.Valid() {
		return nil, ErrInvalidDementiaStage
	}
	avg := decimal.Zero
	if strings.TrimSpace(in.AvgMonthlySpending) != "" {
		d, err := parseAmount(in.AvgMonthlySpending)
		if err != nil || d.IsNegative() {
			return nil, ErrInvalidAmount
		}
		avg = d
	}

	now := s.now()
	p := &Patient{
		ID:                 idgen.WithPrefix(idgen.PatientPrefix),
		Name:               name,
		Age:                in.Age,
		RiskLevel:          risk.LevelLow,
		DementiaStage:      stage,
		AvgMonthlySpending: avg,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreatePatient(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return p, nil
}

// GetPatient returns a patient by id.
func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.store.GetPatient(ctx, id)
}

// ListPatients returns the most recently registered patients.
func (s *Service) ListPatients(ctx context.Context, limit int) ([]*Patient, error) {
	return s.store.ListPatients(ctx, limit)
}

// RecordTransaction scores and stores a new transaction. When it is
// anomalous, an alert is raised (subject to the caregivers' settings), the
// patient is re-profiled and the new assessment becomes the patient's risk
// level. Ingestion for one patient is serialized.
func (s *Service) RecordTransaction(ctx context.Context, patientID string, in NewTransaction) (_ *Result, err error) {
	amount, txType, err := validateTransaction(in, s.now())
	if err != nil {
		return nil, err
	}

	ctx = logging.WithPatient(ctx, patientID)
	ctx, span := traces.StartSpan(ctx, "monitor.RecordTransaction",
		traces.PatientID(patientID),
		traces.TransactionType(string(txType)),
		traces.Amount(amount.String()),
	)
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("wait for patient lock: %w", err)
	}
	defer unlock()

	start := time.Now()
	defer func() { metrics.ScoringDuration.Observe(time.Since(start).Seconds()) }()

	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.RecentTransactions(ctx, patientID, s.opts.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	now := s.now()
	tx := &Transaction{
		ID:          idgen.WithPrefix(idgen.TransactionPrefix),
		PatientID:   patientID,
		Amount:      amount,
		Type:        txType,
		Location:    strings.TrimSpace(in.Location),
		Merchant:    strings.TrimSpace(in.Merchant),
		Description: strings.TrimSpace(in.Description),
		Timestamp:   in.Timestamp,
		CreatedAt:   now,
	}
	if in.Timestamp.IsZero() {
		tx.Timestamp = now.In(s.opts.Location)
	}

	verdict := s.scorer.Score(tx.scoringView(), scoringViews(history), patient.AvgMonthlySpending)
	tx.IsAnomaly = verdict.IsAnomaly
	tx.RiskScore = verdict.RiskScore
	tx.Reasons = verdict.Reasons

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("store transaction: %w", err)
	}
	span.SetAttributes(traces.TransactionID(tx.ID), traces.RiskScore(tx.RiskScore))
	metrics.TransactionsScoredTotal.WithLabelValues(string(tx.Type)).Inc()
	metrics.AnomalyScore.Observe(float64(tx.RiskScore))

	result := &Result{Transaction: tx, Anomaly: verdict}
	if !verdict.IsAnomaly {
		return result, nil
	}

	alertType := risk.AlertTypeFor(tx.RiskScore)
	metrics.AnomaliesTotal.WithLabelValues(string(alertType)).Inc()
	logging.L(ctx).Info("anomalous transaction",
		"transaction_id", tx.ID, "risk_score", tx.RiskScore, "alert_type", alertType, "reasons", tx.Reasons)

	alert, err := s.raiseAlert(ctx, patient, tx, alertType)
	if err != nil {
		return nil, err
	}
	result.Alert = alert

	// A timestamp slightly ahead of the server clock still belongs to the
	// profiled window.
	asOf := now
	if tx.Timestamp.After(asOf) {
		asOf = tx.Timestamp
	}
	assessment, err := s.reprofileLocked(ctx, patient, asOf)
	if err != nil {
		return nil, err
	}
	result.Assessment = assessment
	return result, nil
}

func validateTransaction(in NewTransaction, now time.Time) (decimal.Decimal, risk.TransactionType, error) {
	amount, err := parseAmount(in.Amount)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, "", ErrInvalidAmount
	}
	txType := risk.TransactionType(strings.ToLower(strings.TrimSpace(in.Type)))
	if !txType.Valid() {
		return decimal.Zero, "", ErrInvalidTransactionType
	}
	if in.Timestamp.After(now.Add(MaxClockSkew)) {
		return decimal.Zero, "", ErrInvalidTimestamp
	}
	return amount, txType, nil
}

// parseAmount accepts decimal text that is stored without rounding:
// at most 2 decimal places and 18 integer digits.
func parseAmount(text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, err
	}
	if !d.Truncate(2).Equal(d) || d.Abs().GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// raiseAlert applies the caregivers' settings to an anomalous transaction.
// The alert is stored when any caregiver (or the default settings) has
// immediate alerts enabled. It is pushed in realtime to the caregivers the
// immediate-alert rule selects.
func (s *Service) raiseAlert(ctx context.Context, patient *Patient, tx *Transaction, alertType risk.AlertType) (*Alert, error) {
	settings, err := s.settings.ListSettings(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("load alert settings: %w", err)
	}

	enabled := false
	var recipients []string
	notify := false
	if len(settings) == 0 {
		defaults := risk.AlertSettings{ImmediateAlerts: true, Threshold: s.opts.DefaultThreshold}
		enabled = true
		notify = risk.ShouldSendImmediateAlert(tx.RiskScore, tx.Amount, defaults)
	}
	for _, cs := range settings {
		if cs.ImmediateAlerts {
			enabled = true
		}
		if risk.ShouldSendImmediateAlert(tx.RiskScore, tx.Amount, cs.AlertSettings) {
			recipients = append(recipients, cs.CaregiverID)
			notify = true
		}
	}

	if !enabled {
		metrics.AlertsSuppressedTotal.Inc()
		logging.L(ctx).Info("alert suppressed by caregiver settings", "transaction_id", tx.ID)
		return nil, nil
	}

	alert := &Alert{
		ID:            idgen.WithPrefix(idgen.AlertPrefix),
		PatientID:     patient.ID,
		TransactionID: tx.ID,
		Type:          alertType,
		Severity:      alertType.Severity(),
		Title:         alertType.Title(),
		Message:       alertMessage(patient, tx),
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("store alert: %w", err)
	}
	metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Severity)).Inc()

	if notify && s.notifier != nil {
		s.notifier.PublishAlert(patient.ID, recipients, alert)
	}
	return alert, nil
}

func alertMessage(p *Patient, tx *Transaction) string {
	location := tx.Location
	if location == "" {
		location = "unknown"
	}
	return fmt.Sprintf("%s made a %s transaction of %s at %s (risk score %d/100)",
		p.Name, tx.Type, formatAmount(tx.Amount), location, tx.RiskScore)
}

var amountPrinter = message.NewPrinter(language.English)

// formatAmount renders d with two decimals and thousands separators.
func formatAmount(d decimal.Decimal) string {
	return amountPrinter.Sprintf("%.2f", d.Round(2).InexactFloat64())
}

// Profile computes the live risk profile of a patient without storing it.
func (s *Service) Profile(ctx context.Context, patientID string) (*risk.RiskProfile, error) {
	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	profile, err := s.profile(ctx, patient, s.now())
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *Service) profile(ctx context.Context, patient *Patient, asOf time.Time) (risk.RiskProfile, error) {
	txs, err := s.store.TransactionsSince(ctx, patient.ID, asOf.Add(-s.opts.ProfileLookback))
	if err != nil {
		return risk.RiskProfile{}, fmt.Errorf("load profile history: %w", err)
	}

	var previous *risk.Snapshot
	last, err := s.store.LatestAssessment(ctx, patient.ID)
	switch {
	case err == nil:
		previous = last.snapshot()
	case !errors.Is(err, ErrAssessmentNotFound):
		return risk.RiskProfile{}, fmt.Errorf("load latest assessment: %w", err)
	}

	return s.profiler.Profile(patient.scoringView(), scoringViews(txs), asOf, previous), nil
}

// Reprofile recomputes, stores and applies a patient's risk assessment.
func (s *Service) Reprofile(ctx context.Context, patientID string) (_ *RiskAssessment, err error) {
	ctx = logging.WithPatient(ctx, patientID)
	ctx, span := traces.StartSpan(ctx, "monitor.Reprofile", traces.PatientID(patientID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("wait for patient lock: %w", err)
	}
	defer unlock()

	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.reprofileLocked(ctx, patient, s.now())
}

// reprofileLocked appends a new assessment for the week ending at asOf and
// moves the patient's risk level to match it. The caller holds the patient
// lock.
func (s *Service) reprofileLocked(ctx context.Context, patient *Patient, asOf time.Time) (*RiskAssessment, error) {
	profile, err := s.profile(ctx, patient, asOf)
	if err != nil {
		return nil, err
	}

	assessment := &RiskAssessment{
		ID:              idgen.WithPrefix(idgen.AssessmentPrefix),
		PatientID:       patient.ID,
		FrequencyScore:  profile.Factors.Frequency,
		AmountScore:     profile.Factors.Amount,
		TimingScore:     profile.Factors.Timing,
		LocationScore:   profile.Factors.Location,
		TotalScore:      profile.TotalScore,
		RiskLevel:       profile.Level,
		Recommendations: profile.Recommendations,
		AssessmentDate:  profile.WindowEnd,
	}
	if err := s.store.CreateAssessment(ctx, assessment); err != nil {
		return nil, fmt.Errorf("store assessment: %w", err)
	}
	metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.RiskLevel)).Inc()

	err = s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.store.UpdateRiskLevel(ctx, patient.ID, assessment.RiskLevel)
		if errors.Is(err, ErrPatientNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update risk level: %w", err)
	}

	if patient.RiskLevel != assessment.RiskLevel {
		logging.L(ctx).Info("patient risk level changed",
			"from", patient.RiskLevel, "to", assessment.RiskLevel, "total_score", assessment.TotalScore)
		if s.notifier != nil {
			s.notifier.PublishRiskLevel(patient.ID, string(patient.RiskLevel), string(assessment.RiskLevel), assessment.TotalScore)
		}
	}
	patient.RiskLevel = assessment.RiskLevel
	return assessment, nil
}

// ReprofileAll re-profiles every patient and returns how many succeeded.
// Failures are logged and do not stop the pass.
func (s *Service) ReprofileAll(ctx context.Context) (int, error) {
	patients, err := s.store.ListPatients(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list patients: %w", err)
	}

	done := 0
	for _, p := range patients {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := s.Reprofile(ctx, p.ID); err != nil {
			s.logger.Warn("re-profiling failed", "patient_id", p.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// ListTransactions returns a patient's most recent transactions.
func (s *Service) ListTransactions(ctx context.Context, patientID string, limit int) ([]*Transaction, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.RecentTransactions(ctx, patientID, limit)
}

// ListAssessments returns a patient's assessment history, newest first.
func (s *Service) ListAssessments(ctx context.Context, patientID string, limit int) ([]*RiskAssessment, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListAssessments(ctx, patientID, limit)
}

// ListAlerts returns a patient's alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, patientID string, unresolvedOnly bool, limit int) ([]*Alert, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, patientID, unresolvedOnly, limit)
}

// MarkAlertRead flags an alert as read.
func (s *Service) MarkAlertRead(ctx context.Context, alertID string) (*Alert, error) {
	if err := s.store.MarkAlertRead(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.GetAlert(ctx, alertID)
}

// ResolveAlert flags an alert as resolved.
func (s *Service) ResolveAlert(ctx context.Context, alertID string) (*Alert, error) {
	if err := s.store.ResolveAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.GetAlert(ctx, alertID)
}

// UpdateSettings stores a caregiver's alert settings for a patient.
func (s *Service) UpdateSettings(ctx context.Context, caregiverID, patientID string, in SettingsUpdate) (*AlertSettings, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	threshold, err := parseAmount(in.Threshold)
	if err != nil || threshold.IsNegative() {
		return nil, ErrInvalidAmount
	}

	settings := &AlertSettings{
		CaregiverID: caregiverID,
		PatientID:   patientID,
		AlertSettings: risk.AlertSettings{
			ImmediateAlerts: in.ImmediateAlerts,
			Threshold:       threshold,
		},
		UpdatedAt: s.now(),
	}
	if err := s.settings.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("store alert settings: %w", err)
	}
	return settings, nil
}

// GetSettings returns a caregiver's alert settings for a patient.
func (s *Service) GetSettings(ctx context.Context, caregiverID, patientID string) (*AlertSettings, error) {
	return s.settings.GetSettings(ctx, caregiverID, patientID)
}
