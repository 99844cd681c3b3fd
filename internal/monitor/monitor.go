// Package monitor ingests patient transactions, runs them through the risk
// engine and keeps caregivers informed.
//
// Every ingested transaction is scored and stored. Anomalous transactions
// raise an alert (when the caregivers' settings allow it), append a fresh
// risk assessment and move the patient's risk level.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/carewatch/internal/risk"
)

var (
	ErrPatientNotFound        = errors.New("patient not found")
	ErrAlertNotFound          = errors.New("alert not found")
	ErrAssessmentNotFound     = errors.New("no risk assessment recorded")
	ErrSettingsNotFound       = errors.New("alert settings not found")
	ErrInvalidAmount          = errors.New("amount must be a positive decimal number with at most 2 decimal places")
	ErrInvalidTimestamp       = errors.New("transaction timestamp is too far in the future")
	ErrInvalidTransactionType = errors.New("transaction type must be one of atm, card, online, transfer")
	ErrInvalidDementiaStage   = errors.New("dementia stage must be one of mild, moderate, severe")
	ErrInvalidPatient         = errors.New("patient needs a name and a non-negative age")
)

// Patient is a monitored person.
type Patient struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Age                int                `json:"age"`
	RiskLevel          risk.Level         `json:"riskLevel"`
	DementiaStage      risk.DementiaStage `json:"dementiaStage,omitempty"`
	AvgMonthlySpending decimal.Decimal    `json:"avgMonthlySpending"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

func (p *Patient) scoringView() risk.Patient {
	return risk.Patient{AvgMonthlySpending: p.AvgMonthlySpending, DementiaStage: p.DementiaStage}
}

// Transaction is a scored payment. It is never modified after creation.
type Transaction struct {
	ID          string               `json:"id"`
	PatientID   string               `json:"patientId"`
	Amount      decimal.Decimal      `json:"amount"`
	Type        risk.TransactionType `json:"type"`
	Location    string               `json:"location,omitempty"`
	Merchant    string               `json:"merchant,omitempty"`
	Description string               `json:"description,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	IsAnomaly   bool                 `json:"isAnomaly"`
	RiskScore   int                  `json:"riskScore"`
	Reasons     []string             `json:"reasons"`
	CreatedAt   time.Time            `json:"createdAt"`
}

func (t *Transaction) scoringView() risk.Transaction {
	return risk.Transaction{
		Amount:      t.Amount,
		Type:        t.Type,
		Location:    t.Location,
		Merchant:    t.Merchant,
		Description: t.Description,
		Timestamp:   t.Timestamp,
		IsAnomaly:   t.IsAnomaly,
	}
}

func scoringViews(txs []*Transaction) []risk.Transaction {
	out := make([]risk.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.scoringView()
	}
	return out
}

// RiskAssessment is an append-only snapshot of a patient's risk profile.
type RiskAssessment struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patientId"`
	FrequencyScore  int        `json:"frequencyScore"`
	AmountScore     int        `json:"amountScore"`
	TimingScore     int        `json:"timingScore"`
	LocationScore   int        `json:"locationScore"`
	TotalScore      int        `json:"totalScore"`
	RiskLevel       risk.Level `json:"riskLevel"`
	Recommendations []string   `json:"recommendations"`
	AssessmentDate  time.Time  `json:"assessmentDate"`
}

func (a *RiskAssessment) snapshot() *risk.Snapshot {
	return &risk.Snapshot{TotalScore: a.TotalScore, AssessedAt: a.AssessmentDate}
}

// AlertSettings is one caregiver's alerting preference for one patient.
type AlertSettings struct {
	CaregiverID string `json:"caregiverId"`
	PatientID   string `json:"patientId"`
	risk.AlertSettings
	UpdatedAt time.Time `json:"updatedAt"`
}

// Alert notifies caregivers about an anomalous transaction. The read and
// resolved flags are only changed by caregivers.
type Alert struct {
	ID            string         `json:"id"`
	PatientID     string         `json:"patientId"`
	TransactionID string         `json:"transactionId,omitempty"`
	Type          risk.AlertType `json:"type"`
	Severity      risk.Severity  `json:"severity"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	IsRead        bool           `json:"isRead"`
	IsResolved    bool           `json:"isResolved"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// NewPatient is the input for registering a patient.
type NewPatient struct {
	Name               string
	Age                int
	DementiaStage      string
	AvgMonthlySpending string // decimal text; empty means unknown
}

// NewTransaction is the input for ingesting a transaction.
type NewTransaction struct {
	Amount      string // decimal text
	Type        string
	Location    string
	Merchant    string
	Description string
	Timestamp   time.Time // zero means now
}

// SettingsUpdate is the input for changing a caregiver's alert settings.
type SettingsUpdate struct {
	ImmediateAlerts bool
	Threshold       string // decimal text
}

// Result is the outcome of ingesting one transaction.
type Result struct {
	Transaction *Transaction       `json:"transaction"`
	Anomaly     risk.AnomalyResult `json:"anomaly"`
	Alert       *Alert             `json:"alert,omitempty"`
	Assessment  *RiskAssessment    `json:"assessment,omitempty"`
}

// Store persists patients, transactions, assessments and alerts.
// List methods return newest first.
type Store interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)
	ListPatients(ctx context.Context, limit int) ([]*Patient, error)
	UpdateRiskLevel(ctx context.Context, patientID string, level risk.Level) error

	CreateTransaction(ctx context.Context, tx *Transaction) error
	RecentTransactions(ctx context.Context, patientID string, limit int) ([]*Transaction, error)
	TransactionsSince(ctx context.Context, patientID string, since time.Time) ([]*Transaction, error)

	CreateAssessment(ctx context.Context, a *RiskAssessment) error
	LatestAssessment(ctx context.Context, patientID string) (*RiskAssessment, error)
	ListAssessments(ctx context.Context, patientID string, limit int) ([]*RiskAssessment, error)

	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context, patientID string, unresolvedOnly bool, limit int) ([]*Alert, error)
	MarkAlertRead(ctx context.Context, id string) error
	ResolveAlert(ctx context.Context, id string) error
}

// SettingsStore persists caregiver alert settings.
type SettingsStore interface {
	UpsertSettings(ctx context.Context, s *AlertSettings) error
	GetSettings(ctx context.Context, caregiverID, patientID string) (*AlertSettings, error)
	ListSettings(ctx context.Context, patientID string) ([]*AlertSettings, error)
}

// Notifier pushes events to connected caregivers.
type Notifier interface {
	PublishAlert(patientID string, recipients []string, alert any)
	PublishRiskLevel(patientID string, previous, current string, totalScore int)
}

// Notifiers fans events out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) PublishAlert(patientID string, recipients []string, alert any) {
	for _, n := range ns {
		n.PublishAlert(patientID, recipients, alert)
	}
}

func (ns Notifiers) PublishRiskLevel(patientID string, previous, current string, totalScore int) {
	for _, n := range ns {
		n.PublishRiskLevel(patientID, previous, current, totalScore)
	}
}
