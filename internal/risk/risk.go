// Package risk implements the transaction risk-scoring and profiling engine.
//
// Two pure components live here:
//
//   - Scorer rates a single candidate transaction against the patient's
//     recent history (amount, frequency, timing, merchant text, location)
//     and returns a 0-100 anomaly score with human-readable reasons.
//   - Profiler aggregates a trailing 7-day window into four weighted factor
//     scores (frequency, amount, timing, location), amplified by the
//     patient's dementia stage, and classifies the result into a tier.
//
// Neither component performs I/O or keeps mutable state, so both are safe
// to call concurrently. Serializing re-profiling of the same patient is the
// caller's job.
package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy thresholds shared by the scorer, the profiler and the alert policy.
const (
	// AnomalyThreshold is the minimum anomaly score that flags a transaction.
	AnomalyThreshold = 30

	// MediumTierThreshold and HighTierThreshold partition total scores into
	// tiers: [0,40) low, [40,70) medium, [70,100] high.
	MediumTierThreshold = 40
	HighTierThreshold   = 70

	// HighRiskAlertThreshold separates high_risk from medium_risk alerts.
	// Scores at or above HighTierThreshold raise urgent alerts.
	HighRiskAlertThreshold = 50

	// MaxScore caps every score produced by this package.
	MaxScore = 100
)

// Window sizes used by the engine.
const (
	FrequencyWindow = 24 * time.Hour
	ProfileWindow   = 7 * 24 * time.Hour

	// DefaultHistorySize is how many recent transactions callers should feed
	// the scorer.
	DefaultHistorySize = 20
)

// TransactionType is the payment channel of a transaction.
type TransactionType string

const (
	TypeATM      TransactionType = "atm"
	TypeCard     TransactionType = "card"
	TypeOnline   TransactionType = "online"
	TypeTransfer TransactionType = "transfer"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeATM, TypeCard, TypeOnline, TypeTransfer:
		return true
	}
	return false
}

// DementiaStage is the diagnosed severity of a patient's dementia.
// The empty value means no stage is recorded.
type DementiaStage string

const (
	StageNone     DementiaStage = ""
	StageMild     DementiaStage = "mild"
	StageModerate DementiaStage = "moderate"
	StageSevere   DementiaStage = "severe"
)

// Valid reports whether s is a known stage (including none).
func (s DementiaStage) Valid() bool {
	switch s {
	case StageNone, StageMild, StageModerate, StageSevere:
		return true
	}
	return false
}

// Level is the coarse risk tier of a patient.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Severity is the urgency attached to an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Transaction is the scoring view of a transaction. Optional text fields
// are empty when unknown.
type Transaction struct {
	Amount      decimal.Decimal
	Type        TransactionType
	Location    string
	Merchant    string
	Description string
	Timestamp   time.Time
	IsAnomaly   bool
}

// Patient carries the attributes the profiler needs.
type Patient struct {
	AvgMonthlySpending decimal.Decimal
	DementiaStage      DementiaStage
}

// AnomalyResult is the verdict of the scorer on one transaction.
type AnomalyResult struct {
	IsAnomaly bool     `json:"isAnomaly"`
	RiskScore int      `json:"riskScore"`
	Reasons   []string `json:"reasons"`
}

// Factors are the four multiplier-adjusted profile factor scores.
type Factors struct {
	Frequency int `json:"frequency"`
	Amount    int `json:"amount"`
	Timing    int `json:"timing"`
	Location  int `json:"location"`
}

// Snapshot is the part of a stored assessment the profiler can report
// against. It never influences the computed scores.
type Snapshot struct {
	TotalScore int
	AssessedAt time.Time
}

// RiskProfile is the aggregate patient-level result of the profiler.
type RiskProfile struct {
	Level            Level     `json:"riskLevel"`
	TotalScore       int       `json:"totalScore"`
	Factors          Factors   `json:"factors"`
	Recommendations  []string  `json:"recommendations"`
	TransactionCount int       `json:"transactionCount"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	// ScoreChange is the difference to the previous snapshot, if one was given.
	ScoreChange *int `json:"scoreChange,omitempty"`
}

// AlertSettings is the caregiver-controlled alerting configuration for one
// patient.
type AlertSettings struct {
	ImmediateAlerts bool            `json:"immediateAlerts"`
	Threshold       decimal.Decimal `json:"threshold"`
}

func clamp(score int) int {
	if score > MaxScore {
		return MaxScore
	}
	if score < 0 {
		return 0
	}
	return score
}
