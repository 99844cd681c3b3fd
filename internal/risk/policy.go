package risk

import "github.com/shopspring/decimal"

// AlertType classifies an anomalous transaction for caregivers.
type AlertType string

const (
	AlertUrgent     AlertType = "urgent"
	AlertHighRisk   AlertType = "high_risk"
	AlertMediumRisk AlertType = "medium_risk"
)

// AlertTypeFor classifies an anomaly score.
func AlertTypeFor(score int) AlertType {
	switch {
	case score >= HighTierThreshold:
		return AlertUrgent
	case score >= HighRiskAlertThreshold:
		return AlertHighRisk
	default:
		return AlertMediumRisk
	}
}

// Level maps the alert type onto the risk tier it corresponds to.
func (t AlertType) Level() Level {
	switch t {
	case AlertUrgent:
		return LevelHigh
	case AlertHighRisk:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Severity is the alert severity for t.
func (t AlertType) Severity() Severity {
	return SeverityOf(t.Level())
}

// Title is the caregiver-facing headline for t.
func (t AlertType) Title() string {
	switch t {
	case AlertUrgent:
		return "Urgent: suspicious transaction detected"
	case AlertHighRisk:
		return "High-risk transaction detected"
	default:
		return "Unusual transaction detected"
	}
}

// SeverityOf maps a risk tier to an alert severity.
func SeverityOf(level Level) Severity {
	switch level {
	case LevelHigh:
		return SeverityHigh
	case LevelMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ShouldSendImmediateAlert reports whether a caregiver with settings wants
// to be notified right away about a transaction.
func ShouldSendImmediateAlert(riskScore int, amount decimal.Decimal, settings AlertSettings) bool {
	if !settings.ImmediateAlerts {
		return false
	}
	return riskScore >= HighTierThreshold || amount.GreaterThanOrEqual(settings.Threshold)
}
