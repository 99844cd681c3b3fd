package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Profiler derives patient-level risk profiles. It is immutable after
// construction.
type Profiler struct {
	rules *Rules
}

// NewProfiler creates a profiler. A nil rules value selects DefaultRules.
func NewProfiler(rules *Rules) *Profiler {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Profiler{rules: rules}
}

// monthlyProjection scales a weekly total to a month.
var monthlyProjection = decimal.NewFromInt(4)

// Profile aggregates the transactions of the 7 days ending at asOf into a
// risk profile. txs may contain older transactions (they are ignored by the
// factors) and is not modified. previous, when non-nil, is only used to
// report the score change.
func (p *Profiler) Profile(patient Patient, txs []Transaction, asOf time.Time, previous *Snapshot) RiskProfile {
	start := asOf.Add(-ProfileWindow)
	week := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Timestamp.After(start) && !tx.Timestamp.After(asOf) {
			week = append(week, tx)
		}
	}

	mult := p.rules.Multiplier(patient.DementiaStage)
	factors := Factors{
		Frequency: amplify(p.frequencyBase(week), mult),
		Amount:    amplify(p.amountBase(week, patient.AvgMonthlySpending), mult),
		Timing:    amplify(p.timingBase(week), mult),
		Location:  amplify(p.locationBase(week), mult),
	}
	total := p.total(factors)
	level := Classify(total)

	profile := RiskProfile{
		Level:            level,
		TotalScore:       total,
		Factors:          factors,
		Recommendations:  p.recommendations(level, factors, txs),
		TransactionCount: len(week),
		WindowStart:      start,
		WindowEnd:        asOf,
	}
	if previous != nil {
		change := total - previous.TotalScore
		profile.ScoreChange = &change
	}
	return profile
}

// Classify maps a total score to its tier. Lower bounds are inclusive.
func Classify(total int) Level {
	switch {
	case total >= HighTierThreshold:
		return LevelHigh
	case total >= MediumTierThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (p *Profiler) frequencyBase(week []Transaction) float64 {
	perDay := float64(len(week)) / 7.0
	return float64(p.rules.Profile.DailyRate.Score(perDay))
}

func (p *Profiler) amountBase(week []Transaction, avgMonthly decimal.Decimal) float64 {
	total := decimal.Zero
	for _, tx := range week {
		total = total.Add(tx.Amount)
	}
	r := p.rules.Profile
	if avgMonthly.IsPositive() {
		ratio := total.Mul(monthlyProjection).Div(avgMonthly).InexactFloat64()
		return float64(r.SpendRatio.Score(ratio))
	}
	return float64(r.WeeklySpend.Score(total.InexactFloat64()))
}

// timingBase is the percentage of night-time transactions. An empty week
// scores zero.
func (p *Profiler) timingBase(week []Transaction) float64 {
	if len(week) == 0 {
		return 0
	}
	night := 0
	for _, tx := range week {
		if p.rules.Profile.NightHours.Contains(tx.Timestamp.Hour()) {
			night++
		}
	}
	return float64(night) / float64(len(week)) * 100
}

func (p *Profiler) locationBase(week []Transaction) float64 {
	distinct := make(map[string]struct{})
	for _, tx := range week {
		loc := strings.ToLower(strings.TrimSpace(tx.Location))
		if loc != "" {
			distinct[loc] = struct{}{}
		}
	}
	return float64(p.rules.Profile.DistinctLocations.Score(float64(len(distinct))))
}

func (p *Profiler) total(f Factors) int {
	w := p.rules.Profile.Weights
	sum := float64(f.Frequency)*w.Frequency +
		float64(f.Amount)*w.Amount +
		float64(f.Timing)*w.Timing +
		float64(f.Location)*w.Location
	return clamp(int(math.Round(sum)))
}

// amplify applies the dementia multiplier and caps the result. Factors are
// whole numbers, so adjacent stages only separate strictly when the
// multiplier gap times base is at least 1 (base >= 5 with the default
// multipliers). Smaller bases, such as a low night-time percentage, are
// non-decreasing across stages.
func amplify(base, mult float64) int {
	return clamp(int(math.Round(base * mult)))
}

func (p *Profiler) recommendations(level Level, f Factors, txs []Transaction) []string {
	r := p.rules.Profile
	var recs []string

	switch level {
	case LevelHigh:
		recs = append(recs,
			"Contact the patient today to review recent transactions together",
			"Consider lowering daily card and withdrawal limits with the bank",
			"Check for signs of scams or financial exploitation",
		)
		if f.Amount > r.HighAmountWarning {
			recs = append(recs, "Spending is far above the usual level; review large payments for legitimacy")
		}
		if f.Frequency > r.HighFrequencyWarning {
			recs = append(recs, "Transactions are unusually frequent; look for repeated or duplicate payments")
		}
	case LevelMedium:
		recs = append(recs,
			"Review this week's transactions with the patient",
			"Keep an eye on new merchants and unfamiliar locations",
		)
		if f.Timing > r.NightActivityWarning {
			recs = append(recs, "Many transactions happen at night; consider restricting night-time card use")
		}
	default:
		recs = append(recs, "Spending looks normal; continue routine monitoring")
	}

	atm, anomalies := 0, 0
	for _, tx := range txs {
		if tx.Type == TypeATM {
			atm++
		}
		if tx.IsAnomaly {
			anomalies++
		}
	}
	if atm > r.ATMCountWarning {
		recs = append(recs, fmt.Sprintf("%d ATM withdrawals recorded; confirm the cash is being used as expected", atm))
	}
	if anomalies > 0 {
		recs = append(recs, fmt.Sprintf("%d transaction(s) were flagged as anomalous and should be reviewed", anomalies))
	}
	return recs
}
