package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Scorer rates individual transactions. It is immutable after construction.
type Scorer struct {
	rules *Rules
}

// NewScorer creates a scorer. A nil rules value selects DefaultRules.
func NewScorer(rules *Rules) *Scorer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Scorer{rules: rules}
}

// partial is the contribution of one trigger to the anomaly score.
type partial struct {
	score  int
	reason string
}

// Score evaluates tx against the patient's recent history and historical
// monthly average spend. history may be in any order; it is not modified.
// A zero avgMonthly means the average is unknown.
func (s *Scorer) Score(tx Transaction, history []Transaction, avgMonthly decimal.Decimal) AnomalyResult {
	recent := byRecency(history)

	var parts []partial
	parts = append(parts, s.amountPartials(tx, recent, avgMonthly)...)
	parts = append(parts, s.frequencyPartials(tx, recent)...)
	parts = append(parts, s.timingPartials(tx)...)
	parts = append(parts, s.merchantPartials(tx)...)
	parts = append(parts, s.locationPartials(tx, recent)...)

	total := 0
	reasons := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.score <= 0 {
			continue
		}
		total += p.score
		if p.reason != "" {
			reasons = append(reasons, p.reason)
		}
	}

	score := clamp(total)
	return AnomalyResult{
		IsAnomaly: score >= AnomalyThreshold,
		RiskScore: score,
		Reasons:   reasons,
	}
}

// amountPartials compares the amount with the monthly average, the mean of
// the recent window and the absolute thresholds. Without a monthly average
// only the absolute thresholds apply.
func (s *Scorer) amountPartials(tx Transaction, recent []Transaction, avgMonthly decimal.Decimal) []partial {
	r := s.rules.Anomaly
	amount := tx.Amount
	var parts []partial

	if avgMonthly.IsPositive() {
		ratio := amount.Div(avgMonthly).InexactFloat64()
		if b, ok := r.HistoricalRatio.Match(ratio); ok {
			parts = append(parts, partial{b.Score,
				fmt.Sprintf("amount is %.1fx the monthly average", ratio)})
		}
	}

	if avgMonthly.IsPositive() && len(recent) > 0 {
		sum := decimal.Zero
		for _, h := range recent {
			sum = sum.Add(h.Amount)
		}
		mean := sum.Div(decimal.NewFromInt(int64(len(recent))))
		if mean.IsPositive() {
			ratio := amount.Div(mean).InexactFloat64()
			if b, ok := r.RecentRatio.Match(ratio); ok {
				parts = append(parts, partial{b.Score,
					fmt.Sprintf("amount is %.1fx the recent average", ratio)})
			}
		}
	}

	if b, ok := r.AbsoluteAmount.Match(amount.InexactFloat64()); ok {
		parts = append(parts, partial{b.Score,
			fmt.Sprintf("large amount: %s", amount.StringFixed(0))})
	}
	return parts
}

// frequencyPartials counts history inside the 24 hours before tx.
func (s *Scorer) frequencyPartials(tx Transaction, recent []Transaction) []partial {
	r := s.rules.Anomaly
	since := tx.Timestamp.Add(-FrequencyWindow)

	count, sameType := 0, 0
	for _, h := range recent {
		if h.Timestamp.Before(since) || h.Timestamp.After(tx.Timestamp) {
			continue
		}
		count++
		if h.Type == tx.Type {
			sameType++
		}
	}

	var parts []partial
	if b, ok := r.DailyCount.Match(float64(count)); ok {
		parts = append(parts, partial{b.Score,
			fmt.Sprintf("%d transactions in the last 24 hours", count)})
	}
	if tx.Type == TypeATM {
		if b, ok := r.ATMDailyCount.Match(float64(sameType)); ok {
			parts = append(parts, partial{b.Score,
				fmt.Sprintf("%d ATM withdrawals in the last 24 hours", sameType)})
		}
	}
	return parts
}

func (s *Scorer) timingPartials(tx Transaction) []partial {
	r := s.rules.Anomaly
	hour := tx.Timestamp.Hour()
	if !r.NightHours.Contains(hour) {
		return nil
	}
	return []partial{{r.NightScore, fmt.Sprintf("transaction at unusual hour (%02d:00)", hour)}}
}

// merchantPartials scans merchant and description text for risky terms.
func (s *Scorer) merchantPartials(tx Transaction) []partial {
	r := s.rules.Anomaly
	text := strings.ToLower(strings.TrimSpace(tx.Merchant + " " + tx.Description))
	if text == "" {
		return nil
	}

	var parts []partial
	if kw, ok := firstContained(text, r.HighRiskKeywords); ok {
		parts = append(parts, partial{r.HighRiskKeywordScore,
			fmt.Sprintf("high-risk merchant keyword %q", kw)})
	}
	if _, ok := firstContained(text, r.OnlineChannelTerms); ok {
		parts = append(parts, partial{r.OnlineChannelScore, "online or phone channel"})
	}
	if _, ok := firstContained(text, r.UnknownMerchantTerms); ok {
		parts = append(parts, partial{r.UnknownMerchantScore, "unverified merchant"})
	}
	return parts
}

// locationPartials flags a location that shares no word with any of the
// most recent known locations.
func (s *Scorer) locationPartials(tx Transaction, recent []Transaction) []partial {
	r := s.rules.Anomaly
	tokens := strings.Fields(strings.ToLower(tx.Location))
	if len(tokens) == 0 || len(recent) == 0 {
		return nil
	}

	limit := r.RecentLocationCount
	if limit > len(recent) {
		limit = len(recent)
	}
	known := make(map[string]struct{})
	for _, h := range recent[:limit] {
		for _, tok := range strings.Fields(strings.ToLower(h.Location)) {
			known[tok] = struct{}{}
		}
	}
	// Without any known location there is nothing to compare against.
	if len(known) == 0 {
		return nil
	}
	for _, tok := range tokens {
		if _, ok := known[tok]; ok {
			return nil
		}
	}
	return []partial{{r.UnfamiliarPlaceScore, fmt.Sprintf("unfamiliar location: %s", tx.Location)}}
}

func firstContained(text string, terms []string) (string, bool) {
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(text, t) {
			return t, true
		}
	}
	return "", false
}

// byRecency returns a copy of txs ordered newest first.
func byRecency(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
