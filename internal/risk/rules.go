package risk

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bucket is one rule of a BucketTable: values beyond Threshold score Score.
type Bucket struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Score     int     `yaml:"score" json:"score"`
}

// BucketTable maps a measured value to a score. Buckets are evaluated
// top-down and the first match wins, so they must be ordered by descending
// threshold. Inclusive switches the comparison from > to >=.
type BucketTable struct {
	Inclusive bool     `yaml:"inclusive" json:"inclusive"`
	Buckets   []Bucket `yaml:"buckets" json:"buckets"`
	Default   int      `yaml:"default" json:"default"`
}

// Match returns the first bucket that v falls into.
func (t BucketTable) Match(v float64) (Bucket, bool) {
	for _, b := range t.Buckets {
		if v > b.Threshold || (t.Inclusive && v == b.Threshold) {
			return b, true
		}
	}
	return Bucket{}, false
}

// Score returns the score of the first matching bucket, or Default.
func (t BucketTable) Score(v float64) int {
	if b, ok := t.Match(v); ok {
		return b.Score
	}
	return t.Default
}

func (t BucketTable) validate(name string) error {
	for i, b := range t.Buckets {
		if b.Score < 0 || b.Score > MaxScore {
			return fmt.Errorf("%s: bucket %d score %d out of range", name, i, b.Score)
		}
		if i > 0 && b.Threshold >= t.Buckets[i-1].Threshold {
			return fmt.Errorf("%s: thresholds must be strictly descending", name)
		}
	}
	if t.Default < 0 || t.Default > MaxScore {
		return fmt.Errorf("%s: default score %d out of range", name, t.Default)
	}
	return nil
}

// HourRange is an hour-of-day interval that may wrap midnight. Start is
// inclusive, End is exclusive.
type HourRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether hour falls in the range.
func (r HourRange) Contains(hour int) bool {
	if r.Start <= r.End {
		return hour >= r.Start && hour < r.End
	}
	return hour >= r.Start || hour < r.End
}

// AnomalyRules configures the per-transaction scorer.
type AnomalyRules struct {
	// Amount relative to the patient's historical monthly average.
	HistoricalRatio BucketTable `yaml:"historicalRatio"`
	// Amount relative to the mean of the supplied recent history.
	RecentRatio BucketTable `yaml:"recentRatio"`
	// Absolute amount.
	AbsoluteAmount BucketTable `yaml:"absoluteAmount"`

	// Number of history transactions in the trailing 24 hours.
	DailyCount BucketTable `yaml:"dailyCount"`
	// Number of ATM transactions in the trailing 24 hours (ATM candidates only).
	ATMDailyCount BucketTable `yaml:"atmDailyCount"`

	NightHours HourRange `yaml:"nightHours"`
	NightScore int       `yaml:"nightScore"`

	HighRiskKeywords     []string `yaml:"highRiskKeywords"`
	HighRiskKeywordScore int      `yaml:"highRiskKeywordScore"`
	OnlineChannelTerms   []string `yaml:"onlineChannelTerms"`
	OnlineChannelScore   int      `yaml:"onlineChannelScore"`
	UnknownMerchantTerms []string `yaml:"unknownMerchantTerms"`
	UnknownMerchantScore int      `yaml:"unknownMerchantScore"`
	RecentLocationCount  int      `yaml:"recentLocationCount"`
	UnfamiliarPlaceScore int      `yaml:"unfamiliarLocationScore"`
}

// Weights are the contributions of each factor to the total profile score.
type Weights struct {
	Frequency float64 `yaml:"frequency"`
	Amount    float64 `yaml:"amount"`
	Timing    float64 `yaml:"timing"`
	Location  float64 `yaml:"location"`
}

// ProfileRules configures the patient-level profiler.
type ProfileRules struct {
	// Average transactions per day over the window.
	DailyRate BucketTable `yaml:"dailyRate"`
	// Weekly spend projected to a month, relative to the monthly average.
	SpendRatio BucketTable `yaml:"spendRatio"`
	// Weekly spend when no monthly average is known.
	WeeklySpend BucketTable `yaml:"weeklySpend"`
	// Distinct non-empty locations in the window.
	DistinctLocations BucketTable `yaml:"distinctLocations"`

	NightHours  HourRange                 `yaml:"nightHours"`
	Weights     Weights                   `yaml:"weights"`
	Multipliers map[DementiaStage]float64 `yaml:"multipliers"`

	// Recommendation triggers.
	HighAmountWarning    int `yaml:"highAmountWarning"`
	HighFrequencyWarning int `yaml:"highFrequencyWarning"`
	NightActivityWarning int `yaml:"nightActivityWarning"`
	ATMCountWarning      int `yaml:"atmCountWarning"`
}

// Rules is the complete tunable configuration of the engine.
type Rules struct {
	Anomaly AnomalyRules `yaml:"anomaly"`
	Profile ProfileRules `yaml:"profile"`
}

// DefaultRules returns the built-in vocabulary and bucket tables.
func DefaultRules() *Rules {
	return &Rules{
		Anomaly: AnomalyRules{
			HistoricalRatio: BucketTable{Buckets: []Bucket{{3, 40}, {2, 25}}},
			RecentRatio:     BucketTable{Buckets: []Bucket{{5, 30}, {3, 20}}},
			AbsoluteAmount: BucketTable{
				Inclusive: true,
				Buckets:   []Bucket{{1_000_000, 35}, {500_000, 20}},
			},
			DailyCount:    BucketTable{Inclusive: true, Buckets: []Bucket{{5, 30}, {3, 15}}},
			ATMDailyCount: BucketTable{Inclusive: true, Buckets: []Bucket{{3, 25}}},
			NightHours:    HourRange{Start: 23, End: 7},
			NightScore:    20,
			HighRiskKeywords: []string{
				"gift card", "gift", "voucher", "wire transfer", "transfer",
				"investment", "invest", "loan", "insurance", "fund", "stock",
				"crypto", "bitcoin", "lottery", "prize",
			},
			HighRiskKeywordScore: 25,
			OnlineChannelTerms: []string{
				"online", "internet", "phone", "telephone", "call center", "telemarketing",
			},
			OnlineChannelScore:   15,
			UnknownMerchantTerms: []string{"unknown", "unverified", "unregistered", "anonymous"},
			UnknownMerchantScore: 20,
			RecentLocationCount:  10,
			UnfamiliarPlaceScore: 15,
		},
		Profile: ProfileRules{
			DailyRate:         BucketTable{Buckets: []Bucket{{5, 85}, {3, 60}, {2, 35}}, Default: 15},
			SpendRatio:        BucketTable{Buckets: []Bucket{{3, 85}, {2, 60}, {1.5, 40}}, Default: 20},
			WeeklySpend:       BucketTable{Buckets: []Bucket{{1_000_000, 80}, {500_000, 50}}, Default: 20},
			DistinctLocations: BucketTable{Buckets: []Bucket{{10, 80}, {7, 60}, {5, 40}}, Default: 20},
			NightHours:        HourRange{Start: 22, End: 7},
			Weights:           Weights{Frequency: 0.30, Amount: 0.40, Timing: 0.15, Location: 0.15},
			Multipliers: map[DementiaStage]float64{
				StageMild:     1.1,
				StageModerate: 1.3,
				StageSevere:   1.5,
			},
			HighAmountWarning:    70,
			HighFrequencyWarning: 70,
			NightActivityWarning: 50,
			ATMCountWarning:      3,
		},
	}
}

// LoadRules reads a YAML rules file on top of the defaults. Keys absent
// from the file keep their default values.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules on top of the defaults and validates them.
func ParseRules(data []byte) (*Rules, error) {
	rules := DefaultRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate checks that tables are ordered and scores are in range.
func (r *Rules) Validate() error {
	a, p := r.Anomaly, r.Profile
	tables := map[string]BucketTable{
		"anomaly.historicalRatio":   a.HistoricalRatio,
		"anomaly.recentRatio":       a.RecentRatio,
		"anomaly.absoluteAmount":    a.AbsoluteAmount,
		"anomaly.dailyCount":        a.DailyCount,
		"anomaly.atmDailyCount":     a.ATMDailyCount,
		"profile.dailyRate":         p.DailyRate,
		"profile.spendRatio":        p.SpendRatio,
		"profile.weeklySpend":       p.WeeklySpend,
		"profile.distinctLocations": p.DistinctLocations,
	}
	for name, t := range tables {
		if err := t.validate(name); err != nil {
			return err
		}
	}

	for _, h := range []HourRange{a.NightHours, p.NightHours} {
		if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 24 {
			return errors.New("night hours must lie within 0-24")
		}
	}

	w := p.Weights
	if w.Frequency < 0 || w.Amount < 0 || w.Timing < 0 || w.Location < 0 {
		return errors.New("profile weights must be non-negative")
	}
	if sum := w.Frequency + w.Amount + w.Timing + w.Location; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("profile weights must sum to 1, got %.3f", sum)
	}

	for stage, m := range p.Multipliers {
		if !stage.Valid() {
			return fmt.Errorf("unknown dementia stage %q", stage)
		}
		if m < 1 {
			return fmt.Errorf("multiplier for %q must be at least 1", stage)
		}
	}
	if a.RecentLocationCount < 0 {
		return errors.New("anomaly.recentLocationCount must not be negative")
	}
	return nil
}

// Multiplier returns the dementia severity multiplier for stage.
// Stages without a configured multiplier count as 1.
func (r *Rules) Multiplier(stage DementiaStage) float64 {
	if m, ok := r.Profile.Multipliers[stage]; ok {
		return m
	}
	return 1.0
}
