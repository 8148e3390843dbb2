// Package detector classifies each metric of a run against its baseline.
package detector

import (
	"fmt"
	"math"
	"path"
	"strings"

	"bench-history/internal/baseline"
	"bench-history/internal/model"
)

const (
	DefaultThresholdRatio    = 0.1
	DefaultSignificanceFloor = 2.0
)

// Kind is the outcome of evaluating one metric
type Kind string

const (
	KindColdStart Kind = "cold_start"
	KindNormal    Kind = "normal"
	KindImproved  Kind = "improved"
	KindRegressed Kind = "regressed"
	KindInvalid   Kind = "invalid"
)

// Polarity says which direction of change is bad for a metric
type Polarity string

const (
	LowerIsBetter  Polarity = "lower_is_better"
	HigherIsBetter Polarity = "higher_is_better"
)

// ParsePolarity accepts the canonical names plus the github-action-benchmark
// spellings ("smaller_is_better", "biggerIsBetter", ...).
func ParsePolarity(s string) (Polarity, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch norm {
	case "", "lowerisbetter", "smallerisbetter", "lower", "smaller", "higherisworse":
		return LowerIsBetter, nil
	case "higherisbetter", "biggerisbetter", "higher", "bigger", "lowerisworse":
		return HigherIsBetter, nil
	}
	return "", fmt.Errorf("unknown polarity %q", s)
}

// Rule overrides polarity, and optionally the threshold ratio, for metric
// names matching Pattern (path.Match syntax). The first matching rule wins.
type Rule struct {
	Pattern        string   `json:"pattern" yaml:"pattern"`
	Polarity       Polarity `json:"polarity" yaml:"polarity"`
	ThresholdRatio *float64 `json:"threshold_ratio,omitempty" yaml:"threshold_ratio,omitempty"`
}

// Verdict is the classification of one metric
type Verdict struct {
	Metric   string             `json:"metric"`
	Kind     Kind               `json:"kind"`
	Severity float64            `json:"severity"`
	Value    float64            `json:"value"`
	Unit     string             `json:"unit"`
	Polarity Polarity           `json:"polarity"`
	Baseline *baseline.Baseline `json:"baseline,omitempty"`
	// Ratio is value/center, 0 when there is no usable center
	Ratio  float64 `json:"ratio"`
	Reason string  `json:"reason,omitempty"`
}

// BaselineFunc returns the baseline for a metric name, or false on a cold start
type BaselineFunc func(name string) (baseline.Baseline, bool)

// Detector holds the regression policy. It keeps no state between calls.
type Detector struct {
	ThresholdRatio    float64
	SignificanceFloor float64
	DefaultPolarity   Polarity
	Rules             []Rule
}

// New returns a detector with the default policy
func New() *Detector {
	return &Detector{
		ThresholdRatio:    DefaultThresholdRatio,
		SignificanceFloor: DefaultSignificanceFloor,
		DefaultPolarity:   LowerIsBetter,
	}
}

// Validate checks the policy for values that would make every verdict meaningless
func (d *Detector) Validate() error {
	if d.ThresholdRatio < 0 || !model.IsFinite(d.ThresholdRatio) {
		return fmt.Errorf("threshold ratio must be a finite non-negative number, got %v", d.ThresholdRatio)
	}
	if d.SignificanceFloor < 0 || !model.IsFinite(d.SignificanceFloor) {
		return fmt.Errorf("significance floor must be a finite non-negative number, got %v", d.SignificanceFloor)
	}
	if _, err := ParsePolarity(string(d.DefaultPolarity)); err != nil {
		return err
	}
	for i, r := range d.Rules {
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return fmt.Errorf("rule %d: invalid pattern %q: %w", i, r.Pattern, err)
		}
		if _, err := ParsePolarity(string(r.Polarity)); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if r.ThresholdRatio != nil && (*r.ThresholdRatio < 0 || !model.IsFinite(*r.ThresholdRatio)) {
			return fmt.Errorf("rule %d: threshold ratio must be a finite non-negative number", i)
		}
	}
	return nil
}

// policyFor resolves polarity and threshold ratio for a metric name
func (d *Detector) policyFor(name string) (Polarity, float64) {
	polarity, ratio := d.DefaultPolarity, d.ThresholdRatio
	for _, r := range d.Rules {
		if ok, _ := path.Match(r.Pattern, name); !ok {
			continue
		}
		polarity = r.Polarity
		if r.ThresholdRatio != nil {
			ratio = *r.ThresholdRatio
		}
		break
	}
	if p, err := ParsePolarity(string(polarity)); err == nil {
		polarity = p
	} else {
		polarity = LowerIsBetter
	}
	return polarity, ratio
}

// Evaluate returns one verdict per metric of run, in run order
func (d *Detector) Evaluate(run model.RunRecord, baselineOf BaselineFunc) []Verdict {
	verdicts := make([]Verdict, 0, len(run.Metrics))
	for _, m := range run.Metrics {
		verdicts = append(verdicts, d.evaluateMetric(m, baselineOf))
	}
	return verdicts
}

func (d *Detector) evaluateMetric(m model.MetricRecord, baselineOf BaselineFunc) Verdict {
	polarity, ratio := d.policyFor(m.Name)
	v := Verdict{Metric: m.Name, Value: m.Value, Unit: m.Unit, Polarity: polarity}

	if !model.IsFinite(m.Value) {
		v.Kind = KindInvalid
		v.Reason = "value is not a finite number"
		return v
	}

	b, ok := baselineOf(m.Name)
	if !ok {
		v.Kind = KindColdStart
		v.Reason = "no history for metric"
		return v
	}
	v.Baseline = &b
	if b.Center != 0 {
		v.Ratio = m.Value / b.Center
	}

	if b.Scale <= 0 || !model.IsFinite(b.Scale) || !model.IsFinite(b.Center) {
		v.Kind = KindInvalid
		v.Reason = "baseline has no usable scale"
		return v
	}

	// Positive delta is a change in the bad direction
	delta := (m.Value - b.Center) / b.Scale
	upper := b.Center * (1 + ratio)
	lower := b.Center * (1 - ratio)
	worse := m.Value > upper
	better := m.Value < lower
	if polarity == HigherIsBetter {
		delta = -delta
		worse, better = m.Value < lower, m.Value > upper
	}

	switch {
	case worse && delta > d.SignificanceFloor:
		v.Kind = KindRegressed
		v.Severity = delta
	case better && -delta > d.SignificanceFloor:
		v.Kind = KindImproved
		v.Severity = -delta
	default:
		v.Kind = KindNormal
	}
	return v
}

// Count tallies verdicts by kind
func Count(verdicts []Verdict) map[Kind]int {
	counts := make(map[Kind]int, 5)
	for _, v := range verdicts {
		counts[v.Kind]++
	}
	return counts
}

// Worst returns the regression with the highest severity, if any
func Worst(verdicts []Verdict) (Verdict, bool) {
	best := -1
	for i, v := range verdicts {
		if v.Kind != KindRegressed {
			continue
		}
		if best < 0 || v.Severity > verdicts[best].Severity || math.IsNaN(verdicts[best].Severity) {
			best = i
		}
	}
	if best < 0 {
		return Verdict{}, false
	}
	return verdicts[best], true
}
