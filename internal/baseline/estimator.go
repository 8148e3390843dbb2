// Package baseline turns a trailing window of a metric's history into a
// robust reference point: the median as center and the scaled median
// absolute deviation as spread.
package baseline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"bench-history/internal/model"
)

// NormalConsistency scales the MAD to estimate a standard deviation under
// normally distributed noise.
const NormalConsistency = 1.4826

const (
	DefaultWindowSize = 30
	DefaultAbsEpsilon = 1e-9
	DefaultRelEpsilon = 0.001
)

// Baseline is the reference a new value is compared against
type Baseline struct {
	Center  float64 `json:"center"`
	Scale   float64 `json:"scale"`
	Samples int     `json:"samples"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
}

// Estimator computes baselines. The zero value is not usable; use New or
// fill every field.
type Estimator struct {
	// WindowSize bounds how many trailing points are considered
	WindowSize int
	// MADScale multiplies the median absolute deviation
	MADScale float64
	// The scale is floored at max(AbsEpsilon, RelEpsilon*|center|) so a
	// perfectly flat history does not produce a zero-width baseline.
	AbsEpsilon float64
	RelEpsilon float64
}

// New returns an estimator with the default policy
func New() *Estimator {
	return &Estimator{
		WindowSize: DefaultWindowSize,
		MADScale:   NormalConsistency,
		AbsEpsilon: DefaultAbsEpsilon,
		RelEpsilon: DefaultRelEpsilon,
	}
}

// Estimate returns false when window is empty (cold start).
func (e *Estimator) Estimate(window []model.Point) (Baseline, bool) {
	if e.WindowSize > 0 && len(window) > e.WindowSize {
		window = window[len(window)-e.WindowSize:]
	}

	values := make([]float64, 0, len(window))
	for _, p := range window {
		if model.IsFinite(p.Value) {
			values = append(values, p.Value)
		}
	}
	if len(values) == 0 {
		return Baseline{}, false
	}

	sort.Float64s(values)
	center := medianSorted(values)

	deviations := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		deviations[i] = math.Abs(v - center)
		sum += v
	}
	sort.Float64s(deviations)

	scale := medianSorted(deviations) * e.MADScale
	floor := math.Max(e.AbsEpsilon, e.RelEpsilon*math.Abs(center))
	if scale < floor || math.IsNaN(scale) {
		scale = floor
	}

	return Baseline{
		Center:  center,
		Scale:   scale,
		Samples: len(values),
		Min:     values[0],
		Max:     values[len(values)-1],
		Mean:    sum / float64(len(values)),
	}, true
}

// Median returns the median of values without modifying them
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return medianSorted(sorted)
}

func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// WindowSource is the part of a history store the provider reads from
type WindowSource interface {
	Window(ctx context.Context, name string, before model.SequenceID, maxCount int) ([]model.Point, error)
}

// Provider looks up baselines for one run position. Storage failures are
// remembered rather than returned so the detector can keep evaluating the
// remaining metrics; callers check Err afterwards.
type Provider struct {
	ctx       context.Context
	source    WindowSource
	estimator *Estimator
	before    model.SequenceID

	mu  sync.Mutex
	err error
}

// NewProvider builds baselines from points of source strictly before before
func (e *Estimator) NewProvider(ctx context.Context, source WindowSource, before model.SequenceID) *Provider {
	return &Provider{ctx: ctx, source: source, estimator: e, before: before}
}

// Lookup returns the baseline for name, or false for a cold start or a read failure
func (p *Provider) Lookup(name string) (Baseline, bool) {
	size := p.estimator.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}

	window, err := p.source.Window(p.ctx, name, p.before, size)
	if err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = fmt.Errorf("failed to load baseline window for %q: %w", name, err)
		}
		p.mu.Unlock()
		return Baseline{}, false
	}
	return p.estimator.Estimate(window)
}

// Err returns the first storage error seen by Lookup
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
