package apm

import (
	"math"
	"sort"
	"sync"
	"time"
)

const regressionWindow = 10

// Baseline is the reference point a series is judged against. ThresholdPct
// is how far above the baseline the rolling average may drift before the
// series counts as regressed.
type Baseline struct {
	Value        float64 `json:"value"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// Regression is one detected degradation.
type Regression struct {
	Service      string     `json:"service"`
	Op           string     `json:"op"`
	Kind         MetricKind `json:"kind"`
	Average      float64    `json:"average"`
	Baseline     float64    `json:"baseline"`
	ThresholdPct float64    `json:"threshold_pct"`
	At           time.Time  `json:"at"`
}

// Detector compares each series' rolling average against its baseline.
// Baselines appear either explicitly (SetBaseline) or through periodic
// refresh from the live rings, so a series produces no regressions until
// it has a baseline.
type Detector struct {
	mu         sync.RWMutex
	defaultPct float64
	baselines  map[seriesKey]Baseline
}

func NewDetector(defaultThresholdPct float64) *Detector {
	if defaultThresholdPct <= 0 {
		defaultThresholdPct = 20
	}
	return &Detector{
		defaultPct: defaultThresholdPct,
		baselines:  make(map[seriesKey]Baseline),
	}
}

func (d *Detector) SetBaseline(service, op string, kind MetricKind, value, thresholdPct float64) {
	if thresholdPct <= 0 {
		thresholdPct = d.defaultPct
	}
	d.mu.Lock()
	d.baselines[seriesKey{service: service, op: op, kind: kind}] = Baseline{Value: value, ThresholdPct: thresholdPct}
	d.mu.Unlock()
}

func (d *Detector) BaselineFor(service, op string, kind MetricKind) (Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.baselines[seriesKey{service: service, op: op, kind: kind}]
	return b, ok
}

// Check evaluates the rolling average of recent values (newest last)
// against the series baseline and reports a regression when it exceeds
// baseline * (1 + threshold/100).
func (d *Detector) Check(service, op string, kind MetricKind, recent []float64, at time.Time) (Regression, bool) {
	if len(recent) == 0 {
		return Regression{}, false
	}

	baseline, ok := d.BaselineFor(service, op, kind)
	if !ok || baseline.Value <= 0 {
		return Regression{}, false
	}

	if len(recent) > regressionWindow {
		recent = recent[len(recent)-regressionWindow:]
	}
	var total float64
	for _, v := range recent {
		total += v
	}
	avg := total / float64(len(recent))

	limit := baseline.Value * (1 + baseline.ThresholdPct/100)
	if avg <= limit {
		return Regression{}, false
	}
	return Regression{
		Service:      service,
		Op:           op,
		Kind:         kind,
		Average:      avg,
		Baseline:     baseline.Value,
		ThresholdPct: baseline.ThresholdPct,
		At:           at,
	}, true
}

// Refresh recomputes every series' baseline as the 95th percentile of its
// buffered samples. Threshold percentages survive the refresh.
func (d *Detector) Refresh(metrics *MetricSet) {
	metrics.eachSeries(func(service, op string, kind MetricKind, values []float64) {
		if len(values) == 0 {
			return
		}
		p95 := percentile(values, 0.95)

		key := seriesKey{service: service, op: op, kind: kind}
		d.mu.Lock()
		pct := d.defaultPct
		if existing, ok := d.baselines[key]; ok {
			pct = existing.ThresholdPct
		}
		d.baselines[key] = Baseline{Value: p95, ThresholdPct: pct}
		d.mu.Unlock()
	})
}

func percentile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
