package apm

import (
	"sort"
	"sync"
	"time"
)

// MetricKind is the closed set of sample kinds the metric plane accepts.
type MetricKind string

const (
	MetricResponseTime    MetricKind = "response_time"
	MetricThroughput      MetricKind = "throughput"
	MetricErrorRate       MetricKind = "error_rate"
	MetricCPUUsage        MetricKind = "cpu_usage"
	MetricMemoryUsage     MetricKind = "memory_usage"
	MetricDBQueryTime     MetricKind = "db_query_time"
	MetricCacheHitRate    MetricKind = "cache_hit_rate"
	MetricExternalAPITime MetricKind = "external_api_time"
)

// samplesPerSeries bounds each (service, op, kind) buffer.
const samplesPerSeries = 100

// Sample is one metric observation.
type Sample struct {
	At      time.Time         `json:"at"`
	Kind    MetricKind        `json:"kind"`
	Value   float64           `json:"value"`
	Unit    string            `json:"unit"`
	Service string            `json:"service"`
	Op      string            `json:"op"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type seriesKey struct {
	service string
	op      string
	kind    MetricKind
}

// SeriesSummary is the exported aggregate view of one sample series.
type SeriesSummary struct {
	Service string     `json:"service"`
	Op      string     `json:"op"`
	Kind    MetricKind `json:"kind"`
	Count   int        `json:"count"`
	Min     float64    `json:"min"`
	Max     float64    `json:"max"`
	Mean    float64    `json:"mean"`
	Last    float64    `json:"last"`
	LastAt  time.Time  `json:"last_at"`
}

// MetricSet holds one bounded ring per (service, op, kind).
type MetricSet struct {
	mu     sync.RWMutex
	series map[seriesKey]*ring[Sample]
}

func NewMetricSet() *MetricSet {
	return &MetricSet{series: make(map[seriesKey]*ring[Sample])}
}

func (s *MetricSet) Record(sample Sample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	key := seriesKey{service: sample.Service, op: sample.Op, kind: sample.Kind}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.series[key]
	if !ok {
		buf = newRing[Sample](samplesPerSeries)
		s.series[key] = buf
	}
	buf.Add(sample)
}

// RecentValues returns up to n most recent values for a series, oldest
// first. Missing series yield nil.
func (s *MetricSet) RecentValues(service, op string, kind MetricKind, n int) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.series[seriesKey{service: service, op: op, kind: kind}]
	if !ok {
		return nil
	}
	samples := buf.Last(n)
	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	return values
}

// Summaries returns an aggregate per series, sorted by service, op, kind.
func (s *MetricSet) Summaries() []SeriesSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SeriesSummary, 0, len(s.series))
	for key, buf := range s.series {
		samples := buf.Items()
		if len(samples) == 0 {
			continue
		}
		summary := SeriesSummary{
			Service: key.service,
			Op:      key.op,
			Kind:    key.kind,
			Count:   len(samples),
			Min:     samples[0].Value,
			Max:     samples[0].Value,
		}
		var total float64
		for _, sample := range samples {
			total += sample.Value
			if sample.Value < summary.Min {
				summary.Min = sample.Value
			}
			if sample.Value > summary.Max {
				summary.Max = sample.Value
			}
		}
		summary.Mean = total / float64(len(samples))
		last := samples[len(samples)-1]
		summary.Last = last.Value
		summary.LastAt = last.At
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		if out[i].Op != out[j].Op {
			return out[i].Op < out[j].Op
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// eachSeries invokes fn with a copy of every series' values, oldest first.
func (s *MetricSet) eachSeries(fn func(service, op string, kind MetricKind, values []float64)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, buf := range s.series {
		samples := buf.Items()
		values := make([]float64, len(samples))
		for i, sample := range samples {
			values[i] = sample.Value
		}
		fn(key.service, key.op, key.kind, values)
	}
}
