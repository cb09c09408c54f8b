package apm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricSetRecordAndSummaries(t *testing.T) {
	set := NewMetricSet()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, v := range []float64{10, 20, 30} {
		set.Record(Sample{
			At: base.Add(time.Duration(i) * time.Second), Kind: MetricResponseTime,
			Value: v, Unit: "ms", Service: "poller", Op: "fetch",
		})
	}
	set.Record(Sample{At: base, Kind: MetricThroughput, Value: 5, Unit: "ops", Service: "poller", Op: "fetch"})

	summaries := set.Summaries()
	require.Len(t, summaries, 2)

	// Sorted by service, op, kind: response_time precedes throughput.
	rt := summaries[0]
	assert.Equal(t, MetricResponseTime, rt.Kind)
	assert.Equal(t, 3, rt.Count)
	assert.Equal(t, 10.0, rt.Min)
	assert.Equal(t, 30.0, rt.Max)
	assert.Equal(t, 20.0, rt.Mean)
	assert.Equal(t, 30.0, rt.Last)
	assert.Equal(t, base.Add(2*time.Second), rt.LastAt)
}

func TestMetricSetBoundedPerSeries(t *testing.T) {
	set := NewMetricSet()
	for i := 0; i < samplesPerSeries+50; i++ {
		set.Record(Sample{Kind: MetricResponseTime, Value: float64(i), Service: "s", Op: "o"})
	}

	summaries := set.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, samplesPerSeries, summaries[0].Count)
	// Oldest 50 were evicted.
	assert.Equal(t, 50.0, summaries[0].Min)
	assert.Equal(t, float64(samplesPerSeries+49), summaries[0].Last)
}

func TestMetricSetRecentValues(t *testing.T) {
	set := NewMetricSet()
	for _, v := range []float64{1, 2, 3, 4, 5} {
		set.Record(Sample{Kind: MetricResponseTime, Value: v, Service: "s", Op: "o"})
	}

	assert.Equal(t, []float64{3, 4, 5}, set.RecentValues("s", "o", MetricResponseTime, 3))
	assert.Nil(t, set.RecentValues("s", "missing", MetricResponseTime, 3))
}
