package apm

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"vigil/internal/store"
)

const slowQueriesPerPattern = 10

var (
	reStringLiteral = regexp.MustCompile(`'[^']*'`)
	rePositional    = regexp.MustCompile(`\$\d+`)
	reInteger       = regexp.MustCompile(`\b\d+\b`)
	reInList        = regexp.MustCompile(`(?i)\bIN\s*\([^)]*\)`)
	reWhitespace    = regexp.MustCompile(`\s+`)
)

// NormalizeQuery collapses a SQL statement to its shape: string literals
// become '?', integers ?, positional placeholders $?, IN lists IN (?), and
// the whole statement is uppercased with whitespace runs squeezed.
// Normalizing an already-normalized query is the identity.
func NormalizeQuery(query string) string {
	q := reStringLiteral.ReplaceAllString(query, "'?'")
	q = rePositional.ReplaceAllString(q, "$$?")
	q = reInteger.ReplaceAllString(q, "?")
	q = reInList.ReplaceAllString(q, "IN (?)")
	q = strings.ToUpper(q)
	q = reWhitespace.ReplaceAllString(strings.TrimSpace(q), " ")
	return q
}

// SlowQuery is one observation above the slow threshold.
type SlowQuery struct {
	Pattern        string    `json:"pattern"`
	DurationMillis float64   `json:"duration_millis"`
	At             time.Time `json:"at"`
}

// QueryStats is the aggregate for one normalized pattern.
type QueryStats struct {
	Pattern      string      `json:"pattern"`
	Count        int64       `json:"count"`
	Errors       int64       `json:"errors"`
	TotalMillis  float64     `json:"total_millis"`
	MinMillis    float64     `json:"min_millis"`
	MaxMillis    float64     `json:"max_millis"`
	MeanMillis   float64     `json:"mean_millis"`
	SlowQueries  []SlowQuery `json:"slow_queries,omitempty"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
	FirstSeenAt  time.Time   `json:"first_seen_at"`
	SlowObserved int64       `json:"slow_observed"`
}

type queryAggregate struct {
	count     int64
	errs      int64
	total     float64
	min       float64
	max       float64
	slowCount int64
	slow      *ring[SlowQuery]
	firstSeen time.Time
	lastSeen  time.Time
}

// QueryTracker aggregates every store query by normalized pattern. It is
// handed to the store backends as their QueryObserver.
type QueryTracker struct {
	mu            sync.RWMutex
	slowThreshold time.Duration
	patterns      map[string]*queryAggregate
}

var _ store.QueryObserver = (*QueryTracker)(nil)

func NewQueryTracker(slowThreshold time.Duration) *QueryTracker {
	if slowThreshold <= 0 {
		slowThreshold = time.Second
	}
	return &QueryTracker{
		slowThreshold: slowThreshold,
		patterns:      make(map[string]*queryAggregate),
	}
}

// ObserveQuery implements store.QueryObserver.
func (t *QueryTracker) ObserveQuery(query string, durationMillis float64, err error) {
	pattern := NormalizeQuery(query)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.patterns[pattern]
	if !ok {
		agg = &queryAggregate{
			min:       durationMillis,
			max:       durationMillis,
			slow:      newRing[SlowQuery](slowQueriesPerPattern),
			firstSeen: now,
		}
		t.patterns[pattern] = agg
	}

	agg.count++
	agg.total += durationMillis
	agg.lastSeen = now
	if durationMillis < agg.min {
		agg.min = durationMillis
	}
	if durationMillis > agg.max {
		agg.max = durationMillis
	}
	if err != nil {
		agg.errs++
	}
	if durationMillis >= float64(t.slowThreshold.Milliseconds()) {
		agg.slowCount++
		agg.slow.Add(SlowQuery{Pattern: pattern, DurationMillis: durationMillis, At: now})
	}
}

// Stats returns per-pattern aggregates sorted by total time, heaviest first.
func (t *QueryTracker) Stats() []QueryStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]QueryStats, 0, len(t.patterns))
	for pattern, agg := range t.patterns {
		out = append(out, QueryStats{
			Pattern:      pattern,
			Count:        agg.count,
			Errors:       agg.errs,
			TotalMillis:  agg.total,
			MinMillis:    agg.min,
			MaxMillis:    agg.max,
			MeanMillis:   agg.total / float64(agg.count),
			SlowQueries:  agg.slow.Items(),
			FirstSeenAt:  agg.firstSeen,
			LastSeenAt:   agg.lastSeen,
			SlowObserved: agg.slowCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalMillis != out[j].TotalMillis {
			return out[i].TotalMillis > out[j].TotalMillis
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

// SlowQueries returns every buffered slow observation, newest patterns
// interleaved, sorted by duration descending.
func (t *QueryTracker) SlowQueries() []SlowQuery {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []SlowQuery
	for _, agg := range t.patterns {
		out = append(out, agg.slow.Items()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DurationMillis > out[j].DurationMillis })
	return out
}
