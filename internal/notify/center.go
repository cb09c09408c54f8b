package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
)

// Delivery statuses recorded in the center history.
const (
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
)

const (
	defaultHistorySize = 100
	defaultDedupSize   = 2048
	defaultDedupWindow = time.Hour
)

// Result is the outcome of one delivery attempt.
type Result struct {
	EventID string    `json:"event_id"`
	Kind    string    `json:"kind"`
	Sink    string    `json:"sink"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// SinkConfig controls how the center routes to one registered sink.
type SinkConfig struct {
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	MinSeverity Severity `json:"min_severity"`
	Default     bool     `json:"default"`
}

type sinkEntry struct {
	sink Sink
	cfg  SinkConfig
}

// CenterOption customizes center construction.
type CenterOption func(*Center)

// WithDefaultSink names the sink Send routes to when no fan-out applies.
func WithDefaultSink(name string) CenterOption {
	return func(c *Center) { c.defaultName = name }
}

// WithHistorySize bounds the retained delivery results.
func WithHistorySize(n int) CenterOption {
	return func(c *Center) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// WithDedupWindow sets how long a dedup key suppresses re-delivery.
func WithDedupWindow(window time.Duration) CenterOption {
	return func(c *Center) {
		if window > 0 {
			c.dedupWindow = window
		}
	}
}

// Center routes events to registered sinks: severity gating per sink,
// critical fan-out to every capable sink, and a dedup window keyed by the
// producer-supplied dedup key. Safe for concurrent use.
type Center struct {
	logger *logging.Logger

	mu          sync.RWMutex
	sinks       map[string]*sinkEntry
	defaultName string
	history     []Result
	historySize int

	dedupWindow time.Duration
	seen        *lru.Cache[string, time.Time]
}

// NewCenter builds an empty center. Register sinks before sending.
func NewCenter(logger *logging.Logger, opts ...CenterOption) *Center {
	c := &Center{
		logger:      logging.OrNop(logger).Component("notify"),
		sinks:       make(map[string]*sinkEntry),
		historySize: defaultHistorySize,
		dedupWindow: defaultDedupWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Error only on non-positive size; the constant is fine.
	c.seen, _ = lru.New[string, time.Time](defaultDedupSize)
	return c
}

// RegisterSink adds or replaces a sink under its own name.
func (c *Center) RegisterSink(s Sink, cfg SinkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Name = s.Name()
	c.sinks[s.Name()] = &sinkEntry{sink: s, cfg: cfg}
	if cfg.Default {
		c.defaultName = s.Name()
	}
}

// UnregisterSink removes a sink; a removed default leaves Send unroutable
// until a new default is set.
func (c *Center) UnregisterSink(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, name)
	if c.defaultName == name {
		c.defaultName = ""
	}
}

// SetDefault switches the default sink.
func (c *Center) SetDefault(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sinks[name]; !ok {
		return errors.NotFound("sink %q not registered", name)
	}
	c.defaultName = name
	for _, entry := range c.sinks {
		entry.cfg.Default = entry.cfg.Name == name
	}
	return nil
}

// ListSinks returns the registered sink configs sorted by name.
func (c *Center) ListSinks() []SinkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SinkConfig, 0, len(c.sinks))
	for _, entry := range c.sinks {
		cfg := entry.cfg
		cfg.Default = entry.cfg.Name == c.defaultName
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Send routes one event: dedup window first, then the default sink, then a
// fan-out to every other capable sink when the severity is critical. The
// returned result describes the default-sink delivery; fan-out failures are
// logged, not returned. Delivery is at-least-once past the dedup gate.
func (c *Center) Send(ctx context.Context, ev Event) (Result, error) {
	if ev.ID == "" {
		ev.ID = model.NewID("evt")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	if c.isDuplicate(ev.DedupKey, ev.At) {
		result := Result{EventID: ev.ID, Kind: ev.Kind, Status: StatusSuppressed, At: ev.At}
		c.record(result)
		c.logger.Debug("event suppressed by dedup window",
			"kind", ev.Kind, "dedup_key", ev.DedupKey)
		return result, nil
	}

	c.mu.RLock()
	primary := c.sinks[c.defaultName]
	var fanout []*sinkEntry
	if ev.Severity == SeverityCritical {
		for name, entry := range c.sinks {
			if name == c.defaultName {
				continue
			}
			if entry.cfg.Enabled && entry.sink.Supports(ev.Severity) && ev.Severity.AtLeast(entry.cfg.MinSeverity) {
				fanout = append(fanout, entry)
			}
		}
	}
	c.mu.RUnlock()

	if primary == nil {
		return Result{}, errors.Validation("no default sink registered")
	}

	result := c.deliver(ctx, primary, ev)
	c.record(result)
	if result.Status == StatusDelivered {
		c.markSeen(ev.DedupKey, ev.At)
	}

	for _, entry := range fanout {
		r := c.deliver(ctx, entry, ev)
		c.record(r)
		if r.Status == StatusFailed {
			c.logger.Warn("critical fan-out delivery failed",
				"sink", entry.cfg.Name, "kind", ev.Kind, "error", r.Error)
		}
	}
	return result, nil
}

// SendTo routes one event to a named sink, bypassing fan-out but not the
// severity gate. Unknown sinks fail the result, not the call.
func (c *Center) SendTo(ctx context.Context, name string, ev Event) Result {
	if ev.ID == "" {
		ev.ID = model.NewID("evt")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	c.mu.RLock()
	entry := c.sinks[name]
	c.mu.RUnlock()

	if entry == nil {
		result := Result{EventID: ev.ID, Kind: ev.Kind, Sink: name, Status: StatusFailed,
			Error: "sink not found", At: ev.At}
		c.record(result)
		return result
	}
	result := c.deliver(ctx, entry, ev)
	c.record(result)
	return result
}

func (c *Center) deliver(ctx context.Context, entry *sinkEntry, ev Event) Result {
	result := Result{EventID: ev.ID, Kind: ev.Kind, Sink: entry.cfg.Name, At: ev.At}

	switch {
	case !entry.cfg.Enabled:
		result.Status = StatusFailed
		result.Error = "sink disabled"
	case !ev.Severity.AtLeast(entry.cfg.MinSeverity):
		result.Status = StatusFailed
		result.Error = "below sink minimum severity"
	case !entry.sink.Supports(ev.Severity):
		result.Status = StatusFailed
		result.Error = "severity not supported by sink"
	default:
		if err := entry.sink.Send(ctx, ev); err != nil {
			result.Status = StatusFailed
			result.Error = err.Error()
		} else {
			result.Status = StatusDelivered
		}
	}
	return result
}

func (c *Center) isDuplicate(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	last, ok := c.seen.Get(key)
	return ok && now.Sub(last) < c.dedupWindow
}

func (c *Center) markSeen(key string, at time.Time) {
	if key == "" {
		return
	}
	c.seen.Add(key, at)
}

func (c *Center) record(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, result)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
}

// History returns recent delivery results, most recent first, optionally
// filtered by event kind. Limit <= 0 means everything retained.
func (c *Center) History(kind string, limit int) []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Result, 0, len(c.history))
	for i := len(c.history) - 1; i >= 0; i-- {
		if kind != "" && c.history[i].Kind != kind {
			continue
		}
		out = append(out, c.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
