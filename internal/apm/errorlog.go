package apm

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	errorRingSize     = 10000
	stacksPerGroup    = 10
	actorsPerGroup    = 100
	defaultRateWindow = 5 * time.Minute
)

// ErrorEvent is one captured failure.
type ErrorEvent struct {
	ID       string            `json:"id"`
	At       time.Time         `json:"at"`
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	Stack    string            `json:"stack,omitempty"`
	Service  string            `json:"service"`
	Op       string            `json:"op"`
	Actor    string            `json:"actor,omitempty"`
	Severity string            `json:"severity"`
	Tags     map[string]string `json:"tags,omitempty"`
	Context  map[string]any    `json:"context,omitempty"`
}

// GroupKey identifies the aggregate an event belongs to.
func (e ErrorEvent) GroupKey() string {
	return fmt.Sprintf("%s:%s:%s", e.Type, e.Service, e.Op)
}

// ErrorGroup is the aggregate view over one "type:service:op" key.
type ErrorGroup struct {
	Key       string    `json:"key"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Actors    []string  `json:"actors"`
	Stacks    []string  `json:"stacks"`
}

type errorGroup struct {
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	actors    map[string]struct{}
	stacks    *ring[string]
}

// ErrorLog is the bounded error plane: a global ring of recent events plus
// per-group aggregates.
type ErrorLog struct {
	mu     sync.RWMutex
	events *ring[ErrorEvent]
	groups map[string]*errorGroup
}

func NewErrorLog() *ErrorLog {
	return &ErrorLog{
		events: newRing[ErrorEvent](errorRingSize),
		groups: make(map[string]*errorGroup),
	}
}

func (l *ErrorLog) Record(ev ErrorEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events.Add(ev)

	key := ev.GroupKey()
	group, ok := l.groups[key]
	if !ok {
		group = &errorGroup{
			firstSeen: ev.At,
			actors:    make(map[string]struct{}),
			stacks:    newRing[string](stacksPerGroup),
		}
		l.groups[key] = group
	}
	group.count++
	group.lastSeen = ev.At
	if ev.Actor != "" && len(group.actors) < actorsPerGroup {
		group.actors[ev.Actor] = struct{}{}
	}
	if ev.Stack != "" {
		group.stacks.Add(ev.Stack)
	}
}

// RateSince reports errors per minute over the window ending at now.
func (l *ErrorLog) RateSince(now time.Time, window time.Duration) float64 {
	if window <= 0 {
		window = defaultRateWindow
	}
	cutoff := now.Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var count int
	for _, ev := range l.events.Items() {
		if ev.At.After(cutoff) && !ev.At.After(now) {
			count++
		}
	}
	return float64(count) / window.Minutes()
}

// Groups returns aggregate snapshots sorted by descending count.
func (l *ErrorLog) Groups() []ErrorGroup {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ErrorGroup, 0, len(l.groups))
	for key, group := range l.groups {
		actors := make([]string, 0, len(group.actors))
		for actor := range group.actors {
			actors = append(actors, actor)
		}
		sort.Strings(actors)
		out = append(out, ErrorGroup{
			Key:       key,
			Count:     group.count,
			FirstSeen: group.firstSeen,
			LastSeen:  group.lastSeen,
			Actors:    actors,
			Stacks:    group.stacks.Items(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Recent returns the newest n events, oldest first.
func (l *ErrorLog) Recent(n int) []ErrorEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events.Last(n)
}
