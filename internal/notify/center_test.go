package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
	"vigil/internal/logging"
)

type captureSink struct {
	name       string
	mu         sync.Mutex
	events     []Event
	sendErr    error
	supportsFn func(Severity) bool
}

func newCaptureSink(name string) *captureSink { return &captureSink{name: name} }

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Supports(sev Severity) bool {
	if s.supportsFn != nil {
		return s.supportsFn(sev)
	}
	return true
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *captureSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func enabled(def bool) SinkConfig {
	return SinkConfig{Enabled: true, MinSeverity: SeverityInfo, Default: def}
}

func TestCenterRoutesToDefaultSink(t *testing.T) {
	c := NewCenter(logging.Nop())
	sink := newCaptureSink("log")
	c.RegisterSink(sink, enabled(true))

	result, err := c.Send(context.Background(), Event{
		Kind: "regulatory_change", Severity: SeverityInfo,
		Subject: "new rule", Body: "details",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Equal(t, "log", result.Sink)
	assert.NotEmpty(t, result.EventID, "ids are assigned when absent")

	require.Equal(t, 1, sink.count())
	got := sink.last()
	assert.Equal(t, result.EventID, got.ID)
	assert.False(t, got.At.IsZero())
}

func TestCenterNoDefaultSink(t *testing.T) {
	c := NewCenter(logging.Nop())
	_, err := c.Send(context.Background(), Event{Kind: "x", Subject: "y"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCenterDedupWindowSuppresses(t *testing.T) {
	c := NewCenter(logging.Nop(), WithDedupWindow(time.Hour))
	sink := newCaptureSink("log")
	c.RegisterSink(sink, enabled(true))

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	ev := Event{Kind: "notification", Severity: SeverityHigh, Subject: "doc", DedupKey: "doc-1", At: t0}

	first, err := c.Send(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, first.Status)

	ev.At = t0.Add(30 * time.Minute)
	second, err := c.Send(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusSuppressed, second.Status)
	assert.Equal(t, 1, sink.count(), "suppressed events never reach the sink")

	// A different key is unaffected.
	other := Event{Kind: "notification", Severity: SeverityHigh, Subject: "doc", DedupKey: "doc-2", At: ev.At}
	third, err := c.Send(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, third.Status)

	// Past the window, the same key delivers again.
	ev.At = t0.Add(2 * time.Hour)
	fourth, err := c.Send(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, fourth.Status)
	assert.Equal(t, 3, sink.count())
}

func TestCenterDedupArmsOnlyOnDelivery(t *testing.T) {
	c := NewCenter(logging.Nop())
	sink := newCaptureSink("log")
	sink.sendErr = fmt.Errorf("connection refused")
	c.RegisterSink(sink, enabled(true))

	ev := Event{Kind: "notification", Subject: "doc", DedupKey: "doc-1"}
	first, err := c.Send(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, first.Status)
	assert.Contains(t, first.Error, "connection refused")

	// The failed attempt must not arm the window; a retry goes through.
	sink.sendErr = nil
	second, err := c.Send(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, second.Status)
}

func TestCenterCriticalFanOut(t *testing.T) {
	c := NewCenter(logging.Nop())
	primary := newCaptureSink("primary")
	backup := newCaptureSink("backup")
	quiet := newCaptureSink("quiet")
	quiet.supportsFn = func(sev Severity) bool { return sev != SeverityCritical }

	c.RegisterSink(primary, enabled(true))
	c.RegisterSink(backup, enabled(false))
	c.RegisterSink(quiet, enabled(false))

	// Non-critical events stay on the default sink.
	_, err := c.Send(context.Background(), Event{Kind: "notification", Severity: SeverityHigh, Subject: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.count())
	assert.Equal(t, 0, backup.count())

	// Critical events reach every capable sink.
	result, err := c.Send(context.Background(), Event{Kind: "dr_event", Severity: SeverityCritical, Subject: "b"})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Equal(t, "primary", result.Sink)
	assert.Equal(t, 2, primary.count())
	assert.Equal(t, 1, backup.count())
	assert.Equal(t, 0, quiet.count(), "sinks that do not support critical are skipped")
}

func TestCenterSendToGates(t *testing.T) {
	c := NewCenter(logging.Nop())
	high := newCaptureSink("highonly")
	disabled := newCaptureSink("disabled")
	c.RegisterSink(high, SinkConfig{Enabled: true, MinSeverity: SeverityHigh})
	c.RegisterSink(disabled, SinkConfig{Enabled: false, MinSeverity: SeverityInfo})

	ctx := context.Background()

	below := c.SendTo(ctx, "highonly", Event{Kind: "x", Severity: SeverityWarning, Subject: "s"})
	assert.Equal(t, StatusFailed, below.Status)
	assert.Contains(t, below.Error, "minimum severity")

	ok := c.SendTo(ctx, "highonly", Event{Kind: "x", Severity: SeverityCritical, Subject: "s"})
	assert.Equal(t, StatusDelivered, ok.Status)

	off := c.SendTo(ctx, "disabled", Event{Kind: "x", Severity: SeverityInfo, Subject: "s"})
	assert.Equal(t, StatusFailed, off.Status)
	assert.Contains(t, off.Error, "disabled")

	missing := c.SendTo(ctx, "nope", Event{Kind: "x", Subject: "s"})
	assert.Equal(t, StatusFailed, missing.Status)
	assert.Contains(t, missing.Error, "not found")
}

func TestCenterSetDefaultAndList(t *testing.T) {
	c := NewCenter(logging.Nop())
	first := newCaptureSink("first")
	second := newCaptureSink("second")
	c.RegisterSink(first, enabled(true))
	c.RegisterSink(second, enabled(false))

	require.NoError(t, c.SetDefault("second"))
	assert.True(t, errors.IsNotFound(c.SetDefault("nope")))

	_, err := c.Send(context.Background(), Event{Kind: "x", Subject: "routed"})
	require.NoError(t, err)
	assert.Equal(t, 0, first.count())
	assert.Equal(t, 1, second.count())

	sinks := c.ListSinks()
	require.Len(t, sinks, 2)
	assert.Equal(t, "first", sinks[0].Name)
	assert.False(t, sinks[0].Default)
	assert.Equal(t, "second", sinks[1].Name)
	assert.True(t, sinks[1].Default)
}

func TestCenterUnregisterDefault(t *testing.T) {
	c := NewCenter(logging.Nop())
	c.RegisterSink(newCaptureSink("only"), enabled(true))
	c.UnregisterSink("only")

	assert.Empty(t, c.ListSinks())
	_, err := c.Send(context.Background(), Event{Kind: "x", Subject: "y"})
	assert.True(t, errors.IsValidation(err))
}

func TestCenterHistory(t *testing.T) {
	c := NewCenter(logging.Nop(), WithHistorySize(5))
	c.RegisterSink(newCaptureSink("log"), enabled(true))

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		kind := "notification"
		if i%2 == 0 {
			kind = "dr_event"
		}
		_, err := c.Send(ctx, Event{Kind: kind, Subject: fmt.Sprintf("ev-%d", i)})
		require.NoError(t, err)
	}

	all := c.History("", 0)
	require.Len(t, all, 5, "history is bounded")
	assert.Equal(t, StatusDelivered, all[0].Status)

	limited := c.History("", 2)
	assert.Len(t, limited, 2)

	drOnly := c.History("dr_event", 10)
	for _, r := range drOnly {
		assert.Equal(t, "dr_event", r.Kind)
	}
	require.NotEmpty(t, drOnly)
}

func TestCenterConcurrentSend(t *testing.T) {
	c := NewCenter(logging.Nop(), WithHistorySize(100))
	sink := newCaptureSink("log")
	c.RegisterSink(sink, enabled(true))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = c.Send(context.Background(), Event{
				Kind: "notification", Subject: fmt.Sprintf("c-%d", i),
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, sink.count())
	assert.Len(t, c.History("", 0), 50)
}
