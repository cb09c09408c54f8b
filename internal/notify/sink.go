// Package notify is the outbound event sink: a registry of delivery sinks
// (log, webhook) routed by severity, with a dedup window so repeated events
// carrying the same dedup key collapse instead of fanning out again.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil/internal/errors"
	"vigil/internal/httpclient"
)

// Severity orders events for sink routing. Unknown values rank as info.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

// Event is the sink payload. Producers fill DedupKey (document id, event id)
// so repeated emissions collapse downstream.
type Event struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Tags     map[string]string `json:"tags,omitempty"`
	DedupKey string            `json:"dedup_key,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink delivers events to one outbound channel. Delivery is at-least-once;
// the center handles dedup before a sink ever sees the event.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Supports(sev Severity) bool
}

// LogSink writes one formatted line per event. The default writer is the
// process stdout; tests pass a buffer.
type LogSink struct {
	name string
	out  io.Writer
}

// NewLogSink builds a line-writer sink.
func NewLogSink(name string, out io.Writer) *LogSink {
	return &LogSink{name: name, out: out}
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) Send(_ context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := fmt.Fprintf(s.out, "[%s] [%s] [%s] %s: %s\n",
		at.UTC().Format(time.RFC3339), strings.ToUpper(string(ev.Severity)), ev.Kind, ev.Subject, ev.Body)
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "write log event")
	}
	return nil
}

func (s *LogSink) Supports(Severity) bool { return true }

// WebhookOption customizes the webhook sink.
type WebhookOption func(*WebhookSink)

// WithTimeout overrides the default 10 s request timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		if d > 0 {
			s.client = httpclient.New(d)
		}
	}
}

// WithHeaders adds static headers to every delivery (auth tokens and the
// like).
func WithHeaders(headers map[string]string) WebhookOption {
	return func(s *WebhookSink) { s.headers = headers }
}

// WebhookSink POSTs the event JSON to a fixed URL.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink builds an HTTP delivery sink.
func NewWebhookSink(name, url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		name:   name,
		url:    url,
		client: httpclient.New(10 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(errors.KindValidation, err, "encode event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.KindValidation, err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "deliver webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := httpclient.ReadAllWithLimit(resp.Body, 4<<10)
		return errors.FromHTTPStatus(resp.StatusCode, "webhook %s returned %d: %s",
			s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *WebhookSink) Supports(Severity) bool { return true }
