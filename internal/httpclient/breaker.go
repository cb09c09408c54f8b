package httpclient

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"vigil/internal/errors"
	"vigil/internal/logging"
)

// BreakerConfig tunes the circuit breaker guarding one external host.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	OpenTimeout      time.Duration // how long the circuit stays open
	HalfOpenRequests uint32        // probes allowed while half-open
}

// DefaultBreakerConfig returns the defaults used for regulatory sources.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 2,
	}
}

// NewWithBreaker builds an HTTP client whose transport is guarded by a
// named circuit breaker.
func NewWithBreaker(timeout time.Duration, logger *logging.Logger, name string) *http.Client {
	return NewWithBreakerConfig(timeout, logger, name, DefaultBreakerConfig())
}

// NewWithBreakerConfig builds a breaker-guarded client with custom limits.
func NewWithBreakerConfig(timeout time.Duration, logger *logging.Logger, name string, cfg BreakerConfig) *http.Client {
	client := New(timeout)
	client.Transport = WrapTransportWithBreaker(client.Transport, logger, name, cfg)
	return client
}

// WrapTransportWithBreaker wraps a transport with circuit-breaker
// protection. Server errors and 429 count as failures; cooperative
// cancellation does not.
func WrapTransportWithBreaker(base http.RoundTripper, logger *logging.Logger, name string, cfg BreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	logger = logging.OrNop(logger).Component("httpclient")

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.KindOf(err) == errors.KindCancelled
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &breakerRoundTripper{
		base:    base,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

// statusError marks breaker-visible failures carried by an otherwise
// successful round trip (5xx, 429). The caller still receives the
// response; only the breaker sees the error.
type statusError struct{ code int }

func (e statusError) Error() string { return http.StatusText(e.code) }

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.Validation("nil request")
	}

	result, err := t.breaker.Execute(func() (any, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if breakerFailureStatus(resp.StatusCode) {
			return resp, statusError{resp.StatusCode}
		}
		return resp, nil
	})

	if err != nil {
		if _, counted := err.(statusError); counted {
			// Breaker recorded the failure; surface the response as-is.
			return result.(*http.Response), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(errors.KindTransient, err, "circuit %q rejecting requests", t.breaker.Name())
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func breakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
