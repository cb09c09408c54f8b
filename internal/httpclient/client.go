// Package httpclient builds the outbound HTTP clients used by the
// poller and document pipeline: bounded timeouts, capped response
// bodies and a circuit breaker per external host.
package httpclient

import (
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// New returns an http.Client configured for outbound requests. It
// inherits the default transport's proxy handling and connection pool.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(),
	}
}

// Transport returns a clone of the default transport so per-client
// tweaks never mutate process-global state.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{}
	}
	return base.Clone()
}
