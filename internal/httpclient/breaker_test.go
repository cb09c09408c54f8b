package httpclient

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	client := NewWithBreakerConfig(5*time.Second, nil, "test-host", cfg)

	// First three requests reach the server and return its 500s.
	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		resp.Body.Close()
	}

	// Circuit is now open: the request never leaves the process.
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err), "open circuit should surface as transient: %v", err)
	assert.Equal(t, int64(3), hits.Load())
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewWithBreaker(5*time.Second, nil, "test-host-ok")
	for i := 0; i < 10; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	client := NewWithBreakerConfig(5*time.Second, nil, "test-host-404", cfg)

	// 404s are not breaker failures; the circuit stays closed.
	for i := 0; i < 5; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestNewDefaultsTimeout(t *testing.T) {
	assert.Equal(t, defaultTimeout, New(0).Timeout)
	assert.Equal(t, 5*time.Second, New(5*time.Second).Timeout)
}

func TestReadAllWithLimit(t *testing.T) {
	payload := []byte("hello world")

	got, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = ReadAllWithLimit(bytes.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = ReadAllWithLimit(bytes.NewReader(payload), 4)
	require.Error(t, err)
	assert.True(t, IsResponseTooLarge(err))
	assert.True(t, errors.IsValidation(err), "size cap is a validation error")
}
