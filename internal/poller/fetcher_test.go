package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/errors"
	"vigil/internal/model"
)

func TestClassifierFirstMatchWins(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name    string
		title   string
		summary string
		want    model.DocumentType
	}{
		{"enforcement beats regulation", "Consent Order for Rule Violations", "", model.DocEnforcement},
		{"proposal beats regulation", "Proposed Rule Amending Part 240", "", model.DocProposal},
		{"final rule", "Final Rule on Capital Requirements", "", model.DocRegulation},
		{"guidance from summary", "Staff Publication", "interpretation of Rule 10b-5", model.DocGuidance},
		{"case insensitive", "ENFORCEMENT ACTION ANNOUNCED", "", model.DocEnforcement},
		{"unmatched falls through", "Quarterly Newsletter", "agency updates", model.DocAnnouncement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.title, tt.summary))
		})
	}
}

func TestClassifierCustomRules(t *testing.T) {
	c := NewClassifier([]config.ClassificationRule{
		{Type: "guidance", Keywords: []string{"circular"}},
		{Type: "regulation", Keywords: []string{"circular", "directive"}},
	})
	// Declared order wins even when a later rule also matches.
	assert.Equal(t, model.DocGuidance, c.Classify("Circular 2026/4", ""))
	assert.Equal(t, model.DocRegulation, c.Classify("Directive on Outsourcing", ""))
}

func TestEntryExternalID(t *testing.T) {
	explicit := Entry{ExternalID: "ABC-1", Title: "x"}
	assert.Equal(t, "ABC-1", explicit.externalID())

	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	a := Entry{Title: "Final Rule", Link: "https://example.test/a", PublishedAt: &at}
	b := Entry{Title: "Final Rule", Link: "https://example.test/a", PublishedAt: &at}
	c := Entry{Title: "Final Rule", Link: "https://example.test/b", PublishedAt: &at}
	assert.Equal(t, a.externalID(), b.externalID(), "identical identity derives identical id")
	assert.NotEqual(t, a.externalID(), c.externalID(), "link participates in the identity")
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	header := func(v string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		if v != "" {
			resp.Header.Set("Retry-After", v)
		}
		return resp
	}

	assert.Equal(t, 30*time.Second, retryAfter(header("30"), now))
	assert.Equal(t, time.Duration(0), retryAfter(header(""), now))
	assert.Equal(t, time.Duration(0), retryAfter(header("0"), now))
	assert.Equal(t, time.Duration(0), retryAfter(header("soon"), now))

	at := now.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, retryAfter(header(at.Format(http.TimeFormat)), now))
	past := now.Add(-time.Minute)
	assert.Equal(t, time.Duration(0), retryAfter(header(past.Format(http.TimeFormat)), now))
}

func TestResolveLink(t *testing.T) {
	base, err := url.Parse("https://regulator.test/news/")
	require.NoError(t, err)

	assert.Equal(t, "https://regulator.test/news/item-1", resolveLink(base, "item-1"))
	assert.Equal(t, "https://regulator.test/docs/a.pdf", resolveLink(base, "/docs/a.pdf"))
	assert.Equal(t, "https://other.test/x", resolveLink(base, "https://other.test/x"))
	assert.Equal(t, "https://regulator.test/news/p", resolveLink(base, "p#section-2"), "fragments are dropped")
	assert.Empty(t, resolveLink(base, "#top"))
	assert.Empty(t, resolveLink(base, "mailto:press@regulator.test"))
	assert.Empty(t, resolveLink(base, ""))
}

func serveOnce(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedFetcher(t *testing.T) {
	srv := serveOnce(t, "application/rss+xml", sampleRSS)
	src := testSource("sec")
	src.Endpoint = srv.URL

	f := &feedFetcher{client: srv.Client()}
	entries, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "RU-2026-001", entries[0].ExternalID)
	assert.Equal(t, "Final Rule on Capital Requirements", entries[0].Title)
	assert.Equal(t, "https://example.test/ru-2026-001", entries[0].Link)
	require.NotNil(t, entries[0].PublishedAt)
	assert.Nil(t, entries[1].PublishedAt)
}

func TestFeedFetcherRejectsGarbage(t *testing.T) {
	srv := serveOnce(t, "application/rss+xml", "not a feed")
	src := testSource("sec")
	src.Endpoint = srv.URL

	f := &feedFetcher{client: srv.Client()}
	_, err := f.Fetch(context.Background(), src)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestAPIFetcher(t *testing.T) {
	body := `[
	  {"id":"A1","title":"Final Rule on X","summary":"s","link":"https://example.test/a1","published":"2026-05-04T09:00:00Z"},
	  {"id":"A2","title":"Notice","link":"https://example.test/a2","published":"not a date"}
	]`
	srv := serveOnce(t, "application/json", body)
	src := testSource("api")
	src.Kind = model.SourceHTTPAPI
	src.Endpoint = srv.URL

	f := &apiFetcher{client: srv.Client()}
	entries, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "A1", entries[0].ExternalID)
	require.NotNil(t, entries[0].PublishedAt)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), entries[0].PublishedAt.UTC())
	assert.Nil(t, entries[1].PublishedAt, "unparseable dates are dropped, not fatal")
}

func TestWebFetcher(t *testing.T) {
	page := `<html><body>
	  <nav><a href="/">Home</a></nav>
	  <a href="/news/final-rule-2026">Final Rule on Liquidity Coverage</a>
	  <a href="/news/final-rule-2026">Final Rule on Liquidity Coverage (duplicate)</a>
	  <a href="mailto:press@x.test">Press contact mailbox address</a>
	  <a href="/news/advisory-17">Advisory on Vendor Risk Management</a>
	</body></html>`
	srv := serveOnce(t, "text/html", page)
	src := testSource("web")
	src.Kind = model.SourceWeb
	src.Endpoint = srv.URL

	f := &webFetcher{client: srv.Client()}
	entries, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, entries, 2, "short labels, mailto and duplicate targets are filtered")
	assert.Equal(t, srv.URL+"/news/final-rule-2026", entries[0].Link)
	assert.Equal(t, "Final Rule on Liquidity Coverage", entries[0].Title)
	assert.Equal(t, srv.URL+"/news/advisory-17", entries[1].Link)
}

func TestGetCarriesRetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	src := testSource("sec")
	src.Endpoint = srv.URL

	_, err := get(context.Background(), srv.Client(), src)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 2*time.Minute, errors.RetryAfterHint(err))
}

func TestGetSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	src := testSource("sec")
	src.Endpoint = srv.URL
	src.AuthHeaders = map[string]string{"Authorization": "Bearer tok"}

	body, err := get(context.Background(), srv.Client(), src)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "vigil-poller/1.0", gotAgent)
}

func TestFetcherForUnknownKind(t *testing.T) {
	_, err := fetcherFor("carrier-pigeon", http.DefaultClient)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
