package poller

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"

	"vigil/internal/errors"
	"vigil/internal/httpclient"
	"vigil/internal/model"
)

// maxFetchBytes caps listing responses. Individual documents are capped
// separately by the pipeline.
const maxFetchBytes = 10 << 20

// Entry is one candidate document parsed out of a source listing.
type Entry struct {
	ExternalID  string
	Title       string
	Summary     string
	Link        string
	PublishedAt *time.Time
}

// externalID returns the source-provided id, or derives a stable one
// from the entry's visible identity so feeds without ids still dedup.
func (e Entry) externalID() string {
	if e.ExternalID != "" {
		return e.ExternalID
	}
	var published string
	if e.PublishedAt != nil {
		published = e.PublishedAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(e.Title + "\x00" + e.Link + "\x00" + published))
	return hex.EncodeToString(sum[:12])
}

// Fetcher turns one poll of a source into candidate entries, preserving
// the order the source listed them in.
type Fetcher interface {
	Fetch(ctx context.Context, src model.RegulatorySource) ([]Entry, error)
}

func fetcherFor(kind model.SourceKind, client *http.Client) (Fetcher, error) {
	switch kind {
	case model.SourceFeed:
		return &feedFetcher{client: client}, nil
	case model.SourceHTTPAPI:
		return &apiFetcher{client: client}, nil
	case model.SourceWeb:
		return &webFetcher{client: client}, nil
	default:
		return nil, errors.Validation("unknown source kind %q", kind)
	}
}

// get fetches the source's listing with its auth headers and classifies
// HTTP failures. A Retry-After header rides along as a backoff hint.
func get(ctx context.Context, client *http.Client, src model.RegulatorySource) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "build request for %s", src.ID)
	}
	req.Header.Set("User-Agent", "vigil-poller/1.0")
	for k, v := range src.AuthHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "fetch %s", src.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := errors.FromHTTPStatus(resp.StatusCode, "fetch %s: status %d", src.ID, resp.StatusCode)
		if hint := retryAfter(resp, time.Now()); hint > 0 {
			serr = serr.WithRetryAfter(hint)
		}
		return nil, serr
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, maxFetchBytes)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "read %s listing", src.ID)
	}
	return body, nil
}

// retryAfter parses a Retry-After header, either delta-seconds or an
// HTTP date. Zero means no usable hint.
func retryAfter(resp *http.Response, now time.Time) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// feedFetcher handles RSS, Atom and JSON feeds.
type feedFetcher struct {
	client *http.Client
}

func (f *feedFetcher) Fetch(ctx context.Context, src model.RegulatorySource) ([]Entry, error) {
	body, err := get(ctx, f.client, src)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "parse %s feed", src.ID)
	}

	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entries = append(entries, Entry{
			ExternalID:  item.GUID,
			Title:       strings.TrimSpace(item.Title),
			Summary:     strings.TrimSpace(item.Description),
			Link:        item.Link,
			PublishedAt: item.PublishedParsed,
		})
	}
	return entries, nil
}

// apiEntry is the JSON object shape http_api sources return.
type apiEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Link      string `json:"link"`
	Published string `json:"published"`
}

type apiFetcher struct {
	client *http.Client
}

func (f *apiFetcher) Fetch(ctx context.Context, src model.RegulatorySource) ([]Entry, error) {
	body, err := get(ctx, f.client, src)
	if err != nil {
		return nil, err
	}
	var raw []apiEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "parse %s response", src.ID)
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e := Entry{
			ExternalID: r.ID,
			Title:      strings.TrimSpace(r.Title),
			Summary:    strings.TrimSpace(r.Summary),
			Link:       r.Link,
		}
		if r.Published != "" {
			if at, perr := dateparse.ParseAny(r.Published); perr == nil {
				utc := at.UTC()
				e.PublishedAt = &utc
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Anchors with shorter labels are navigation, not publications.
const minAnchorTitle = 10

// webFetcher scrapes anchors off an HTML listing page. Every anchor
// with a resolvable http(s) target and a non-trivial label is a
// candidate; the dedup insert discards the ones seen before.
type webFetcher struct {
	client *http.Client
}

func (f *webFetcher) Fetch(ctx context.Context, src model.RegulatorySource) ([]Entry, error) {
	body, err := get(ctx, f.client, src)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "parse %s page", src.ID)
	}
	base, err := url.Parse(src.Endpoint)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "parse %s endpoint", src.ID)
	}

	var entries []Entry
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		title := strings.Join(strings.Fields(a.Text()), " ")
		link := resolveLink(base, href)
		if link == "" || len(title) < minAnchorTitle || seen[link] {
			return
		}
		seen[link] = true
		entries = append(entries, Entry{Title: title, Link: link})
	})
	return entries, nil
}

// resolveLink absolutizes an anchor target against the listing URL,
// discarding fragments and non-http schemes.
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
