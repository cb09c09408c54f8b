package model

import "time"

// SourceKind names the fetch strategy for a regulatory source.
type SourceKind string

const (
	SourceFeed    SourceKind = "feed"     // RSS/Atom
	SourceHTTPAPI SourceKind = "http_api" // JSON endpoint
	SourceWeb     SourceKind = "web"      // HTML scrape
)

// RegulatorySource is one external publication feed the poller watches.
// Identity, kind and endpoint are immutable after registration; only
// Active and LastPolledAt change over a source's lifetime.
type RegulatorySource struct {
	ID           string            `json:"id" validate:"required"`
	Name         string            `json:"name" validate:"required"`
	Kind         SourceKind        `json:"kind" validate:"required,oneof=feed http_api web"`
	Endpoint     string            `json:"endpoint" validate:"required,url"`
	Authority    string            `json:"authority,omitempty"`
	Jurisdiction string            `json:"jurisdiction,omitempty"`
	PollInterval time.Duration     `json:"poll_interval" validate:"required,min=60000000000"` // >= 1m
	Active       bool              `json:"active"`
	AuthHeaders  map[string]string `json:"auth_headers,omitempty"`
	LastPolledAt *time.Time        `json:"last_polled_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// DocumentType classifies a regulatory publication.
type DocumentType string

const (
	DocRegulation   DocumentType = "regulation"
	DocGuidance     DocumentType = "guidance"
	DocEnforcement  DocumentType = "enforcement"
	DocProposal     DocumentType = "proposal"
	DocAnnouncement DocumentType = "announcement"
)

// DocumentStatus tracks a document through the pipeline.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"   // inserted by poller, not yet enriched
	DocumentProcessed DocumentStatus = "processed" // text extracted and normalized
	DocumentIndexed   DocumentStatus = "indexed"   // published to the similarity index
	DocumentFailed    DocumentStatus = "failed"    // extraction gave up
)

// DocumentMetadata holds the structured values the pipeline mines from
// extracted text. Slices are capped at extraction time so a hostile
// document cannot grow them without bound.
type DocumentMetadata struct {
	Dates      []string `json:"dates,omitempty"`
	Emails     []string `json:"emails,omitempty"`
	Phones     []string `json:"phones,omitempty"`
	References []string `json:"references,omitempty"`
}

// RegulatoryDocument is a fetched publication. (SourceID, ExternalID)
// uniquely identifies a document and is never reassigned; Fingerprint
// is stable once set.
type RegulatoryDocument struct {
	ID           string           `json:"id"`
	SourceID     string           `json:"source_id"`
	ExternalID   string           `json:"external_id"`
	Title        string           `json:"title"`
	DocumentType DocumentType     `json:"document_type"`
	Status       DocumentStatus   `json:"status"`
	PublishedAt  *time.Time       `json:"published_at,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	FullText     string           `json:"full_text,omitempty"`
	URL          string           `json:"url,omitempty"`
	ContentType  string           `json:"content_type,omitempty"`
	Topics       []string         `json:"topics,omitempty"`
	Keywords     []string         `json:"keywords,omitempty"`
	Fingerprint  string           `json:"fingerprint,omitempty"`
	Metadata     DocumentMetadata `json:"metadata,omitempty"`
	FetchedAt    time.Time        `json:"fetched_at"`
	ProcessedAt  *time.Time       `json:"processed_at,omitempty"`

	// ProcessingError holds why extraction gave up, for failed documents.
	ProcessingError string `json:"processing_error,omitempty"`
}

// DedupKey is the natural key the store's unique index is built over.
func (d *RegulatoryDocument) DedupKey() string {
	return d.SourceID + "/" + d.ExternalID
}
