// Package ingest defines core types shared across subsystems.
package ingest

import (
	"time"
)

// DocumentStatus represents the lifecycle state of a document in the pipeline.
type DocumentStatus string

// Document status values persisted in the document store.
const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusError      DocumentStatus = "error"
)

// Terminal reports whether the status ends a document's pipeline.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusError:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is one of the known lifecycle values.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusProcessed, StatusError:
		return true
	default:
		return false
	}
}

// Document is a unit of ingestable content tracked by the pipeline.
// Documents are never physically deleted; terminal records are retained for
// re-processing and audit.
type Document struct {
	WorkspaceID string         `json:"workspace_id"`
	DocumentID  string         `json:"document_id"`
	Status      DocumentStatus `json:"status"`
	// Cursor is the opaque pagination token for multi-page crawls.
	// Empty when the crawl has not started or is complete.
	Cursor       string     `json:"cursor,omitempty"`
	SourceURL    string     `json:"source_url"`
	ErrorText    string     `json:"error_text,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	// ProcessingAt records the first entry into processing; it bounds the
	// whole-document crawl ceiling.
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
}

// Feed is a subscribed RSS/Atom source polled for new documents.
type Feed struct {
	FeedID       string              `json:"feed_id"`
	WorkspaceID  string              `json:"workspace_id"`
	URL          string              `json:"url"`
	Subscribed   bool                `json:"subscribed"`
	KnownItemIDs map[string]struct{} `json:"-"`
	LastPolledAt *time.Time          `json:"last_polled_at,omitempty"`
}

// FeedEntry is one item extracted from a fetched feed document.
type FeedEntry struct {
	EntryID string
	Link    string
}

// ParseRequest carries the inputs for one parse invocation.
type ParseRequest struct {
	WorkspaceID string
	DocumentID  string
	SourceURL   string
	// Cursor resumes a multi-page parse; empty starts from the beginning.
	Cursor string
}

// ParseResult is the tagged outcome of a successful parse invocation.
// Done=false with a non-empty Cursor means more pages remain.
type ParseResult struct {
	Done       bool
	Cursor     string
	Title      string
	ContentURI string
}

// StatusUpdate describes a compare-and-set transition on a document.
// The write succeeds only if the document's current status is one of
// Expected; otherwise the store returns ErrStatusConflict.
type StatusUpdate struct {
	Expected  []DocumentStatus
	Status    DocumentStatus
	Cursor    string
	ErrorText string
}
