package ingest

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrStatusConflict = errors.New("status conflict")
)

// DocumentStore persists documents and their pipeline state. All status
// writes are conditioned on the expected prior status to avoid lost updates
// from duplicate dispatches.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, workspaceID, documentID string) (Document, error)
	UpdateDocumentStatus(ctx context.Context, workspaceID, documentID string, update StatusUpdate) error
	// ListDocumentsByStatus returns up to limit documents in any of the given
	// statuses, oldest-first by last update.
	ListDocumentsByStatus(ctx context.Context, statuses []DocumentStatus, limit int) ([]Document, error)
	// ListDispatchableDocuments returns up to limit documents awaiting crawl
	// work, oldest-first by last update: every queued document, plus
	// processing documents whose crawl began after cutoff. Processing
	// documents at or past the cutoff are abandoned in place and must not
	// occupy the window.
	ListDispatchableDocuments(ctx context.Context, cutoff time.Time, limit int) ([]Document, error)
}

// FeedStore persists subscribed feeds and their de-duplication state.
type FeedStore interface {
	CreateFeed(ctx context.Context, feed Feed) error
	GetFeed(ctx context.Context, feedID string) (Feed, error)
	ListSubscribedFeeds(ctx context.Context) ([]Feed, error)
	// AddKnownItems extends the feed's known item set and records the poll
	// time. The update is atomic with respect to other writers of the feed.
	AddKnownItems(ctx context.Context, feedID string, itemIDs []string, polledAt time.Time) error
}

// Parser executes one step of the external parse operation.
type Parser interface {
	Parse(ctx context.Context, req ParseRequest) (ParseResult, error)
}

// FeedFetcher retrieves a feed document and returns its entries in order.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]FeedEntry, error)
}

// BlobStore writes extracted content and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document and feed IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
