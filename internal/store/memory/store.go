// Package memory provides store implementations for local development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docstream/ingestor/internal/ingest"
)

// Store implements ingest.DocumentStore and ingest.FeedStore in memory.
// Status writes honor the same compare-and-set contract as the durable
// implementations.
type Store struct {
	mu    sync.RWMutex
	docs  map[string]ingest.Document
	feeds map[string]ingest.Feed
	now   func() time.Time
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		docs:  make(map[string]ingest.Document),
		feeds: make(map[string]ingest.Feed),
		now:   time.Now,
	}
}

func docKey(workspaceID, documentID string) string {
	return workspaceID + "/" + documentID
}

// CreateDocument stores a new document, defaulting status to queued.
func (s *Store) CreateDocument(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(doc.WorkspaceID, doc.DocumentID)
	if _, exists := s.docs[key]; exists {
		return ingest.ErrAlreadyExists
	}
	now := s.now().UTC()
	if doc.Status == "" {
		doc.Status = ingest.StatusQueued
	}
	if doc.DiscoveredAt.IsZero() {
		doc.DiscoveredAt = now
	}
	doc.UpdatedAt = now
	s.docs[key] = doc
	return nil
}

// GetDocument fetches a document by its compound key.
func (s *Store) GetDocument(_ context.Context, workspaceID, documentID string) (ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey(workspaceID, documentID)]
	if !ok {
		return ingest.Document{}, ingest.ErrNotFound
	}
	return doc, nil
}

// UpdateDocumentStatus applies a compare-and-set transition.
func (s *Store) UpdateDocumentStatus(
	_ context.Context,
	workspaceID, documentID string,
	update ingest.StatusUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(workspaceID, documentID)
	doc, ok := s.docs[key]
	if !ok {
		return ingest.ErrNotFound
	}
	if !statusAllowed(doc.Status, update.Expected) {
		return ingest.ErrStatusConflict
	}
	now := s.now().UTC()
	doc.Status = update.Status
	doc.Cursor = update.Cursor
	doc.ErrorText = update.ErrorText
	doc.UpdatedAt = now
	if update.Status == ingest.StatusProcessing && doc.ProcessingAt == nil {
		ts := now
		doc.ProcessingAt = &ts
	}
	if update.Status == ingest.StatusQueued {
		doc.ProcessingAt = nil
	}
	s.docs[key] = doc
	return nil
}

// ListDocumentsByStatus returns up to limit matching documents, oldest-first
// by last update.
func (s *Store) ListDocumentsByStatus(
	_ context.Context,
	statuses []ingest.DocumentStatus,
	limit int,
) ([]ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Document
	for _, doc := range s.docs {
		if statusAllowed(doc.Status, statuses) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDispatchableDocuments returns up to limit queued or actively-processing
// documents, oldest-first by last update. Processing documents whose crawl
// began at or before cutoff are left out so they never crowd out fresh work.
func (s *Store) ListDispatchableDocuments(
	_ context.Context,
	cutoff time.Time,
	limit int,
) ([]ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Document
	for _, doc := range s.docs {
		switch doc.Status {
		case ingest.StatusQueued:
		case ingest.StatusProcessing:
			if doc.ProcessingAt != nil && !doc.ProcessingAt.After(cutoff) {
				continue
			}
		default:
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateFeed stores a new feed subscription.
func (s *Store) CreateFeed(_ context.Context, feed ingest.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.feeds[feed.FeedID]; exists {
		return ingest.ErrAlreadyExists
	}
	if feed.KnownItemIDs == nil {
		feed.KnownItemIDs = make(map[string]struct{})
	}
	s.feeds[feed.FeedID] = feed
	return nil
}

// GetFeed fetches a feed by ID.
func (s *Store) GetFeed(_ context.Context, feedID string) (ingest.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[feedID]
	if !ok {
		return ingest.Feed{}, ingest.ErrNotFound
	}
	return cloneFeed(feed), nil
}

// ListSubscribedFeeds returns all feeds currently marked subscribed.
func (s *Store) ListSubscribedFeeds(_ context.Context) ([]ingest.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Feed
	for _, feed := range s.feeds {
		if feed.Subscribed {
			out = append(out, cloneFeed(feed))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FeedID < out[j].FeedID
	})
	return out, nil
}

// AddKnownItems extends the feed's known item set and stamps the poll time.
func (s *Store) AddKnownItems(_ context.Context, feedID string, itemIDs []string, polledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[feedID]
	if !ok {
		return ingest.ErrNotFound
	}
	for _, id := range itemIDs {
		feed.KnownItemIDs[id] = struct{}{}
	}
	ts := polledAt.UTC()
	feed.LastPolledAt = &ts
	s.feeds[feedID] = feed
	return nil
}

func statusAllowed(current ingest.DocumentStatus, allowed []ingest.DocumentStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, status := range allowed {
		if current == status {
			return true
		}
	}
	return false
}

func cloneFeed(feed ingest.Feed) ingest.Feed {
	cp := feed
	cp.KnownItemIDs = make(map[string]struct{}, len(feed.KnownItemIDs))
	for id := range feed.KnownItemIDs {
		cp.KnownItemIDs[id] = struct{}{}
	}
	return cp
}
