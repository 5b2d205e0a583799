// Package discovery polls subscribed feeds and queues newly published items
// as documents for the crawl pipeline.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/metrics"
)

// Worker performs one feed poll at a time per feed. Concurrent polls of the
// same feed are serialized so the known-item diff never races with itself.
type Worker struct {
	feeds   ingest.FeedStore
	docs    ingest.DocumentStore
	fetcher ingest.FeedFetcher
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorker constructs a Worker.
func NewWorker(
	feeds ingest.FeedStore,
	docs ingest.DocumentStore,
	fetcher ingest.FeedFetcher,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		feeds:   feeds,
		docs:    docs,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Discover polls one feed and queues every entry not seen before. It returns
// the number of documents queued. The feed's known-item set and poll time are
// updated even when nothing new was found.
func (w *Worker) Discover(ctx context.Context, feedID string) (int, error) {
	lock := w.feedLock(feedID)
	lock.Lock()
	defer lock.Unlock()

	feed, err := w.feeds.GetFeed(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("load feed: %w", err)
	}

	entries, err := w.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return 0, fmt.Errorf("fetch feed %s: %w", feed.URL, err)
	}

	logger := w.logger.With(zap.String("feed_id", feedID))
	queued := 0
	seen := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.EntryID == "" || entry.Link == "" {
			logger.Warn("skipping feed entry without id or link")
			continue
		}
		seen = append(seen, entry.EntryID)
		if _, known := feed.KnownItemIDs[entry.EntryID]; known {
			continue
		}
		documentID := documentIDFor(feed.WorkspaceID, entry.EntryID)
		err = w.docs.CreateDocument(ctx, ingest.Document{
			WorkspaceID: feed.WorkspaceID,
			DocumentID:  documentID,
			Status:      ingest.StatusQueued,
			SourceURL:   entry.Link,
		})
		if err != nil {
			if errors.Is(err, ingest.ErrAlreadyExists) {
				continue
			}
			return queued, fmt.Errorf("queue document for %s: %w", entry.Link, err)
		}
		queued++
		metrics.ObserveDiscovered(1)
		logger.Info("queued new feed item",
			zap.String("document_id", documentID),
			zap.String("source_url", entry.Link),
		)
	}

	if err := w.feeds.AddKnownItems(ctx, feedID, seen, w.now()); err != nil {
		return queued, fmt.Errorf("record known items: %w", err)
	}
	return queued, nil
}

// documentIDFor derives the document ID from the workspace and feed entry.
// The same entry always maps to the same document, so a poll retried after a
// partial failure hits ErrAlreadyExists instead of queueing a duplicate.
func documentIDFor(workspaceID, entryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(workspaceID+"/"+entryID)).String()
}

func (w *Worker) feedLock(feedID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[feedID]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[feedID] = lock
	}
	return lock
}
