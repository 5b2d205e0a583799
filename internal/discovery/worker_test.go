package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/store/memory"
)

type fakeFetcher struct {
	mu      sync.Mutex
	entries map[string][]ingest.FeedEntry
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]ingest.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[url], nil
}

// flakyDocStore fails the first CreateDocument for one source URL, then
// behaves normally.
type flakyDocStore struct {
	*memory.Store
	failURL string
	failed  bool
}

func (s *flakyDocStore) CreateDocument(ctx context.Context, doc ingest.Document) error {
	if !s.failed && doc.SourceURL == s.failURL {
		s.failed = true
		return errors.New("store unavailable")
	}
	return s.Store.CreateDocument(ctx, doc)
}

func seedFeed(t *testing.T, store *memory.Store) {
	t.Helper()
	require.NoError(t, store.CreateFeed(context.Background(), ingest.Feed{
		FeedID:      "feed-1",
		WorkspaceID: "ws-1",
		URL:         "https://example.com/rss",
		Subscribed:  true,
	}))
}

func TestDiscoverQueuesNewItems(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedFeed(t, store)
	fetcher := &fakeFetcher{entries: map[string][]ingest.FeedEntry{
		"https://example.com/rss": {
			{EntryID: "item-1", Link: "https://example.com/p1"},
			{EntryID: "item-2", Link: "https://example.com/p2"},
		},
	}}
	w := NewWorker(store, store, fetcher, nil)

	queued, err := w.Discover(context.Background(), "feed-1")
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	docs, err := store.ListDocumentsByStatus(context.Background(),
		[]ingest.DocumentStatus{ingest.StatusQueued}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "ws-1", docs[0].WorkspaceID)

	feed, err := store.GetFeed(context.Background(), "feed-1")
	require.NoError(t, err)
	require.Len(t, feed.KnownItemIDs, 2)
	require.NotNil(t, feed.LastPolledAt)
}

func TestDiscoverSecondPollQueuesNothing(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedFeed(t, store)
	fetcher := &fakeFetcher{entries: map[string][]ingest.FeedEntry{
		"https://example.com/rss": {
			{EntryID: "item-1", Link: "https://example.com/p1"},
		},
	}}
	w := NewWorker(store, store, fetcher, nil)
	ctx := context.Background()

	first, err := w.Discover(ctx, "feed-1")
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := w.Discover(ctx, "feed-1")
	require.NoError(t, err)
	require.Zero(t, second)

	docs, err := store.ListDocumentsByStatus(ctx, []ingest.DocumentStatus{ingest.StatusQueued}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestDiscoverRetryAfterPartialFailureQueuesNoDuplicates(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedFeed(t, store)
	fetcher := &fakeFetcher{entries: map[string][]ingest.FeedEntry{
		"https://example.com/rss": {
			{EntryID: "item-1", Link: "https://example.com/p1"},
			{EntryID: "item-2", Link: "https://example.com/p2"},
		},
	}}
	docs := &flakyDocStore{Store: store, failURL: "https://example.com/p2"}
	w := NewWorker(store, docs, fetcher, nil)
	ctx := context.Background()

	// First poll queues item-1 and fails on item-2, before the known-item
	// set is written.
	_, err := w.Discover(ctx, "feed-1")
	require.Error(t, err)

	// The retry must queue only item-2; item-1's deterministic ID collides
	// with the document already created.
	queued, err := w.Discover(ctx, "feed-1")
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	all, err := store.ListDocumentsByStatus(ctx, []ingest.DocumentStatus{ingest.StatusQueued}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	urls := map[string]int{}
	for _, doc := range all {
		urls[doc.SourceURL]++
	}
	require.Equal(t, map[string]int{
		"https://example.com/p1": 1,
		"https://example.com/p2": 1,
	}, urls)
}

func TestDiscoverSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedFeed(t, store)
	fetcher := &fakeFetcher{entries: map[string][]ingest.FeedEntry{
		"https://example.com/rss": {
			{EntryID: "", Link: "https://example.com/p1"},
			{EntryID: "item-2", Link: ""},
			{EntryID: "item-3", Link: "https://example.com/p3"},
		},
	}}
	w := NewWorker(store, store, fetcher, nil)

	queued, err := w.Discover(context.Background(), "feed-1")
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	feed, err := store.GetFeed(context.Background(), "feed-1")
	require.NoError(t, err)
	require.Contains(t, feed.KnownItemIDs, "item-3")
	require.NotContains(t, feed.KnownItemIDs, "item-2")
}

func TestDiscoverFetchFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedFeed(t, store)
	fetcher := &fakeFetcher{err: errors.New("dns failure")}
	w := NewWorker(store, store, fetcher, nil)

	_, err := w.Discover(context.Background(), "feed-1")
	require.Error(t, err)

	feed, getErr := store.GetFeed(context.Background(), "feed-1")
	require.NoError(t, getErr)
	require.Empty(t, feed.KnownItemIDs)
	require.Nil(t, feed.LastPolledAt)
}

func TestDiscoverUnknownFeed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	w := NewWorker(store, store, &fakeFetcher{}, nil)

	_, err := w.Discover(context.Background(), "missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}
