package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docstream/ingestor/internal/discovery"
	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/store/memory"
)

type staticFetcher struct {
	entries []ingest.FeedEntry
}

func (f *staticFetcher) Fetch(_ context.Context, _ string) ([]ingest.FeedEntry, error) {
	return f.entries, nil
}

// Two new feed entries flow from discovery through dispatch to processed.
func TestDiscoveryToProcessedFlow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateFeed(ctx, ingest.Feed{
		FeedID:      "feed-1",
		WorkspaceID: "ws-1",
		URL:         "https://example.com/rss",
		Subscribed:  true,
	}))

	fetcher := &staticFetcher{entries: []ingest.FeedEntry{
		{EntryID: "item-1", Link: "https://example.com/p1"},
		{EntryID: "item-2", Link: "https://example.com/p2"},
	}}
	worker := discovery.NewWorker(store, store, fetcher, nil)

	queued, err := worker.Discover(ctx, "feed-1")
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	parser := &scriptedParser{} // defaults to done=true on every call
	machine := NewMachine(MachineConfig{}, store, parser, &capturingPublisher{}, nil)
	d := NewDispatcher(DispatcherConfig{}, store, machine, nil)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	processed, err := store.ListDocumentsByStatus(ctx, []ingest.DocumentStatus{ingest.StatusProcessed}, 0)
	require.NoError(t, err)
	require.Len(t, processed, 2)

	pending, err := store.ListDocumentsByStatus(ctx,
		[]ingest.DocumentStatus{ingest.StatusQueued, ingest.StatusProcessing}, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// A document that fails its first parse is never selected again.
func TestFailedDocumentLeavesDispatchRotation(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDocument(ctx, ingest.Document{
		WorkspaceID: "ws-1", DocumentID: "doc-1", SourceURL: "https://example.com/p1",
	}))

	parser := &scriptedParser{errs: []error{errors.New("malformed page")}}
	machine := NewMachine(MachineConfig{}, store, parser, &capturingPublisher{}, nil)
	d := NewDispatcher(DispatcherConfig{}, store, machine, nil)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	doc, err := store.GetDocument(ctx, "ws-1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusError, doc.Status)

	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, parser.calls, 1)
}
