package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docstream/ingestor/internal/bus"
	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/store/memory"
)

type scriptedParser struct {
	mu      sync.Mutex
	results []ingest.ParseResult
	errs    []error
	calls   []ingest.ParseRequest
}

func (p *scriptedParser) Parse(_ context.Context, req ingest.ParseRequest) (ingest.ParseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	i := len(p.calls) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return ingest.ParseResult{}, p.errs[i]
	}
	if i < len(p.results) {
		return p.results[i], nil
	}
	return ingest.ParseResult{Done: true}, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, evt bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *capturingPublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		action, _ := evt.Payload["action"].(string)
		out = append(out, action)
	}
	return out
}

func seedDocument(t *testing.T, store *memory.Store) ingest.Document {
	t.Helper()
	doc := ingest.Document{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
		SourceURL:   "https://example.com/post",
	}
	require.NoError(t, store.CreateDocument(context.Background(), doc))
	got, err := store.GetDocument(context.Background(), "ws-1", "doc-1")
	require.NoError(t, err)
	return got
}

func TestStepSinglePageDocument(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	parser := &scriptedParser{results: []ingest.ParseResult{
		{Done: true, Title: "Post", ContentURI: "mem://ws-1/doc-1/content.md"},
	}}
	events := &capturingPublisher{}
	machine := NewMachine(MachineConfig{}, store, parser, events, nil)

	doc := seedDocument(t, store)
	require.NoError(t, machine.Step(context.Background(), doc))

	got, err := store.GetDocument(context.Background(), "ws-1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusProcessed, got.Status)
	require.Empty(t, got.Cursor)
	require.Equal(t, []string{"document_status_update", "document_content_ready"}, events.actions())
	for _, evt := range events.events {
		require.Equal(t, bus.DirectionOut, evt.Direction)
	}
}

func TestStepMultiPageDocumentResumes(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	parser := &scriptedParser{results: []ingest.ParseResult{
		{Done: false, Cursor: "page-2"},
		{Done: true, ContentURI: "mem://ws-1/doc-1/content.md"},
	}}
	events := &capturingPublisher{}
	machine := NewMachine(MachineConfig{}, store, parser, events, nil)
	ctx := context.Background()

	doc := seedDocument(t, store)
	require.NoError(t, machine.Step(ctx, doc))

	// First step leaves the document in processing with the cursor persisted.
	mid, err := store.GetDocument(ctx, "ws-1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusProcessing, mid.Status)
	require.Equal(t, "page-2", mid.Cursor)
	require.Empty(t, events.actions())

	// Second step resumes from the cursor and finishes.
	require.NoError(t, machine.Step(ctx, mid))
	final, err := store.GetDocument(ctx, "ws-1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusProcessed, final.Status)

	require.Len(t, parser.calls, 2)
	require.Empty(t, parser.calls[0].Cursor)
	require.Equal(t, "page-2", parser.calls[1].Cursor)
}

func TestStepParseFailureRecordsError(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	parser := &scriptedParser{errs: []error{errors.New("fetch returned 503")}}
	events := &capturingPublisher{}
	machine := NewMachine(MachineConfig{}, store, parser, events, nil)

	doc := seedDocument(t, store)
	require.NoError(t, machine.Step(context.Background(), doc))

	got, err := store.GetDocument(context.Background(), "ws-1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusError, got.Status)
	require.Equal(t, "fetch returned 503", got.ErrorText)

	require.Equal(t, []string{"document_status_update"}, events.actions())
	require.Equal(t, "error", events.events[0].Payload["status"])
	require.Equal(t, "fetch returned 503", events.events[0].Payload["error"])
}

func TestStepTerminalDocumentIsNoOp(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	parser := &scriptedParser{}
	machine := NewMachine(MachineConfig{}, store, parser, &capturingPublisher{}, nil)
	ctx := context.Background()

	seedDocument(t, store)
	require.NoError(t, store.UpdateDocumentStatus(ctx, "ws-1", "doc-1", ingest.StatusUpdate{
		Status: ingest.StatusProcessed,
	}))
	terminal, err := store.GetDocument(ctx, "ws-1", "doc-1")
	require.NoError(t, err)

	require.NoError(t, machine.Step(ctx, terminal))
	require.Empty(t, parser.calls)
}

func TestStepAbortsWhenClaimLost(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	parser := &scriptedParser{}
	machine := NewMachine(MachineConfig{}, store, parser, &capturingPublisher{}, nil)
	ctx := context.Background()

	doc := seedDocument(t, store)
	// Another worker claims the document between listing and stepping.
	require.NoError(t, store.UpdateDocumentStatus(ctx, "ws-1", "doc-1", ingest.StatusUpdate{
		Expected: []ingest.DocumentStatus{ingest.StatusQueued},
		Status:   ingest.StatusProcessing,
	}))

	require.NoError(t, machine.Step(ctx, doc))
	require.Empty(t, parser.calls)
}

func TestStepPublishFailureDoesNotFailStep(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	parser := &scriptedParser{results: []ingest.ParseResult{{Done: true, ContentURI: "mem://c"}}}
	events := &capturingPublisher{err: errors.New("transport down")}
	machine := NewMachine(MachineConfig{}, store, parser, events, nil)

	doc := seedDocument(t, store)
	require.NoError(t, machine.Step(context.Background(), doc))

	got, err := store.GetDocument(context.Background(), "ws-1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusProcessed, got.Status)
}
