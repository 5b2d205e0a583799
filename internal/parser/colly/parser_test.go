package collyparser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	blobmemory "github.com/docstream/ingestor/internal/blob/memory"
	"github.com/docstream/ingestor/internal/ingest"
)

func newPaginatedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/page/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><head><title>Guide, part 1</title></head>
			<body><h1>Part one</h1><a rel="next" href="%s/page/2">Next</a></body></html>`, srv.URL)
	})
	mux.HandleFunc("/page/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Guide, part 2</title></head>
			<body><h1>Part two</h1></body></html>`)
	})
	mux.HandleFunc("/single", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Standalone</title></head><body><p>All here.</p></body></html>`)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestParser(blobs ingest.BlobStore) *Parser {
	return New(Config{UserAgent: "test-agent"}, blobs)
}

func TestParseSinglePage(t *testing.T) {
	t.Parallel()

	srv := newPaginatedServer(t)
	blobs := blobmemory.NewBlobStore()
	p := newTestParser(blobs)

	result, err := p.Parse(context.Background(), ingest.ParseRequest{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
		SourceURL:   srv.URL + "/single",
	})
	require.NoError(t, err)
	require.True(t, result.Done)
	require.Empty(t, result.Cursor)
	require.Equal(t, "Standalone", result.Title)
	require.True(t, strings.HasPrefix(result.ContentURI, "mem://ws-1/doc-1/"))
}

func TestParsePaginatedCrawl(t *testing.T) {
	t.Parallel()

	srv := newPaginatedServer(t)
	blobs := blobmemory.NewBlobStore()
	p := newTestParser(blobs)
	ctx := context.Background()

	first, err := p.Parse(ctx, ingest.ParseRequest{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
		SourceURL:   srv.URL + "/page/1",
	})
	require.NoError(t, err)
	require.False(t, first.Done)
	require.Equal(t, srv.URL+"/page/2", first.Cursor)

	second, err := p.Parse(ctx, ingest.ParseRequest{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
		SourceURL:   srv.URL + "/page/1",
		Cursor:      first.Cursor,
	})
	require.NoError(t, err)
	require.True(t, second.Done)
	require.Equal(t, "Guide, part 2", second.Title)
	require.NotEqual(t, first.ContentURI, second.ContentURI)
}

func TestParseFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := newTestParser(blobmemory.NewBlobStore())
	_, err := p.Parse(context.Background(), ingest.ParseRequest{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
		SourceURL:   srv.URL,
	})
	require.Error(t, err)
}

func TestParseWithoutTarget(t *testing.T) {
	t.Parallel()

	p := newTestParser(blobmemory.NewBlobStore())
	_, err := p.Parse(context.Background(), ingest.ParseRequest{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
	})
	require.ErrorContains(t, err, "no target url")
}
