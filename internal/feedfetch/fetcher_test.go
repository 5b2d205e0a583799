package feedfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docstream/ingestor/internal/ingest"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <item>
      <title>First post</title>
      <link>https://example.com/p1</link>
      <guid>urn:example:p1</guid>
    </item>
    <item>
      <title>Second post</title>
      <link>https://example.com/p2</link>
    </item>
  </channel>
</rss>`

const atomFixture = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Feed</title>
  <entry>
    <id>urn:example:a1</id>
    <link rel="self" href="https://example.com/a1.atom"/>
    <link rel="alternate" href="https://example.com/a1"/>
  </entry>
  <entry>
    <id>urn:example:a2</id>
    <link href="https://example.com/a2"/>
  </entry>
</feed>`

func serveFixture(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRSS(t *testing.T) {
	t.Parallel()

	srv := serveFixture(t, http.StatusOK, rssFixture)
	f := New(Config{}, srv.Client())

	entries, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []ingest.FeedEntry{
		{EntryID: "urn:example:p1", Link: "https://example.com/p1"},
		{EntryID: "https://example.com/p2", Link: "https://example.com/p2"},
	}, entries)
}

func TestFetchAtom(t *testing.T) {
	t.Parallel()

	srv := serveFixture(t, http.StatusOK, atomFixture)
	f := New(Config{}, srv.Client())

	entries, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []ingest.FeedEntry{
		{EntryID: "urn:example:a1", Link: "https://example.com/a1"},
		{EntryID: "urn:example:a2", Link: "https://example.com/a2"},
	}, entries)
}

func TestFetchNonFeedDocument(t *testing.T) {
	t.Parallel()

	srv := serveFixture(t, http.StatusOK, `<html><body>not a feed</body></html>`)
	f := New(Config{}, srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetchNon200Status(t *testing.T) {
	t.Parallel()

	srv := serveFixture(t, http.StatusServiceUnavailable, "")
	f := New(Config{}, srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorContains(t, err, "503")
}

func TestFetchEmptyFeed(t *testing.T) {
	t.Parallel()

	srv := serveFixture(t, http.StatusOK,
		`<?xml version="1.0"?><rss version="2.0"><channel><title>Empty</title></channel></rss>`)
	f := New(Config{}, srv.Client())

	entries, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Empty(t, entries)
}
