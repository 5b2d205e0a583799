// Package feedfetch retrieves RSS and Atom feed documents over HTTP and
// extracts their entries.
package feedfetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/docstream/ingestor/internal/ingest"
)

// Config controls feed fetching.
type Config struct {
	// Timeout bounds one feed fetch (default 30 seconds).
	Timeout time.Duration
	// UserAgent sent with each request.
	UserAgent string
}

// Fetcher implements ingest.FeedFetcher over HTTP for RSS 2.0 and Atom.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New constructs a Fetcher. A nil client falls back to a default with the
// configured timeout.
func New(cfg Config, client *http.Client) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "docstream-ingestor/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{cfg: cfg, client: client}
}

// Fetch downloads the feed at url and returns its entries in document order.
// RSS items prefer <guid> as the entry ID and fall back to <link>; Atom
// entries use <id> and the alternate link's href.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]ingest.FeedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	doc, err := xmlquery.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed document: %w", err)
	}
	return extractEntries(doc)
}

func extractEntries(doc *xmlquery.Node) ([]ingest.FeedEntry, error) {
	if items := xmlquery.Find(doc, "//channel/item"); len(items) > 0 {
		return rssEntries(items), nil
	}
	if entries := xmlquery.Find(doc, "//entry"); len(entries) > 0 {
		return atomEntries(entries), nil
	}
	if xmlquery.FindOne(doc, "//rss|//feed") == nil {
		return nil, fmt.Errorf("document is neither an RSS nor an Atom feed")
	}
	return nil, nil
}

func rssEntries(items []*xmlquery.Node) []ingest.FeedEntry {
	entries := make([]ingest.FeedEntry, 0, len(items))
	for _, item := range items {
		var link string
		if node := item.SelectElement("link"); node != nil {
			link = strings.TrimSpace(node.InnerText())
		}
		entryID := link
		if node := item.SelectElement("guid"); node != nil {
			if guid := strings.TrimSpace(node.InnerText()); guid != "" {
				entryID = guid
			}
		}
		entries = append(entries, ingest.FeedEntry{EntryID: entryID, Link: link})
	}
	return entries
}

func atomEntries(nodes []*xmlquery.Node) []ingest.FeedEntry {
	entries := make([]ingest.FeedEntry, 0, len(nodes))
	for _, node := range nodes {
		var entryID string
		if id := node.SelectElement("id"); id != nil {
			entryID = strings.TrimSpace(id.InnerText())
		}
		link := atomLink(node)
		if entryID == "" {
			entryID = link
		}
		entries = append(entries, ingest.FeedEntry{EntryID: entryID, Link: link})
	}
	return entries
}

// atomLink prefers the rel="alternate" link and falls back to the first link
// element with an href.
func atomLink(entry *xmlquery.Node) string {
	var fallback string
	for _, link := range entry.SelectElements("link") {
		href := strings.TrimSpace(link.SelectAttr("href"))
		if href == "" {
			continue
		}
		rel := link.SelectAttr("rel")
		if rel == "" || rel == "alternate" {
			return href
		}
		if fallback == "" {
			fallback = href
		}
	}
	return fallback
}
