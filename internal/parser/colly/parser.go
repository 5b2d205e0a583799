// Package collyparser implements the page parser using gocolly.
package collyparser

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/gocolly/colly/v2"

	"github.com/docstream/ingestor/internal/ingest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Parser fetches one page per invocation, converts it to Markdown, persists
// the content, and reports the next-page cursor when the page links onward.
type Parser struct {
	cfg           Config
	blobs         ingest.BlobStore
	baseCollector *colly.Collector
}

type pageCapture struct {
	finalURL string
	body     []byte
	title    string
	nextURL  string
}

// New builds a Parser writing extracted content to blobs.
func New(cfg Config, blobs ingest.BlobStore) *Parser {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Parser{
		cfg:           cfg,
		blobs:         blobs,
		baseCollector: c,
	}
}

// Parse fetches the page at the request cursor (or the source URL when the
// crawl is starting) and stores its Markdown rendition. Done is false when
// the page advertises a following page.
func (p *Parser) Parse(ctx context.Context, req ingest.ParseRequest) (ingest.ParseResult, error) {
	target := req.Cursor
	if target == "" {
		target = req.SourceURL
	}
	if target == "" {
		return ingest.ParseResult{}, fmt.Errorf("parse request has no target url")
	}

	capture, err := p.fetch(ctx, target)
	if err != nil {
		return ingest.ParseResult{}, err
	}

	markdown, err := htmltomarkdown.ConvertString(string(capture.body))
	if err != nil {
		return ingest.ParseResult{}, fmt.Errorf("convert page to markdown: %w", err)
	}

	uri, err := p.blobs.PutObject(ctx, contentPath(req, capture.finalURL), "text/markdown", []byte(markdown))
	if err != nil {
		return ingest.ParseResult{}, fmt.Errorf("store page content: %w", err)
	}

	next := capture.nextURL
	if next == target {
		// Self-referencing pagination would loop forever.
		next = ""
	}
	return ingest.ParseResult{
		Done:       next == "",
		Cursor:     next,
		Title:      capture.title,
		ContentURI: uri,
	}, nil
}

func (p *Parser) fetch(ctx context.Context, target string) (pageCapture, error) {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !p.cfg.RespectRobots
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		capture  pageCapture
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		capture.finalURL = r.Request.URL.String()
		capture.body = append([]byte(nil), r.Body...)
	})
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if capture.title == "" {
			capture.title = strings.TrimSpace(e.Text)
		}
	})
	collector.OnHTML(`a[rel="next"], link[rel="next"]`, func(e *colly.HTMLElement) {
		if capture.nextURL == "" {
			capture.nextURL = e.Request.AbsoluteURL(e.Attr("href"))
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return pageCapture{}, fmt.Errorf("page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return pageCapture{}, fmt.Errorf("visit %s: %w", target, err)
		}
		if fetchErr != nil {
			return pageCapture{}, fmt.Errorf("fetch %s: %w", target, fetchErr)
		}
		return capture, nil
	}
}

// contentPath derives a stable per-page object path; multi-page crawls write
// one object per page.
func contentPath(req ingest.ParseRequest, pageURL string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pageURL))
	return fmt.Sprintf("%s/%s/%016x.md", req.WorkspaceID, req.DocumentID, h.Sum64())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
