// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docstream/ingestor/internal/bus"
	"github.com/docstream/ingestor/internal/ingest"
)

// DB is the subset of pgxpool.Pool the store needs; it allows injecting a
// mock pool in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ingest.DocumentStore, ingest.FeedStore, and
// bus.DeadLetterStore using Postgres.
//
// Expected schema:
//
//	CREATE TABLE documents (
//	  workspace_id TEXT NOT NULL,
//	  document_id TEXT NOT NULL,
//	  status TEXT NOT NULL,
//	  cursor TEXT NOT NULL DEFAULT '',
//	  source_url TEXT NOT NULL,
//	  error_text TEXT NOT NULL DEFAULT '',
//	  discovered_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL,
//	  processing_at TIMESTAMPTZ,
//	  PRIMARY KEY (workspace_id, document_id)
//	);
//	CREATE TABLE feeds (
//	  feed_id TEXT PRIMARY KEY,
//	  workspace_id TEXT NOT NULL,
//	  url TEXT NOT NULL,
//	  subscribed BOOLEAN NOT NULL DEFAULT TRUE,
//	  known_item_ids TEXT[] NOT NULL DEFAULT '{}',
//	  last_polled_at TIMESTAMPTZ
//	);
//	CREATE TABLE dead_letters (
//	  id BIGSERIAL PRIMARY KEY,
//	  payload JSONB NOT NULL,
//	  attempts INT NOT NULL,
//	  last_error TEXT NOT NULL,
//	  failed_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	db  DB
	now func() time.Time
}

// NewStore creates a Store backed by a connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return NewStoreWithDB(pool)
}

// NewStoreWithDB creates a Store over any DB implementation.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateDocument inserts a new document row in queued status.
func (s *Store) CreateDocument(ctx context.Context, doc ingest.Document) error {
	if doc.Status == "" {
		doc.Status = ingest.StatusQueued
	}
	now := s.now().UTC()
	if doc.DiscoveredAt.IsZero() {
		doc.DiscoveredAt = now
	}
	query := `
		INSERT INTO documents (workspace_id, document_id, status, cursor, source_url, error_text, discovered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace_id, document_id) DO NOTHING;
	`
	tag, err := s.db.Exec(ctx, query,
		doc.WorkspaceID,
		doc.DocumentID,
		doc.Status,
		doc.Cursor,
		doc.SourceURL,
		doc.ErrorText,
		doc.DiscoveredAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrAlreadyExists
	}
	return nil
}

// GetDocument retrieves a document by its compound key.
func (s *Store) GetDocument(ctx context.Context, workspaceID, documentID string) (ingest.Document, error) {
	query := `
		SELECT workspace_id, document_id, status, cursor, source_url, error_text, discovered_at, updated_at, processing_at
		FROM documents
		WHERE workspace_id = $1 AND document_id = $2;
	`
	var doc ingest.Document
	err := s.db.QueryRow(ctx, query, workspaceID, documentID).Scan(
		&doc.WorkspaceID,
		&doc.DocumentID,
		&doc.Status,
		&doc.Cursor,
		&doc.SourceURL,
		&doc.ErrorText,
		&doc.DiscoveredAt,
		&doc.UpdatedAt,
		&doc.ProcessingAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Document{}, ingest.ErrNotFound
		}
		return ingest.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// UpdateDocumentStatus applies a compare-and-set transition; the row is only
// written when its current status is in the expected set.
func (s *Store) UpdateDocumentStatus(
	ctx context.Context,
	workspaceID, documentID string,
	update ingest.StatusUpdate,
) error {
	now := s.now().UTC()
	expected := statusStrings(update.Expected)
	query := `
		UPDATE documents
		SET status = $3,
		    cursor = $4,
		    error_text = $5,
		    updated_at = $6,
		    processing_at = CASE
		      WHEN $3 = 'processing' THEN COALESCE(processing_at, $6)
		      WHEN $3 = 'queued' THEN NULL
		      ELSE processing_at
		    END
		WHERE workspace_id = $1 AND document_id = $2
		  AND ($7::text[] IS NULL OR status = ANY($7));
	`
	tag, err := s.db.Exec(ctx, query,
		workspaceID,
		documentID,
		string(update.Status),
		update.Cursor,
		update.ErrorText,
		now,
		expected,
	)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetDocument(ctx, workspaceID, documentID); getErr != nil {
			return getErr
		}
		return ingest.ErrStatusConflict
	}
	return nil
}

// ListDocumentsByStatus returns up to limit matching documents, oldest-first
// by last update.
func (s *Store) ListDocumentsByStatus(
	ctx context.Context,
	statuses []ingest.DocumentStatus,
	limit int,
) ([]ingest.Document, error) {
	query := `
		SELECT workspace_id, document_id, status, cursor, source_url, error_text, discovered_at, updated_at, processing_at
		FROM documents
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2;
	`
	rows, err := s.db.Query(ctx, query, statusStrings(statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

// ListDispatchableDocuments returns up to limit queued or actively-processing
// documents, oldest-first by last update. Processing rows whose crawl began at
// or before cutoff are excluded so abandoned crawls never occupy the window.
func (s *Store) ListDispatchableDocuments(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) ([]ingest.Document, error) {
	query := `
		SELECT workspace_id, document_id, status, cursor, source_url, error_text, discovered_at, updated_at, processing_at
		FROM documents
		WHERE status = 'queued'
		   OR (status = 'processing' AND (processing_at IS NULL OR processing_at > $1))
		ORDER BY updated_at ASC
		LIMIT $2;
	`
	rows, err := s.db.Query(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable documents: %w", err)
	}
	return collectDocuments(rows)
}

func collectDocuments(rows pgx.Rows) ([]ingest.Document, error) {
	defer rows.Close()
	var docs []ingest.Document
	for rows.Next() {
		var doc ingest.Document
		err := rows.Scan(
			&doc.WorkspaceID,
			&doc.DocumentID,
			&doc.Status,
			&doc.Cursor,
			&doc.SourceURL,
			&doc.ErrorText,
			&doc.DiscoveredAt,
			&doc.UpdatedAt,
			&doc.ProcessingAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

// CreateFeed inserts a new feed subscription.
func (s *Store) CreateFeed(ctx context.Context, feed ingest.Feed) error {
	query := `
		INSERT INTO feeds (feed_id, workspace_id, url, subscribed, known_item_ids)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (feed_id) DO NOTHING;
	`
	tag, err := s.db.Exec(ctx, query,
		feed.FeedID,
		feed.WorkspaceID,
		feed.URL,
		feed.Subscribed,
		itemIDSlice(feed.KnownItemIDs),
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrAlreadyExists
	}
	return nil
}

// GetFeed retrieves a feed by ID.
func (s *Store) GetFeed(ctx context.Context, feedID string) (ingest.Feed, error) {
	query := `
		SELECT feed_id, workspace_id, url, subscribed, known_item_ids, last_polled_at
		FROM feeds
		WHERE feed_id = $1;
	`
	var (
		feed    ingest.Feed
		itemIDs []string
	)
	err := s.db.QueryRow(ctx, query, feedID).Scan(
		&feed.FeedID,
		&feed.WorkspaceID,
		&feed.URL,
		&feed.Subscribed,
		&itemIDs,
		&feed.LastPolledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Feed{}, ingest.ErrNotFound
		}
		return ingest.Feed{}, fmt.Errorf("get feed: %w", err)
	}
	feed.KnownItemIDs = itemIDSet(itemIDs)
	return feed, nil
}

// ListSubscribedFeeds returns all feeds currently marked subscribed.
func (s *Store) ListSubscribedFeeds(ctx context.Context) ([]ingest.Feed, error) {
	query := `
		SELECT feed_id, workspace_id, url, subscribed, known_item_ids, last_polled_at
		FROM feeds
		WHERE subscribed
		ORDER BY feed_id;
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []ingest.Feed
	for rows.Next() {
		var (
			feed    ingest.Feed
			itemIDs []string
		)
		err := rows.Scan(
			&feed.FeedID,
			&feed.WorkspaceID,
			&feed.URL,
			&feed.Subscribed,
			&itemIDs,
			&feed.LastPolledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan feed row: %w", err)
		}
		feed.KnownItemIDs = itemIDSet(itemIDs)
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed rows: %w", err)
	}
	return feeds, nil
}

// AddKnownItems extends the feed's known item set and stamps the poll time
// in a single atomic statement.
func (s *Store) AddKnownItems(ctx context.Context, feedID string, itemIDs []string, polledAt time.Time) error {
	query := `
		UPDATE feeds
		SET known_item_ids = ARRAY(SELECT DISTINCT unnest(known_item_ids || $2::text[])),
		    last_polled_at = $3
		WHERE feed_id = $1;
	`
	tag, err := s.db.Exec(ctx, query, feedID, itemIDs, polledAt.UTC())
	if err != nil {
		return fmt.Errorf("update feed items: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// Add appends a dead letter row.
func (s *Store) Add(ctx context.Context, dl bus.DeadLetter) error {
	payload, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	query := `
		INSERT INTO dead_letters (payload, attempts, last_error, failed_at)
		VALUES ($1, $2, $3, $4);
	`
	if _, err := s.db.Exec(ctx, query, payload, dl.Attempts, dl.LastError, dl.FailedAt.UTC()); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns retained dead letters, oldest-first.
func (s *Store) List(ctx context.Context) ([]bus.DeadLetter, error) {
	query := `
		SELECT payload, attempts, last_error, failed_at
		FROM dead_letters
		ORDER BY failed_at ASC;
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []bus.DeadLetter
	for rows.Next() {
		var (
			dl      bus.DeadLetter
			payload []byte
		)
		if err := rows.Scan(&payload, &dl.Attempts, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		if err := json.Unmarshal(payload, &dl.Event); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}
	return letters, nil
}

func statusStrings(statuses []ingest.DocumentStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func itemIDSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func itemIDSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
