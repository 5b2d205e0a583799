// Package pipeline drives documents through the crawl lifecycle: queued
// documents are claimed, parsed page by page, and moved to a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/bus"
	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/metrics"
)

// EventPublisher publishes pipeline events onto the bus.
type EventPublisher interface {
	Publish(ctx context.Context, evt bus.Event) error
}

// MachineConfig controls one pipeline step invocation.
type MachineConfig struct {
	// InvocationTimeout bounds a single parse call (default 15 minutes).
	InvocationTimeout time.Duration
}

// Machine executes one resumable step of a document's crawl. A step claims
// the document, parses at most one invocation's worth of pages, persists the
// continuation cursor, and publishes status transitions. Steps are safe to
// re-run: claims are compare-and-set, and terminal documents are left alone.
type Machine struct {
	cfg    MachineConfig
	store  ingest.DocumentStore
	parser ingest.Parser
	events EventPublisher
	logger *zap.Logger
}

// NewMachine constructs a Machine.
func NewMachine(
	cfg MachineConfig,
	store ingest.DocumentStore,
	parser ingest.Parser,
	events EventPublisher,
	logger *zap.Logger,
) *Machine {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		cfg:    cfg,
		store:  store,
		parser: parser,
		events: events,
		logger: logger,
	}
}

// Step advances one document. The returned error covers infrastructure
// failures only; a parse failure is absorbed into the document's error status
// and reported through the bus.
func (m *Machine) Step(ctx context.Context, doc ingest.Document) error {
	logger := m.logger.With(
		zap.String("workspace_id", doc.WorkspaceID),
		zap.String("document_id", doc.DocumentID),
	)

	if doc.Status.Terminal() {
		logger.Debug("document already terminal", zap.String("status", string(doc.Status)))
		return nil
	}

	cursor := doc.Cursor
	switch doc.Status {
	case ingest.StatusQueued:
		// A fresh crawl starts from the beginning regardless of any stale
		// cursor left by a prior run.
		cursor = ""
		err := m.store.UpdateDocumentStatus(ctx, doc.WorkspaceID, doc.DocumentID, ingest.StatusUpdate{
			Expected: []ingest.DocumentStatus{ingest.StatusQueued},
			Status:   ingest.StatusProcessing,
		})
		if err != nil {
			if errors.Is(err, ingest.ErrStatusConflict) {
				// Another worker claimed this document first.
				logger.Debug("claim lost to a concurrent worker")
				return nil
			}
			return fmt.Errorf("claim document: %w", err)
		}
		metrics.ObserveDocumentStatus(string(ingest.StatusProcessing))
	case ingest.StatusProcessing:
		// Resuming a paginated crawl from its persisted cursor.
	default:
		return fmt.Errorf("unexpected document status %q", doc.Status)
	}

	parseCtx, cancel := context.WithTimeout(ctx, m.cfg.InvocationTimeout)
	defer cancel()
	result, err := m.parser.Parse(parseCtx, ingest.ParseRequest{
		WorkspaceID: doc.WorkspaceID,
		DocumentID:  doc.DocumentID,
		SourceURL:   doc.SourceURL,
		Cursor:      cursor,
	})
	if err != nil {
		metrics.ObserveParse("error")
		return m.fail(ctx, logger, doc, err)
	}
	metrics.ObserveParse("ok")

	if !result.Done {
		err := m.store.UpdateDocumentStatus(ctx, doc.WorkspaceID, doc.DocumentID, ingest.StatusUpdate{
			Expected: []ingest.DocumentStatus{ingest.StatusProcessing},
			Status:   ingest.StatusProcessing,
			Cursor:   result.Cursor,
		})
		if err != nil {
			if errors.Is(err, ingest.ErrStatusConflict) {
				logger.Warn("cursor write lost to a concurrent transition")
				return nil
			}
			return fmt.Errorf("persist cursor: %w", err)
		}
		logger.Info("crawl step complete, more pages remain", zap.String("cursor", result.Cursor))
		return nil
	}

	err = m.store.UpdateDocumentStatus(ctx, doc.WorkspaceID, doc.DocumentID, ingest.StatusUpdate{
		Expected: []ingest.DocumentStatus{ingest.StatusProcessing},
		Status:   ingest.StatusProcessed,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrStatusConflict) {
			logger.Warn("completion write lost to a concurrent transition")
			return nil
		}
		return fmt.Errorf("mark processed: %w", err)
	}
	metrics.ObserveDocumentStatus(string(ingest.StatusProcessed))
	logger.Info("document processed", zap.String("content_uri", result.ContentURI))

	m.publishStatus(ctx, logger, doc, ingest.StatusProcessed, "")
	m.publishContent(ctx, logger, doc, result)
	return nil
}

// fail records a parse failure on the document and reports it outward. The
// step itself succeeds: the failure lives in the document's terminal status.
func (m *Machine) fail(ctx context.Context, logger *zap.Logger, doc ingest.Document, cause error) error {
	logger.Error("parse failed", zap.Error(cause))
	err := m.store.UpdateDocumentStatus(ctx, doc.WorkspaceID, doc.DocumentID, ingest.StatusUpdate{
		Expected:  []ingest.DocumentStatus{ingest.StatusProcessing},
		Status:    ingest.StatusError,
		ErrorText: cause.Error(),
	})
	if err != nil {
		if errors.Is(err, ingest.ErrStatusConflict) {
			logger.Warn("error write lost to a concurrent transition")
			return nil
		}
		return fmt.Errorf("mark error: %w", err)
	}
	metrics.ObserveDocumentStatus(string(ingest.StatusError))
	m.publishStatus(ctx, logger, doc, ingest.StatusError, cause.Error())
	return nil
}

func (m *Machine) publishStatus(
	ctx context.Context,
	logger *zap.Logger,
	doc ingest.Document,
	status ingest.DocumentStatus,
	errorText string,
) {
	if m.events == nil {
		return
	}
	payload := map[string]any{
		"action":       "document_status_update",
		"workspace_id": doc.WorkspaceID,
		"document_id":  doc.DocumentID,
		"status":       string(status),
	}
	if errorText != "" {
		payload["error"] = errorText
	}
	evt := bus.Event{
		Direction: bus.DirectionOut,
		Payload:   payload,
		Attributes: map[string]string{
			"workspace_id": doc.WorkspaceID,
			"document_id":  doc.DocumentID,
		},
	}
	if err := m.events.Publish(ctx, evt); err != nil {
		// Status is already durable in the store; a lost notification is
		// logged, not retried here.
		logger.Error("status event publish failed", zap.Error(err))
	}
}

func (m *Machine) publishContent(
	ctx context.Context,
	logger *zap.Logger,
	doc ingest.Document,
	result ingest.ParseResult,
) {
	if m.events == nil || result.ContentURI == "" {
		return
	}
	evt := bus.Event{
		Direction: bus.DirectionOut,
		Payload: map[string]any{
			"action":       "document_content_ready",
			"workspace_id": doc.WorkspaceID,
			"document_id":  doc.DocumentID,
			"title":        result.Title,
			"content_uri":  result.ContentURI,
		},
		Attributes: map[string]string{
			"workspace_id": doc.WorkspaceID,
			"document_id":  doc.DocumentID,
		},
	}
	if err := m.events.Publish(ctx, evt); err != nil {
		logger.Error("content event publish failed", zap.Error(err))
	}
}
