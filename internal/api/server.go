// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/bus"
	"github.com/docstream/ingestor/internal/discovery"
	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/metrics"
)

// Server wires HTTP handlers to the stores and the discovery worker.
type Server struct {
	router     chi.Router
	docs       ingest.DocumentStore
	feeds      ingest.FeedStore
	dlq        bus.DeadLetterStore
	discoverer discovery.Discoverer
	idGen      ingest.IDGenerator
	clock      ingest.Clock
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	docs ingest.DocumentStore,
	feeds ingest.FeedStore,
	dlq bus.DeadLetterStore,
	discoverer discovery.Discoverer,
	idGen ingest.IDGenerator,
	clock ingest.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		docs:       docs,
		feeds:      feeds,
		dlq:        dlq,
		discoverer: discoverer,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.submitDocument)
			r.Get("/", s.listDocuments)
			r.Route("/{workspace_id}/{document_id}", func(r chi.Router) {
				r.Get("/", s.getDocument)
				r.Post("/requeue", s.requeueDocument)
			})
		})
		r.Route("/feeds", func(r chi.Router) {
			r.Post("/", s.createFeed)
			r.Get("/", s.listFeeds)
			r.Post("/{feed_id}/poll", s.pollFeed)
		})
		r.Get("/deadletters", s.listDeadLetters)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitDocumentRequest struct {
	WorkspaceID string `json:"workspace_id"`
	SourceURL   string `json:"source_url"`
}

func (s *Server) submitDocument(w http.ResponseWriter, r *http.Request) {
	var req submitDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.WorkspaceID == "" || req.SourceURL == "" {
		s.writeError(w, http.StatusBadRequest, "workspace_id and source_url required")
		return
	}
	documentID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	doc := ingest.Document{
		WorkspaceID:  req.WorkspaceID,
		DocumentID:   documentID,
		Status:       ingest.StatusQueued,
		SourceURL:    req.SourceURL,
		DiscoveredAt: s.clock.Now(),
	}
	if err := s.docs.CreateDocument(r.Context(), doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"workspace_id": req.WorkspaceID,
		"document_id":  documentID,
		"status":       string(ingest.StatusQueued),
	})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	docs, err := s.docs.ListDocumentsByStatus(r.Context(), statuses, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []ingest.Document{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	documentID := chi.URLParam(r, "document_id")
	doc, err := s.docs.GetDocument(r.Context(), workspaceID, documentID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

// requeueDocument resets a terminal document so the next dispatch round
// crawls it again from the beginning.
func (s *Server) requeueDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	documentID := chi.URLParam(r, "document_id")
	err := s.docs.UpdateDocumentStatus(r.Context(), workspaceID, documentID, ingest.StatusUpdate{
		Expected: []ingest.DocumentStatus{ingest.StatusProcessed, ingest.StatusError},
		Status:   ingest.StatusQueued,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "document not found")
		case errors.Is(err, ingest.ErrStatusConflict):
			s.writeError(w, http.StatusConflict, "document is not in a terminal status")
		default:
			s.writeError(w, http.StatusInternalServerError, "failed to requeue document")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"workspace_id": workspaceID,
		"document_id":  documentID,
		"status":       string(ingest.StatusQueued),
	})
}

type createFeedRequest struct {
	WorkspaceID string `json:"workspace_id"`
	URL         string `json:"url"`
}

func (s *Server) createFeed(w http.ResponseWriter, r *http.Request) {
	var req createFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.WorkspaceID == "" || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "workspace_id and url required")
		return
	}
	feedID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	feed := ingest.Feed{
		FeedID:      feedID,
		WorkspaceID: req.WorkspaceID,
		URL:         req.URL,
		Subscribed:  true,
	}
	if err := s.feeds.CreateFeed(r.Context(), feed); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"feed_id": feedID})
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.feeds.ListSubscribedFeeds(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}
	if feeds == nil {
		feeds = []ingest.Feed{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

// pollFeed triggers an immediate poll outside the scheduled cadence.
func (s *Server) pollFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feed_id")
	queued, err := s.discoverer.Discover(r.Context(), feedID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "feed not found")
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feed_id": feedID, "queued": queued})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.dlq.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []bus.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func parseStatuses(raw string) ([]ingest.DocumentStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []ingest.DocumentStatus
	for _, part := range strings.Split(raw, ",") {
		status := ingest.DocumentStatus(strings.TrimSpace(part))
		if !status.Valid() {
			return nil, errors.New("unknown status " + strconv.Quote(string(status)))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
