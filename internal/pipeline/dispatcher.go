package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/metrics"
)

// Stepper advances one document through the pipeline.
type Stepper interface {
	Step(ctx context.Context, doc ingest.Document) error
}

// DispatcherConfig controls batch crawl dispatch.
type DispatcherConfig struct {
	// Interval between dispatch rounds (default 10 minutes).
	Interval time.Duration
	// BatchSize caps documents dispatched per round (default 10).
	BatchSize int
	// LeaseTTL keeps a dispatched document off subsequent rounds while a
	// step may still be running (default 15 minutes, the invocation ceiling).
	LeaseTTL time.Duration
	// DocumentTimeout abandons crawls that have been in processing longer
	// than this ceiling (default 120 minutes).
	DocumentTimeout time.Duration
}

// Dispatcher periodically pulls the oldest pending documents and steps each
// one. Documents are leased per round so an in-flight step is not dispatched
// again. Crawls past the whole-document ceiling are abandoned: excluded from
// selection with their last recorded status left untouched, so they never
// crowd queued work out of the batch window.
type Dispatcher struct {
	cfg     DispatcherConfig
	store   ingest.DocumentStore
	stepper Stepper
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	leases map[string]time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig, store ingest.DocumentStore, stepper Stepper, logger *zap.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if cfg.DocumentTimeout <= 0 {
		cfg.DocumentTimeout = 120 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		stepper: stepper,
		logger:  logger,
		now:     time.Now,
		leases:  make(map[string]time.Time),
	}
}

// Run dispatches on the configured interval until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.Error("dispatch round failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single dispatch round and returns the number of
// documents stepped.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()
	docs, err := d.store.ListDispatchableDocuments(ctx, now.Add(-d.cfg.DocumentTimeout), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}

	var batch []ingest.Document
	for _, doc := range docs {
		if !d.acquireLease(doc, now) {
			continue
		}
		batch = append(batch, doc)
	}
	metrics.ObserveBatch(len(batch))
	if len(batch) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, doc := range batch {
		wg.Add(1)
		go func(doc ingest.Document) {
			defer wg.Done()
			defer d.releaseLease(doc)
			if err := d.stepper.Step(ctx, doc); err != nil {
				d.logger.Error("document step failed",
					zap.String("workspace_id", doc.WorkspaceID),
					zap.String("document_id", doc.DocumentID),
					zap.Error(err),
				)
			}
		}(doc)
	}
	wg.Wait()
	return len(batch), nil
}

func leaseKey(doc ingest.Document) string {
	return doc.WorkspaceID + "/" + doc.DocumentID
}

func (d *Dispatcher) acquireLease(doc ingest.Document, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := leaseKey(doc)
	if expiry, held := d.leases[key]; held && now.Before(expiry) {
		return false
	}
	d.leases[key] = now.Add(d.cfg.LeaseTTL)
	return true
}

func (d *Dispatcher) releaseLease(doc ingest.Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leases, leaseKey(doc))
}
