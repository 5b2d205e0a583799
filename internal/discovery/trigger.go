package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/ingest"
)

// Discoverer polls one feed by ID.
type Discoverer interface {
	Discover(ctx context.Context, feedID string) (int, error)
}

// TriggerConfig controls the periodic discovery fan-out.
type TriggerConfig struct {
	// Interval between discovery rounds (default 15 minutes).
	Interval time.Duration
}

// Trigger periodically enumerates subscribed feeds and fans a poll out per
// feed. One feed failing never blocks the rest of the round.
type Trigger struct {
	cfg    TriggerConfig
	feeds  ingest.FeedStore
	worker Discoverer
	logger *zap.Logger
}

// NewTrigger constructs a Trigger.
func NewTrigger(cfg TriggerConfig, feeds ingest.FeedStore, worker Discoverer, logger *zap.Logger) *Trigger {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		cfg:    cfg,
		feeds:  feeds,
		worker: worker,
		logger: logger,
	}
}

// Run polls on the configured interval until the context finishes. A failed
// round is logged and the next tick retries from scratch.
func (t *Trigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil {
				t.logger.Error("discovery round failed", zap.Error(err))
			}
		}
	}
}

// RunOnce polls every subscribed feed once and returns the total number of
// documents queued across feeds.
func (t *Trigger) RunOnce(ctx context.Context) (int, error) {
	feeds, err := t.feeds.ListSubscribedFeeds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscribed feeds: %w", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, feed := range feeds {
		wg.Add(1)
		go func(feedID string) {
			defer wg.Done()
			queued, err := t.worker.Discover(ctx, feedID)
			if err != nil {
				t.logger.Error("feed poll failed",
					zap.String("feed_id", feedID),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			total += queued
			mu.Unlock()
		}(feed.FeedID)
	}
	wg.Wait()
	return total, nil
}
