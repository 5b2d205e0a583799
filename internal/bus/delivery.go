package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/metrics"
)

// Handler processes one delivered event. A non-nil error triggers a retry
// until the attempt limit is exhausted.
type Handler func(ctx context.Context, evt Event) error

// DeadLetter holds a message that exhausted its delivery attempts.
type DeadLetter struct {
	Event     Event     `json:"event"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterStore retains exhausted messages for manual inspection and
// reprocessing. Messages are never silently dropped.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context) ([]DeadLetter, error)
}

// QueueConfig controls DeliveryQueue behavior.
type QueueConfig struct {
	// MaxAttempts bounds handler invocations per message (default 3).
	MaxAttempts int
	// Capacity is the durable buffer depth (default 256).
	Capacity int
}

// DeliveryQueue is the routed consumer queue behind the bus. A message is
// durable once Deliver returns; the run loop invokes the handler with
// at-least-once semantics and moves exhausted messages to the dead-letter
// store. Deliver also accepts direct submissions from scheduling components,
// not only bus-routed traffic.
type DeliveryQueue struct {
	cfg     QueueConfig
	ch      chan Event
	handler Handler
	dlq     DeadLetterStore
	logger  *zap.Logger

	closeMu sync.RWMutex
	closed  bool
}

// ErrQueueClosed is returned by Deliver after Close. Late publishers racing
// shutdown get an error instead of a send on a closed channel.
var ErrQueueClosed = errors.New("delivery queue closed")

// NewDeliveryQueue constructs a DeliveryQueue.
func NewDeliveryQueue(cfg QueueConfig, handler Handler, dlq DeadLetterStore, logger *zap.Logger) *DeliveryQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryQueue{
		cfg:     cfg,
		ch:      make(chan Event, cfg.Capacity),
		handler: handler,
		dlq:     dlq,
		logger:  logger,
	}
}

// Deliver enqueues an event for consumption or returns if the context ends.
// The read lock is held across the send so Close cannot close the channel
// underneath it.
func (q *DeliveryQueue) Deliver(ctx context.Context, evt Event) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("deliver canceled: %w", ctx.Err())
	case q.ch <- evt:
		return nil
	}
}

// Run blocks, consuming queued events until the context finishes.
func (q *DeliveryQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-q.ch:
			if !ok {
				return
			}
			q.process(ctx, evt)
		}
	}
}

func (q *DeliveryQueue) process(ctx context.Context, evt Event) {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if err := q.handler(ctx, evt); err != nil {
			lastErr = err
			q.logger.Warn("message handling failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", q.cfg.MaxAttempts),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveDelivery("ok")
		return
	}

	metrics.ObserveDelivery("dead_letter")
	dl := DeadLetter{
		Event:     evt,
		Attempts:  q.cfg.MaxAttempts,
		LastError: lastErr.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if err := q.dlq.Add(ctx, dl); err != nil {
		q.logger.Error("dead-letter store append failed", zap.Error(err))
	}
}

// Close closes the underlying channel for shutdown.
func (q *DeliveryQueue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

// MemoryDeadLetterStore keeps dead letters in memory for development and
// tests.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []DeadLetter
}

// NewMemoryDeadLetterStore constructs a MemoryDeadLetterStore.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// Add appends a dead letter.
func (s *MemoryDeadLetterStore) Add(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

// List returns the retained dead letters.
func (s *MemoryDeadLetterStore) List(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out, nil
}
