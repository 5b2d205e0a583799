package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingHandler struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (h *countingHandler) handle(_ context.Context, _ Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return errors.New("consumer unavailable")
	}
	return nil
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestDeliveryQueueRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &countingHandler{failures: 2}
	dlq := NewMemoryDeadLetterStore()
	q := NewDeliveryQueue(QueueConfig{MaxAttempts: 3}, handler.handle, dlq, zap.NewNop())
	go q.Run(ctx)

	require.NoError(t, q.Deliver(ctx, Event{Direction: DirectionOut}))

	require.Eventually(t, func() bool {
		return handler.callCount() == 3
	}, time.Second, 10*time.Millisecond)

	letters, err := dlq.List(ctx)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func TestDeliveryQueueDeadLettersAfterThreeFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &countingHandler{failures: 10}
	dlq := NewMemoryDeadLetterStore()
	q := NewDeliveryQueue(QueueConfig{MaxAttempts: 3}, handler.handle, dlq, zap.NewNop())
	go q.Run(ctx)

	require.NoError(t, q.Deliver(ctx, Event{
		Direction: DirectionOut,
		Payload:   map[string]any{"document_id": "doc-1"},
	}))

	require.Eventually(t, func() bool {
		letters, listErr := dlq.List(ctx)
		return listErr == nil && len(letters) == 1
	}, time.Second, 10*time.Millisecond)

	// Exactly three attempts, never a fourth.
	require.Equal(t, 3, handler.callCount())

	letters, err := dlq.List(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, letters[0].Attempts)
	require.Equal(t, "consumer unavailable", letters[0].LastError)
	require.Equal(t, "doc-1", letters[0].Event.Payload["document_id"])
}

func TestDeliveryQueueDeliverCanceledContext(t *testing.T) {
	t.Parallel()

	q := NewDeliveryQueue(QueueConfig{Capacity: 1}, func(context.Context, Event) error { return nil },
		NewMemoryDeadLetterStore(), zap.NewNop())

	// Fill the buffer so the second delivery blocks on the context.
	require.NoError(t, q.Deliver(context.Background(), Event{Direction: DirectionOut}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, q.Deliver(ctx, Event{Direction: DirectionOut}))
}

func TestDeliveryQueueDeliverAfterCloseReturnsError(t *testing.T) {
	t.Parallel()

	q := NewDeliveryQueue(QueueConfig{}, func(context.Context, Event) error { return nil },
		NewMemoryDeadLetterStore(), zap.NewNop())
	q.Close()

	// A publisher racing shutdown gets an error, not a panic.
	err := q.Deliver(context.Background(), Event{Direction: DirectionOut})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestDeliveryQueueCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := NewDeliveryQueue(QueueConfig{}, func(context.Context, Event) error { return nil },
		NewMemoryDeadLetterStore(), zap.NewNop())
	q.Close()
	q.Close()
}
