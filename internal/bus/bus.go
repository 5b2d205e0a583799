package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Subscriber receives a durable copy of each matched event. The routed
// delivery queue is the canonical implementation; outbound transport
// adapters satisfy it as well.
type Subscriber interface {
	Deliver(ctx context.Context, evt Event) error
}

type subscription struct {
	policy FilterPolicy
	sub    Subscriber
}

// Bus routes published events to subscriptions whose filter policy matches
// the event attributes. Each matched subscriber receives its own copy
// independent of delivery outcome to any other subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

// New constructs a Bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber behind a filter policy.
func (b *Bus) Subscribe(policy FilterPolicy, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{policy: policy, sub: sub})
}

// Publish evaluates every subscription filter against the event attributes
// and delivers a copy to each match. A failed delivery never blocks the
// remaining subscribers; all failures are surfaced to the caller.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	attrs := evt.attributes()

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !s.policy.Matches(attrs) {
			continue
		}
		if err := s.sub.Deliver(ctx, evt); err != nil {
			b.logger.Error("event delivery failed",
				zap.String("direction", string(evt.Direction)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("deliver event: %w", err))
		}
	}
	return errors.Join(errs...)
}
