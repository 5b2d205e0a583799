// Package pubsub implements a Google Cloud Pub/Sub outbound transport for
// the event bus.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/docstream/ingestor/internal/bus"
)

// Publisher forwards bus events to a Pub/Sub topic, carrying the event
// attributes (including direction) as message attributes so downstream
// subscriptions can apply the same filter policies.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Deliver marshals the event payload to JSON and publishes it to the topic.
func (p *Publisher) Deliver(ctx context.Context, evt bus.Event) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string, len(evt.Attributes)+1)
	for k, v := range evt.Attributes {
		msg.Attributes[k] = v
	}
	msg.Attributes[bus.AttrDirection] = string(evt.Direction)

	result := p.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}
