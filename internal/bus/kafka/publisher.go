// Package kafka implements a Kafka outbound transport for the event bus.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/docstream/ingestor/internal/bus"
)

// Producer defines the interface for producing messages to Kafka.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher forwards bus events to a Kafka topic. Event attributes become
// record headers so consumers can filter without decoding the payload.
type Publisher struct {
	client Producer
	topic  string
}

// New creates a Publisher producing to the given topic.
func New(client *kgo.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

// Deliver produces one record per event synchronously.
func (p *Publisher) Deliver(ctx context.Context, evt bus.Event) error {
	if p.client == nil {
		return fmt.Errorf("kafka client is not configured")
	}
	record, err := eventToRecord(evt, p.topic)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func eventToRecord(evt bus.Event, topic string) (*kgo.Record, error) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	headers := make([]kgo.RecordHeader, 0, len(evt.Attributes)+1)
	headers = append(headers, kgo.RecordHeader{Key: bus.AttrDirection, Value: []byte(evt.Direction)})
	for k, v := range evt.Attributes {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	rec := &kgo.Record{
		Topic:   topic,
		Key:     []byte(evt.Attributes["document_id"]),
		Value:   data,
		Headers: headers,
	}
	return rec, nil
}
