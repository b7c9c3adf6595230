// Package pubsub publishes run events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Message attributes set on every event.
const (
	AttrEventType = "event_type"
	AttrSource    = "source"
	sourceName    = "market-index-scraper"
)

// topic is the subset of *pubsub.Topic used here.
type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic topic
}

// New creates a Publisher for the provided topic.
func New(t *pubsub.Topic) *Publisher {
	if t == nil {
		return &Publisher{}
	}
	return &Publisher{topic: t}
}

// Publish marshals the payload to JSON and publishes it, blocking until the
// server acknowledges the message. eventType becomes a message attribute.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrEventType: eventType,
			AttrSource:    sourceName,
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
