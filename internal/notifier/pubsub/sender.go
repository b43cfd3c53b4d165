// Package pubsub delivers owner notifications through Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Sender publishes notifications to a topic. A downstream subscriber resolves
// the recipient reference and performs the actual delivery.
type Sender struct {
	topic *pubsub.Topic
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) *Sender {
	return &Sender{topic: topic}
}

// NewFromClient resolves topicID on client.
func NewFromClient(client *pubsub.Client, topicID string) (*Sender, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("notify.topic is required")
	}
	return New(client.Topic(topicID)), nil
}

// Send marshals the notification to JSON and waits for the publish ack.
func (s *Sender) Send(ctx context.Context, n tracker.Notification) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"recipient": n.RecipientRef,
			"action":    n.Action,
			"item":      n.ItemRef,
		},
	}
	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (s *Sender) Stop() {
	if s.topic != nil {
		s.topic.Stop()
	}
}
