// Package events signals the downstream classification collaborator over NATS
// JetStream. The signal is fire-and-forget: callers never depend on its
// outcome.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	streamName            = "MAIL_EVENTS"
	classificationSubject = "mail.classification.pending"
)

// Publisher wraps NATS JetStream for publishing engine events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and prepares a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the MAIL_EVENTS stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// PendingClassification announces that count new emails are available for the
// downstream classifier.
func (p *Publisher) PendingClassification(ctx context.Context, count int) error {
	payload, err := json.Marshal(map[string]any{
		"event_id": uuid.NewString(),
		"ts":       time.Now().Unix(),
		"count":    count,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = p.js.Publish(classificationSubject, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
