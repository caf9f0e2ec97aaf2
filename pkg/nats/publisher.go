package natsutil

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Publisher signs and publishes messages to JetStream
type Publisher struct {
	js     jetstream.JetStream
	secret []byte
}

// NewPublisher creates a publisher. An empty secret disables signing.
func NewPublisher(js jetstream.JetStream, secret []byte) *Publisher {
	return &Publisher{js: js, secret: secret}
}

// Publish marshals, signs, and publishes a message on its subject
func (p *Publisher) Publish(ctx context.Context, msg messages.Message) error {
	data, err := messages.MarshalWithSignature(msg, p.secret)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := p.js.Publish(ctx, msg.Subject(), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject(), err)
	}
	return nil
}

// PublishIncidentEvent publishes a lifecycle event
func (p *Publisher) PublishIncidentEvent(ctx context.Context, ev *messages.IncidentEvent) error {
	return p.Publish(ctx, ev)
}

// PublishDetection publishes a detection event
func (p *Publisher) PublishDetection(ctx context.Context, ev *messages.DetectionEvent) error {
	return p.Publish(ctx, ev)
}
