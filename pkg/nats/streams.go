// Package natsutil provides NATS JetStream configuration and helpers
package natsutil

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfigs defines all streams used by the dispatch platform
var StreamConfigs = map[string]jetstream.StreamConfig{
	"DETECTIONS": {
		Name:        "DETECTIONS",
		Description: "Raw accident detection events awaiting the engine",
		Subjects:    []string{"detect.>"},
		Retention:   jetstream.WorkQueuePolicy, // Consume once
		MaxBytes:    1 * 1024 * 1024 * 1024,    // 1GB
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	},
	"INCIDENTS": {
		Name:              "INCIDENTS",
		Description:       "Incident lifecycle events",
		Subjects:          []string{"incident.>"},
		Retention:         jetstream.LimitsPolicy,
		MaxBytes:          2 * 1024 * 1024 * 1024, // 2GB
		MaxAge:            7 * 24 * time.Hour,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Discard:           jetstream.DiscardOld,
		MaxMsgsPerSubject: 100000,
	},
}

// ConsumerConfigs defines durable consumers per service
var ConsumerConfigs = map[string]jetstream.ConsumerConfig{
	"engine": {
		Durable:       "engine",
		Description:   "Dispatch engine consumer for detection events",
		FilterSubject: "detect.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		// Naks come from engine overload and store outages; give those a few
		// more redelivery rounds before the detection is lost.
		MaxDeliver:    5,
		MaxAckPending: 1000,
	},
}

// SetupStreams creates all required streams
func SetupStreams(ctx context.Context, js jetstream.JetStream) error {
	for name, cfg := range StreamConfigs {
		_, err := js.Stream(ctx, name)
		if err == nil {
			continue // Stream exists
		}

		_, err = js.CreateStream(ctx, cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetupConsumer creates a consumer for a service
func SetupConsumer(ctx context.Context, js jetstream.JetStream, streamName, consumerName string) (jetstream.Consumer, error) {
	cfg, ok := ConsumerConfigs[consumerName]
	if !ok {
		cfg = jetstream.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    3,
			MaxAckPending: 100,
		}
	}

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.Consumer(ctx, cfg.Durable)
	if err == nil {
		return consumer, nil
	}

	return stream.CreateConsumer(ctx, cfg)
}
