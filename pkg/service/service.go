// Package service provides shared runtime plumbing for the dispatch binaries
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds the common service configuration
type Config struct {
	ID      string
	Name    string
	NATSUrl string
}

// HealthStatus describes a service health check result
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Service bundles the NATS connection, logger, and metrics registry shared by
// every dispatch binary
type Service struct {
	id     string
	name   string
	config Config

	nc *nats.Conn
	js jetstream.JetStream

	logger   zerolog.Logger
	registry *prometheus.Registry

	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
}

// New creates a service with logger and metrics registry set up
func New(cfg Config) *Service {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service_id", cfg.ID).
		Str("service", cfg.Name).
		Logger()

	return &Service{
		id:       cfg.ID,
		name:     cfg.Name,
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
}

// ID returns the service instance ID
func (s *Service) ID() string {
	return s.id
}

// Logger returns the service logger
func (s *Service) Logger() *zerolog.Logger {
	return &s.logger
}

// NATS returns the NATS connection
func (s *Service) NATS() *nats.Conn {
	return s.nc
}

// JetStream returns the JetStream context
func (s *Service) JetStream() jetstream.JetStream {
	return s.js
}

// Metrics returns the Prometheus registry
func (s *Service) Metrics() *prometheus.Registry {
	return s.registry
}

// Connect establishes the NATS connection with reconnect handling
func (s *Service) Connect(ctx context.Context) error {
	s.logger.Info().Str("url", s.config.NATSUrl).Msg("Connecting to NATS")

	opts := []nats.Option{
		nats.Name(s.id),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(s.config.NATSUrl, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.js = js
	s.logger.Info().Msg("Connected to NATS with JetStream")

	return nil
}

// Health returns the health status
func (s *Service) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return HealthStatus{Healthy: false, Status: "stopped"}
	}

	if s.nc == nil || !s.nc.IsConnected() {
		return HealthStatus{Healthy: false, Status: "disconnected", Details: "NATS connection lost"}
	}

	return HealthStatus{Healthy: true, Status: "running"}
}

// Start begins the service lifecycle
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service already running")
	}
	s.running = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.logger.Info().Msg("Service started")
	return nil
}

// Stop gracefully stops the service
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info().Msg("Stopping service")

	if s.cancel != nil {
		s.cancel()
	}

	if s.nc != nil {
		s.nc.Close()
	}

	s.running = false
	s.logger.Info().Msg("Service stopped")
	return nil
}

// EnsureStream creates a stream if it doesn't exist
func (s *Service) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := s.js.Stream(ctx, cfg.Name)
	if err == nil {
		return stream, nil
	}

	stream, err = s.js.CreateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}

	s.logger.Info().Str("stream", cfg.Name).Msg("Created stream")
	return stream, nil
}

// EnsureConsumer creates a consumer if it doesn't exist
func (s *Service) EnsureConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	st, err := s.js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("stream %s not found: %w", stream, err)
	}

	consumer, err := st.Consumer(ctx, cfg.Durable)
	if err == nil {
		return consumer, nil
	}

	consumer, err = st.CreateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", cfg.Durable, err)
	}

	s.logger.Info().Str("consumer", cfg.Durable).Str("stream", stream).Msg("Created consumer")
	return consumer, nil
}

// GetEnv reads an environment variable with a default
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
