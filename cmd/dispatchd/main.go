// dispatchd - the incident dispatch engine daemon. Consumes detection events
// from JetStream, drives incidents through analysis and notification, and
// answers responder callbacks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sentinelx/dispatch/pkg/analysis"
	"github.com/sentinelx/dispatch/pkg/engine"
	"github.com/sentinelx/dispatch/pkg/messages"
	natsutil "github.com/sentinelx/dispatch/pkg/nats"
	"github.com/sentinelx/dispatch/pkg/notify"
	"github.com/sentinelx/dispatch/pkg/postgres"
	"github.com/sentinelx/dispatch/pkg/service"
	"github.com/sentinelx/dispatch/pkg/telemetry"
)

// Daemon wires the engine to its transports
type Daemon struct {
	*service.Service
	logger   zerolog.Logger
	engine   *engine.Engine
	db       *postgres.Pool
	consumer jetstream.Consumer
	subs     []*nats.Subscription
}

// subscribeCommands answers responder callbacks and stats requests over
// request-reply
func (d *Daemon) subscribeCommands() error {
	cmdSub, err := d.NATS().Subscribe("cmd.incident.*", func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var cmd messages.IncidentCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			d.reply(msg, messages.CommandReply{OK: false, Error: "malformed command"})
			return
		}

		inc, err := d.engine.Apply(ctx, &cmd)
		reply := messages.CommandReply{OK: err == nil}
		if inc != nil {
			reply.State = inc.State
		}
		switch {
		case errors.Is(err, engine.ErrNotFound):
			reply.Error = "not_found"
		case errors.Is(err, engine.ErrInvalidTransition):
			reply.Error = "invalid_transition"
		case err != nil:
			reply.Error = err.Error()
		}
		d.reply(msg, reply)
	})
	if err != nil {
		return err
	}
	d.subs = append(d.subs, cmdSub)

	statsSub, err := d.NATS().Subscribe("status.engine", func(msg *nats.Msg) {
		data, err := json.Marshal(d.engine.Stats())
		if err != nil {
			return
		}
		if err := msg.Respond(data); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to respond to stats request")
		}
	})
	if err != nil {
		return err
	}
	d.subs = append(d.subs, statsSub)

	return nil
}

func (d *Daemon) reply(msg *nats.Msg, reply messages.CommandReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to respond to command")
	}
}

// consumeDetections feeds the engine from the work queue. A full engine queue
// naks the message so JetStream redelivers it.
func (d *Daemon) consumeDetections(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := d.consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if err == context.DeadlineExceeded || err == context.Canceled {
				continue
			}
			d.logger.Error().Err(err).Msg("Failed to fetch messages")
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			d.handleDetection(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			d.logger.Warn().Err(msgs.Error()).Msg("Message batch error")
		}
	}
}

func (d *Daemon) handleDetection(ctx context.Context, msg jetstream.Msg) {
	var ev messages.DetectionEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		d.logger.Error().Err(err).Msg("Malformed detection event, discarding")
		msg.Term()
		return
	}

	// The ack waits until the engine has the detection in the store; anything
	// still in memory when the process dies gets redelivered.
	err := d.engine.SubmitAck(ctx, &ev, func(procErr error) {
		if procErr != nil {
			d.logger.Warn().Err(procErr).Str("source_id", ev.SourceID).Msg("Detection not persisted, requesting redelivery")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrBusy):
		d.logger.Warn().Str("source_id", ev.SourceID).Msg("Engine queue full, requesting redelivery")
		msg.Nak()
	default:
		// Validation reject, already audited. Redelivery cannot fix it.
		msg.Ack()
	}
}

func buildChannels(logger zerolog.Logger) []notify.Channel {
	var channels []notify.Channel

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		chatID := os.Getenv("TELEGRAM_CHAT_ID")
		channels = append(channels, notify.NewTelegramChannel(token, chatID))
		logger.Info().Msg("Telegram channel configured")
	}

	if url := os.Getenv("DISPATCH_WEBHOOK_URL"); url != "" {
		channels = append(channels, notify.NewWebhookChannel("dispatch-center", url, os.Getenv("DISPATCH_WEBHOOK_TOKEN")))
		logger.Info().Str("url", url).Msg("Dispatch center webhook configured")
	}

	return channels
}

func buildAnalyzer(logger zerolog.Logger) analysis.Client {
	if url := os.Getenv("ANALYSIS_URL"); url != "" {
		logger.Info().Str("url", url).Msg("Using reasoning service")
		return analysis.NewHTTPClient(url, os.Getenv("ANALYSIS_API_KEY"))
	}
	logger.Warn().Msg("ANALYSIS_URL not set, using stub analyzer")
	return &analysis.StubClient{}
}

func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()

	if v := os.Getenv("MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MinConfidence = f
		}
	}
	if v := os.Getenv("DEBOUNCE_WINDOW"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.DebounceWindow = dur
		}
	}
	if v := os.Getenv("RETENTION_TTL"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.RetentionTTL = dur
		}
	}
	if v := os.Getenv("ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}

	return cfg
}

func main() {
	godotenv.Load()

	svc := service.New(service.Config{
		ID:      service.GetEnv("SERVICE_ID", "dispatchd-"+uuid.New().String()[:8]),
		Name:    "dispatchd",
		NATSUrl: service.GetEnv("NATS_URL", "nats://localhost:4222"),
	})
	logger := *svc.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "dispatchd")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	dbURL := service.GetEnv("DATABASE_URL", postgres.DefaultConfig().ConnectionString())
	db, err := postgres.NewPoolFromURL(ctx, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// The publisher and engine are bound after the NATS connection exists.
	daemon := &Daemon{
		Service: svc,
		logger:  logger,
		db:      db,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start metrics server
	go func() {
		metricsAddr := service.GetEnv("METRICS_ADDR", ":9091")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(svc.Metrics(), promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			health := svc.Health()
			if health.Healthy {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			json.NewEncoder(w).Encode(health)
		})
		logger.Info().Str("addr", metricsAddr).Msg("Starting metrics server")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	go func() {
		// NATS must be up before the publisher and engine exist.
		if err := svc.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to start service")
			cancel()
			return
		}

		pub := natsutil.NewPublisher(svc.JetStream(), []byte(os.Getenv("MESSAGE_SECRET")))
		daemon.engine = engine.New(
			engineConfig(),
			db,
			buildAnalyzer(logger),
			buildChannels(logger),
			pub,
			logger,
			svc.Metrics(),
		)

		if err := daemon.run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("Daemon error")
			cancel()
		}
	}()

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if daemon.engine != nil {
		daemon.engine.Stop()
	}
	for _, sub := range daemon.subs {
		sub.Unsubscribe()
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down tracing")
	}

	logger.Info().Msg("Dispatch daemon stopped")
}

// run continues daemon startup after the service connected
func (d *Daemon) run(ctx context.Context) error {
	if err := natsutil.SetupStreams(ctx, d.JetStream()); err != nil {
		return fmt.Errorf("failed to setup streams: %w", err)
	}

	consumer, err := natsutil.SetupConsumer(ctx, d.JetStream(), "DETECTIONS", "engine")
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}
	d.consumer = consumer

	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if err := d.subscribeCommands(); err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	d.logger.Info().Msg("Dispatch daemon started, consuming from DETECTIONS stream")

	return d.consumeDetections(ctx)
}
