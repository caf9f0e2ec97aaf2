// Detector Simulator
// Generates synthetic accident detection events simulating roadside camera feeds
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelx/dispatch/pkg/messages"
	natsutil "github.com/sentinelx/dispatch/pkg/nats"
	"github.com/sentinelx/dispatch/pkg/service"
)

// Configuration limits
const (
	MinEmissionInterval = 100 * time.Millisecond
	MaxEmissionInterval = time.Minute
	MinCameraCount      = 1
	MaxCameraCount      = 200

	DefaultEmissionInterval = 2 * time.Second
	DefaultCameraCount      = 20
	DefaultAccidentRate     = 0.05
)

// SimConfig holds the runtime configuration for the simulator
type SimConfig struct {
	mu sync.RWMutex

	emissionInterval time.Duration
	cameraCount      int
	accidentRate     float64
	paused           bool
}

// NewSimConfig creates a SimConfig with default values
func NewSimConfig() *SimConfig {
	return &SimConfig{
		emissionInterval: DefaultEmissionInterval,
		cameraCount:      DefaultCameraCount,
		accidentRate:     DefaultAccidentRate,
	}
}

// SetEmissionInterval sets the emission interval with validation
func (c *SimConfig) SetEmissionInterval(d time.Duration) error {
	if d < MinEmissionInterval || d > MaxEmissionInterval {
		return fmt.Errorf("emission_interval must be between %v and %v", MinEmissionInterval, MaxEmissionInterval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emissionInterval = d
	return nil
}

// SetCameraCount sets the camera count with validation
func (c *SimConfig) SetCameraCount(count int) error {
	if count < MinCameraCount || count > MaxCameraCount {
		return fmt.Errorf("camera_count must be between %d and %d", MinCameraCount, MaxCameraCount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cameraCount = count
	return nil
}

// SetAccidentRate sets the per-tick accident probability with validation
func (c *SimConfig) SetAccidentRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("accident_rate must be between 0 and 1")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accidentRate = rate
	return nil
}

// SetPaused sets the paused state
func (c *SimConfig) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// Snapshot returns a copy of the current configuration
func (c *SimConfig) Snapshot() (interval time.Duration, cameras int, rate float64, paused bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emissionInterval, c.cameraCount, c.accidentRate, c.paused
}

// Reset resets configuration to default values
func (c *SimConfig) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emissionInterval = DefaultEmissionInterval
	c.cameraCount = DefaultCameraCount
	c.accidentRate = DefaultAccidentRate
	c.paused = false
}

// ConfigResponse represents the JSON response for configuration
type ConfigResponse struct {
	EmissionIntervalMS int64   `json:"emission_interval_ms"`
	CameraCount        int     `json:"camera_count"`
	AccidentRate       float64 `json:"accident_rate"`
	Paused             bool    `json:"paused"`
}

// ConfigUpdateRequest represents a partial configuration update request
type ConfigUpdateRequest struct {
	EmissionIntervalMS *int64   `json:"emission_interval_ms,omitempty"`
	CameraCount        *int     `json:"camera_count,omitempty"`
	AccidentRate       *float64 `json:"accident_rate,omitempty"`
	Paused             *bool    `json:"paused,omitempty"`
}

type camera struct {
	id  string
	loc messages.Location
}

// Simulator emits synthetic accident detections from a grid of cameras
type Simulator struct {
	*service.Service

	config *SimConfig
	pub    *natsutil.Publisher

	camerasMu sync.RWMutex
	cameras   []*camera
}

func main() {
	godotenv.Load()

	svc := service.New(service.Config{
		ID:      service.GetEnv("SERVICE_ID", "detector-sim-"+uuid.New().String()[:8]),
		Name:    "detector-sim",
		NATSUrl: service.GetEnv("NATS_URL", "nats://localhost:4222"),
	})

	sim := &Simulator{
		Service: svc,
		config:  NewSimConfig(),
	}

	if v := os.Getenv("EMISSION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			if err := sim.config.SetEmissionInterval(d); err != nil {
				svc.Logger().Warn().Err(err).Msg("Invalid EMISSION_INTERVAL, using default")
			}
		}
	}
	if v := os.Getenv("CAMERA_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if err := sim.config.SetCameraCount(n); err != nil {
				svc.Logger().Warn().Err(err).Msg("Invalid CAMERA_COUNT, using default")
			}
		}
	}
	if v := os.Getenv("ACCIDENT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if err := sim.config.SetAccidentRate(f); err != nil {
				svc.Logger().Warn().Err(err).Msg("Invalid ACCIDENT_RATE, using default")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		svc.Logger().Info().Msg("Shutdown signal received")
		cancel()
	}()

	go sim.startHTTPServer()

	if err := svc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start simulator: %v\n", err)
		os.Exit(1)
	}

	sim.pub = natsutil.NewPublisher(svc.JetStream(), []byte(os.Getenv("MESSAGE_SECRET")))

	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Simulator error: %v\n", err)
		os.Exit(1)
	}

	svc.Stop(context.Background())
}

// startHTTPServer exposes configuration, health, and metrics endpoints
func (s *Simulator) startHTTPServer() {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(s.Metrics(), promhttp.HandlerOpts{}))
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/config", func(r chi.Router) {
		r.Get("/", s.handleGetConfig)
		r.Patch("/", s.handlePatchConfig)
		r.Post("/reset", s.handleResetConfig)
	})

	addr := service.GetEnv("SIM_ADDR", ":9092")
	s.Logger().Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := http.ListenAndServe(addr, r); err != nil {
		s.Logger().Error().Err(err).Msg("HTTP server error")
	}
}

// handleHealth handles GET /health
func (s *Simulator) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if health.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

// handleGetConfig handles GET /api/v1/config
func (s *Simulator) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	interval, cameras, rate, paused := s.config.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ConfigResponse{
		EmissionIntervalMS: interval.Milliseconds(),
		CameraCount:        cameras,
		AccidentRate:       rate,
		Paused:             paused,
	})
}

// handlePatchConfig handles PATCH /api/v1/config
func (s *Simulator) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if req.EmissionIntervalMS != nil {
		interval := time.Duration(*req.EmissionIntervalMS) * time.Millisecond
		if err := s.config.SetEmissionInterval(interval); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Logger().Info().Dur("emission_interval", interval).Msg("Updated emission interval")
	}

	if req.CameraCount != nil {
		if err := s.config.SetCameraCount(*req.CameraCount); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.rebuildCameras(*req.CameraCount)
		s.Logger().Info().Int("camera_count", *req.CameraCount).Msg("Updated camera count")
	}

	if req.AccidentRate != nil {
		if err := s.config.SetAccidentRate(*req.AccidentRate); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Logger().Info().Float64("accident_rate", *req.AccidentRate).Msg("Updated accident rate")
	}

	if req.Paused != nil {
		s.config.SetPaused(*req.Paused)
		s.Logger().Info().Bool("paused", *req.Paused).Msg("Updated paused state")
	}

	s.handleGetConfig(w, r)
}

// handleResetConfig handles POST /api/v1/config/reset
func (s *Simulator) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	s.config.Reset()
	s.rebuildCameras(DefaultCameraCount)
	s.Logger().Info().Msg("Configuration reset to defaults")
	s.handleGetConfig(w, r)
}

func (s *Simulator) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

// rebuildCameras places cameras on a rough city grid
func (s *Simulator) rebuildCameras(count int) {
	s.camerasMu.Lock()
	defer s.camerasMu.Unlock()

	s.cameras = make([]*camera, 0, count)
	for i := 0; i < count; i++ {
		s.cameras = append(s.cameras, &camera{
			id: fmt.Sprintf("cam-%03d", i+1),
			loc: messages.Location{
				Lat: 52.48 + rand.Float64()*0.12,
				Lon: 13.28 + rand.Float64()*0.25,
			},
		})
	}
}

// Run starts the emission loop
func (s *Simulator) Run(ctx context.Context) error {
	if err := natsutil.SetupStreams(ctx, s.JetStream()); err != nil {
		return fmt.Errorf("failed to setup streams: %w", err)
	}

	interval, cameras, rate, _ := s.config.Snapshot()
	s.rebuildCameras(cameras)
	s.Logger().Info().
		Dur("interval", interval).
		Int("camera_count", cameras).
		Float64("accident_rate", rate).
		Msg("Starting detector simulation")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			currentInterval, _, _, paused := s.config.Snapshot()
			if currentInterval != interval {
				ticker.Reset(currentInterval)
				interval = currentInterval
			}
			if paused {
				continue
			}
			s.emitDetections(ctx)
		}
	}
}

// emitDetections rolls each camera against the accident rate. A hit emits a
// short burst of overlapping frames so the engine's debounce path gets
// exercised the way a real feed would exercise it.
func (s *Simulator) emitDetections(ctx context.Context) {
	_, _, rate, _ := s.config.Snapshot()

	s.camerasMu.RLock()
	cams := make([]*camera, len(s.cameras))
	copy(cams, s.cameras)
	s.camerasMu.RUnlock()

	for _, cam := range cams {
		if rand.Float64() >= rate {
			continue
		}

		correlationID := uuid.New().String()
		vehicles := 1 + rand.Intn(4)
		confidence := 0.7 + rand.Float64()*0.29
		indicators := rollIndicators(vehicles)

		frames := 1 + rand.Intn(3)
		for i := 0; i < frames; i++ {
			ev := messages.NewDetectionEvent(cam.id)
			ev.Envelope.CorrelationID = correlationID
			ev.Location = messages.Location{
				Lat: cam.loc.Lat + (rand.Float64()-0.5)*0.0004,
				Lon: cam.loc.Lon + (rand.Float64()-0.5)*0.0004,
			}
			ev.Confidence = clamp(confidence+(rand.Float64()-0.5)*0.05, 0.1, 1.0)
			ev.VehicleCount = vehicles
			ev.Indicators = indicators
			ev.EvidenceRef = fmt.Sprintf("s3://detector-frames/%s/%s.jpg", cam.id, ev.Envelope.MessageID)

			if err := s.pub.PublishDetection(ctx, ev); err != nil {
				s.Logger().Error().Err(err).Str("camera", cam.id).Msg("Failed to publish detection")
				continue
			}
		}

		s.Logger().Info().
			Str("camera", cam.id).
			Str("correlation_id", correlationID).
			Int("vehicles", vehicles).
			Int("frames", frames).
			Strs("indicators", indicators).
			Msg("Emitted accident burst")
	}
}

func rollIndicators(vehicles int) []string {
	var out []string
	if rand.Float64() < 0.15 {
		out = append(out, messages.IndicatorFireHazard)
	}
	if rand.Float64() < 0.10 {
		out = append(out, messages.IndicatorCasualtiesLikely)
	}
	if vehicles >= 3 && rand.Float64() < 0.4 {
		out = append(out, messages.IndicatorSevereDamage)
	}
	if rand.Float64() < 0.05 {
		out = append(out, messages.IndicatorFuelSpill)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
