package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sentinelx/dispatch/pkg/postgres"
)

// EngineStatsSubject is the request subject answered by the running engine
const EngineStatsSubject = "status.engine"

// StatusHandler reports system health and aggregate incident counts
type StatusHandler struct {
	db     *postgres.Pool
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(db *postgres.Pool, nc *nats.Conn, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		db:     db,
		nc:     nc,
		logger: logger.With().Str("handler", "status").Logger(),
	}
}

// Routes returns the status routes
func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetStatus)
	return r
}

// StatusResponse is the system status body
type StatusResponse struct {
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    map[string]string `json:"components"`
	Summary       *postgres.Summary `json:"summary,omitempty"`
	Engine        json.RawMessage   `json:"engine,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

// GetStatus handles GET /api/v1/status. Engine counters are fetched from the
// running engine over the bus; when it does not answer, the stored summary
// still goes out.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	resp := StatusResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC(),
		Components:    make(map[string]string),
		CorrelationID: correlationID,
	}

	if err := h.db.Health(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["postgres"] = "unhealthy"
	} else {
		resp.Components["postgres"] = "healthy"

		summary, err := h.db.GetSummary(ctx)
		if err != nil {
			h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to load summary")
		} else {
			resp.Summary = summary
		}
	}

	if h.nc == nil || !h.nc.IsConnected() {
		resp.Status = "degraded"
		resp.Components["nats"] = "disconnected"
	} else {
		resp.Components["nats"] = "connected"

		statsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msg, err := h.nc.RequestWithContext(statsCtx, EngineStatsSubject, nil)
		cancel()
		if err != nil {
			resp.Components["engine"] = "unreachable"
		} else {
			resp.Components["engine"] = "healthy"
			resp.Engine = msg.Data
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}
