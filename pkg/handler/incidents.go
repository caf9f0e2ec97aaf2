package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sentinelx/dispatch/pkg/engine"
	"github.com/sentinelx/dispatch/pkg/messages"
	"github.com/sentinelx/dispatch/pkg/postgres"
)

// Commander routes responder callbacks to the engine
type Commander interface {
	Request(ctx context.Context, cmd *messages.IncidentCommand) (*messages.CommandReply, error)
}

// IncidentHandler handles incident query and callback requests
type IncidentHandler struct {
	db        *postgres.Pool
	commander Commander
	logger    zerolog.Logger
}

// NewIncidentHandler creates a new IncidentHandler
func NewIncidentHandler(db *postgres.Pool, commander Commander, logger zerolog.Logger) *IncidentHandler {
	return &IncidentHandler{
		db:        db,
		commander: commander,
		logger:    logger.With().Str("handler", "incidents").Logger(),
	}
}

// Routes returns the incident routes
func (h *IncidentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListIncidents)
	r.Get("/{incidentId}", h.GetIncident)
	r.Post("/{incidentId}/acknowledge", h.command(messages.ActionAcknowledge))
	r.Post("/{incidentId}/resolve", h.command(messages.ActionResolve))
	r.Post("/{incidentId}/cancel", h.command(messages.ActionCancel))

	return r
}

// IncidentResponse represents an incident in API responses. State reads as
// EXPIRED once the retention deadline passes, regardless of stored state.
type IncidentResponse struct {
	IncidentID   string                              `json:"incident_id"`
	Fingerprint  string                              `json:"fingerprint"`
	State        string                              `json:"state"`
	Severity     string                              `json:"severity,omitempty"`
	Degraded     bool                                `json:"degraded"`
	Snapshot     messages.DetectionSnapshot          `json:"snapshot"`
	Analysis     *messages.AnalysisResult            `json:"analysis,omitempty"`
	Dispatches   map[string]*messages.DispatchRecord `json:"dispatches,omitempty"`
	CreatedAt    time.Time                           `json:"created_at"`
	UpdatedAt    time.Time                           `json:"updated_at"`
	ExpiresAt    time.Time                           `json:"expires_at"`
	ResponseTime string                              `json:"response_time,omitempty"`
}

func toIncidentResponse(inc *messages.Incident, now time.Time) IncidentResponse {
	state := string(inc.State)
	if inc.Expired(now) && !inc.State.Terminal() {
		state = "EXPIRED"
	}

	resp := IncidentResponse{
		IncidentID:  inc.ID,
		Fingerprint: inc.Fingerprint,
		State:       state,
		Severity:    string(inc.Severity()),
		Degraded:    inc.Degraded,
		Snapshot:    inc.Snapshot,
		Analysis:    inc.Analysis,
		Dispatches:  inc.Dispatches,
		CreatedAt:   inc.CreatedAt,
		UpdatedAt:   inc.UpdatedAt,
		ExpiresAt:   inc.ExpiresAt,
	}
	if inc.ResponseTime > 0 {
		resp.ResponseTime = inc.ResponseTime.String()
	}
	return resp
}

// IncidentListResponse represents the response for listing incidents
type IncidentListResponse struct {
	Incidents     []IncidentResponse `json:"incidents"`
	Total         int                `json:"total"`
	Limit         int                `json:"limit"`
	Offset        int                `json:"offset"`
	CorrelationID string             `json:"correlation_id"`
}

// ListIncidents handles GET /api/v1/incidents
func (h *IncidentHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	filter := postgres.IncidentFilter{
		State:    strings.ToUpper(r.URL.Query().Get("state")),
		Severity: r.URL.Query().Get("severity"),
		SourceID: r.URL.Query().Get("source_id"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			filter.Since = &since
		}
	}

	var (
		incidents []*messages.Incident
		err       error
	)
	if r.URL.Query().Get("active") == "true" {
		var since time.Time
		if filter.Since != nil {
			since = *filter.Since
		}
		incidents, err = h.db.ListActive(ctx, since, messages.SeverityTier(filter.Severity))
	} else {
		incidents, err = h.db.ListIncidents(ctx, filter)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list incidents")
		WriteError(w, http.StatusInternalServerError, "Failed to list incidents", correlationID)
		return
	}

	now := time.Now().UTC()
	response := IncidentListResponse{
		Incidents:     make([]IncidentResponse, 0, len(incidents)),
		Total:         len(incidents),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		CorrelationID: correlationID,
	}
	for _, inc := range incidents {
		response.Incidents = append(response.Incidents, toIncidentResponse(inc, now))
	}

	WriteJSON(w, http.StatusOK, response)
}

// IncidentDetailResponse represents the detailed response for one incident
type IncidentDetailResponse struct {
	Incident      IncidentResponse `json:"incident"`
	CorrelationID string           `json:"correlation_id"`
}

// GetIncident handles GET /api/v1/incidents/{incidentId}
func (h *IncidentHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	incidentID := chi.URLParam(r, "incidentId")

	if incidentID == "" {
		WriteError(w, http.StatusBadRequest, "Incident ID is required", correlationID)
		return
	}

	inc, err := h.db.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Incident not found", correlationID)
			return
		}
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Str("incident_id", incidentID).Msg("Failed to get incident")
		WriteError(w, http.StatusInternalServerError, "Failed to get incident", correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, IncidentDetailResponse{
		Incident:      toIncidentResponse(inc, time.Now().UTC()),
		CorrelationID: correlationID,
	})
}

// CommandRequest is the optional callback request body
type CommandRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
	Note        string `json:"note,omitempty"`
}

// CommandResponse reports the outcome of a responder callback
type CommandResponse struct {
	IncidentID    string `json:"incident_id"`
	Action        string `json:"action"`
	State         string `json:"state,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// command builds a handler for one responder callback action. The command is
// answered synchronously by the engine over the bus, so out-of-order
// callbacks surface as 409 here.
func (h *IncidentHandler) command(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		correlationID := GetCorrelationID(ctx)
		incidentID := chi.URLParam(r, "incidentId")

		if incidentID == "" {
			WriteError(w, http.StatusBadRequest, "Incident ID is required", correlationID)
			return
		}

		var req CommandRequest
		if r.ContentLength > 0 {
			if err := DecodeJSON(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "Invalid request body", correlationID)
				return
			}
		}

		cmd := &messages.IncidentCommand{
			BaseMessage: messages.BaseMessage{
				Envelope: messages.NewEnvelope("api-gateway", "gateway").WithCorrelation(correlationID, ""),
			},
			IncidentID:  incidentID,
			Action:      action,
			RequestedBy: req.RequestedBy,
			Note:        req.Note,
		}

		cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		reply, err := h.commander.Request(cmdCtx, cmd)
		if err != nil {
			h.logger.Error().Err(err).
				Str("correlation_id", correlationID).
				Str("incident_id", incidentID).
				Str("action", action).
				Msg("Callback request failed")
			WriteError(w, http.StatusServiceUnavailable, "Engine unavailable", correlationID)
			return
		}

		if !reply.OK {
			status := http.StatusConflict
			reason := "INVALID_TRANSITION"
			if reply.Error == "not_found" {
				status = http.StatusNotFound
				reason = "NOT_FOUND"
			}
			h.logger.Warn().
				Str("correlation_id", correlationID).
				Str("incident_id", incidentID).
				Str("action", action).
				Str("state", string(reply.State)).
				Msg("Callback rejected")
			WriteErrorReason(w, status, reason, reply.Error, correlationID)
			return
		}

		WriteJSON(w, http.StatusOK, CommandResponse{
			IncidentID:    incidentID,
			Action:        action,
			State:         string(reply.State),
			CorrelationID: correlationID,
		})
	}
}
