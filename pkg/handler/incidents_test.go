package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelx/dispatch/pkg/messages"
)

type fakeCommander struct {
	reply *messages.CommandReply
	err   error
	got   *messages.IncidentCommand
}

func (f *fakeCommander) Request(ctx context.Context, cmd *messages.IncidentCommand) (*messages.CommandReply, error) {
	f.got = cmd
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func postCommand(t *testing.T, h *IncidentHandler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// TestCommandAcknowledge tests a successful responder callback
func TestCommandAcknowledge(t *testing.T) {
	cmdr := &fakeCommander{reply: &messages.CommandReply{OK: true, State: messages.StateAcknowledged}}
	h := NewIncidentHandler(nil, cmdr, zerolog.Nop())

	rec := postCommand(t, h, "/inc-42/acknowledge", CommandRequest{RequestedBy: "unit-7"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inc-42", resp.IncidentID)
	assert.Equal(t, messages.ActionAcknowledge, resp.Action)
	assert.Equal(t, string(messages.StateAcknowledged), resp.State)

	require.NotNil(t, cmdr.got)
	assert.Equal(t, "inc-42", cmdr.got.IncidentID)
	assert.Equal(t, messages.ActionAcknowledge, cmdr.got.Action)
	assert.Equal(t, "unit-7", cmdr.got.RequestedBy)
}

// TestCommandRejections tests engine-refused callbacks
func TestCommandRejections(t *testing.T) {
	tests := []struct {
		name       string
		reply      *messages.CommandReply
		wantStatus int
		wantReason string
	}{
		{
			name:       "unknown incident",
			reply:      &messages.CommandReply{OK: false, Error: "not_found"},
			wantStatus: http.StatusNotFound,
			wantReason: "NOT_FOUND",
		},
		{
			name:       "out of order callback",
			reply:      &messages.CommandReply{OK: false, State: messages.StateResolved, Error: "invalid_transition"},
			wantStatus: http.StatusConflict,
			wantReason: "INVALID_TRANSITION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmdr := &fakeCommander{reply: tt.reply}
			h := NewIncidentHandler(nil, cmdr, zerolog.Nop())

			rec := postCommand(t, h, "/inc-42/resolve", nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

// TestCommandEngineUnavailable tests bus request failures
func TestCommandEngineUnavailable(t *testing.T) {
	cmdr := &fakeCommander{err: errors.New("nats: timeout")}
	h := NewIncidentHandler(nil, cmdr, zerolog.Nop())

	rec := postCommand(t, h, "/inc-42/cancel", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestCommandRouting tests that each callback route carries its action
func TestCommandRouting(t *testing.T) {
	for _, action := range []string{messages.ActionAcknowledge, messages.ActionResolve, messages.ActionCancel} {
		cmdr := &fakeCommander{reply: &messages.CommandReply{OK: true, State: messages.StateResolved}}
		h := NewIncidentHandler(nil, cmdr, zerolog.Nop())

		rec := postCommand(t, h, "/inc-42/"+action, nil)
		require.Equal(t, http.StatusOK, rec.Code, "action %s", action)
		assert.Equal(t, action, cmdr.got.Action)
	}
}
