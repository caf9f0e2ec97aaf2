package natsutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Requester sends responder commands to the engine over NATS request-reply
type Requester struct {
	nc *nats.Conn
}

// NewRequester creates a command requester
func NewRequester(nc *nats.Conn) *Requester {
	return &Requester{nc: nc}
}

// Request sends a command and waits for the engine's reply. The caller's
// context bounds the wait.
func (r *Requester) Request(ctx context.Context, cmd *messages.IncidentCommand) (*messages.CommandReply, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	msg, err := r.nc.RequestWithContext(ctx, cmd.Subject(), data)
	if err != nil {
		return nil, fmt.Errorf("command request failed: %w", err)
	}

	var reply messages.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode command reply: %w", err)
	}
	return &reply, nil
}
