package engine

import (
	"errors"
	"fmt"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// ErrInvalidTransition is returned when a lifecycle transition is not allowed
// from the incident's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the complete lifecycle graph. Any edge not listed here is
// rejected.
var transitions = map[messages.IncidentState][]messages.IncidentState{
	messages.StateReceived:     {messages.StateAnalyzing, messages.StateCancelled},
	messages.StateAnalyzing:    {messages.StateAnalyzed, messages.StateCancelled},
	messages.StateAnalyzed:     {messages.StateDispatching, messages.StateCancelled},
	messages.StateDispatching:  {messages.StateDispatched, messages.StateDispatchDeadLetter, messages.StateCancelled},
	messages.StateDispatched:   {messages.StateAcknowledged, messages.StateCancelled},
	messages.StateAcknowledged: {messages.StateResolved, messages.StateCancelled},
}

// CanTransition reports whether the edge from -> to exists in the lifecycle
func CanTransition(from, to messages.IncidentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to messages.IncidentState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
