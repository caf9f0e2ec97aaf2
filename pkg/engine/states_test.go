package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// TestLifecycleTransitions tests the complete transition table
func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    messages.IncidentState
		to      messages.IncidentState
		allowed bool
	}{
		{name: "received to analyzing", from: messages.StateReceived, to: messages.StateAnalyzing, allowed: true},
		{name: "analyzing to analyzed", from: messages.StateAnalyzing, to: messages.StateAnalyzed, allowed: true},
		{name: "analyzed to dispatching", from: messages.StateAnalyzed, to: messages.StateDispatching, allowed: true},
		{name: "dispatching to dispatched", from: messages.StateDispatching, to: messages.StateDispatched, allowed: true},
		{name: "dispatching to dead letter", from: messages.StateDispatching, to: messages.StateDispatchDeadLetter, allowed: true},
		{name: "dispatched to acknowledged", from: messages.StateDispatched, to: messages.StateAcknowledged, allowed: true},
		{name: "acknowledged to resolved", from: messages.StateAcknowledged, to: messages.StateResolved, allowed: true},

		{name: "skip analysis", from: messages.StateReceived, to: messages.StateDispatching, allowed: false},
		{name: "resolve before acknowledge", from: messages.StateDispatched, to: messages.StateResolved, allowed: false},
		{name: "acknowledge before dispatch", from: messages.StateAnalyzed, to: messages.StateAcknowledged, allowed: false},
		{name: "backwards edge", from: messages.StateDispatched, to: messages.StateAnalyzing, allowed: false},
		{name: "out of resolved", from: messages.StateResolved, to: messages.StateAcknowledged, allowed: false},
		{name: "out of cancelled", from: messages.StateCancelled, to: messages.StateAnalyzing, allowed: false},
		{name: "out of dead letter", from: messages.StateDispatchDeadLetter, to: messages.StateDispatching, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
			err := checkTransition(tt.from, tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

// TestCancelReachableFromNonTerminalStates tests the universal cancel edge
func TestCancelReachableFromNonTerminalStates(t *testing.T) {
	nonTerminal := []messages.IncidentState{
		messages.StateReceived,
		messages.StateAnalyzing,
		messages.StateAnalyzed,
		messages.StateDispatching,
		messages.StateDispatched,
		messages.StateAcknowledged,
	}
	for _, from := range nonTerminal {
		assert.True(t, CanTransition(from, messages.StateCancelled), "cancel should be allowed from %s", from)
	}

	terminal := []messages.IncidentState{
		messages.StateResolved,
		messages.StateCancelled,
		messages.StateDispatchDeadLetter,
	}
	for _, from := range terminal {
		assert.False(t, CanTransition(from, messages.StateCancelled), "cancel must be refused from %s", from)
	}
}
