package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskTicket_TransitionTo(t *testing.T) {
	testCases := []struct {
		name      string
		from      TicketState
		variant   CloseVariant
		to        TicketState
		shouldErr bool
	}{
		{"Generated to PreApproval", TicketStateGenerated, CloseVariantNone, TicketStatePreApproval, false},
		{"Generated to ToolAction", TicketStateGenerated, CloseVariantNone, TicketStateToolAction, false},
		{"Generated to ManualProcessing", TicketStateGenerated, CloseVariantNone, TicketStateManualProcessing, false},
		{"Generated to Closed", TicketStateGenerated, CloseVariantNone, TicketStateClosed, false},
		{"PreApproval approve", TicketStatePreApproval, CloseVariantNone, TicketStateToolAction, false},
		{"PreApproval reject", TicketStatePreApproval, CloseVariantNone, TicketStateManualProcessing, false},
		{"ToolAction to ManualProcessing", TicketStateToolAction, CloseVariantNone, TicketStateManualProcessing, false},
		{"ToolAction to Closed", TicketStateToolAction, CloseVariantNone, TicketStateClosed, false},
		{"ManualProcessing to ToolAction", TicketStateManualProcessing, CloseVariantNone, TicketStateToolAction, false},
		{"ManualProcessing to Closed", TicketStateManualProcessing, CloseVariantNone, TicketStateClosed, false},
		{"FalsePositive reopen", TicketStateClosed, CloseVariantFalsePositive, TicketStateGenerated, false},
		{"FalsePositive resume tool", TicketStateClosed, CloseVariantFalsePositive, TicketStateToolAction, false},
		{"FalsePositive resume manual", TicketStateClosed, CloseVariantFalsePositive, TicketStateManualProcessing, false},

		{"ManualClosed is terminal", TicketStateClosed, CloseVariantManual, TicketStateGenerated, true},
		{"AutoClosed is terminal", TicketStateClosed, CloseVariantAuto, TicketStateGenerated, true},
		{"ToolAction to PreApproval", TicketStateToolAction, CloseVariantNone, TicketStatePreApproval, true},
		{"PreApproval to Generated", TicketStatePreApproval, CloseVariantNone, TicketStateGenerated, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ticket := &RiskTicket{ID: "ticket-1", State: tc.from, CloseVariant: tc.variant}
			err := ticket.TransitionTo(tc.to)
			if tc.shouldErr {
				require.Error(t, err)
				var pre *PreconditionError
				assert.ErrorAs(t, err, &pre)
				assert.Equal(t, tc.from, ticket.State)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, ticket.State)
			}
		})
	}
}

func TestRiskTicket_ReopenClearsVariant(t *testing.T) {
	ticket := &RiskTicket{ID: "ticket-1", State: TicketStateClosed, CloseVariant: CloseVariantFalsePositive}
	require.NoError(t, ticket.TransitionTo(TicketStateGenerated))
	assert.Equal(t, CloseVariantNone, ticket.CloseVariant)
	assert.True(t, ticket.IsOpen())
}

func TestRiskTicket_Close(t *testing.T) {
	ticket := &RiskTicket{ID: "ticket-1", State: TicketStateManualProcessing}
	require.NoError(t, ticket.Close(CloseVariantManual))
	assert.Equal(t, TicketStateClosed, ticket.State)
	assert.Equal(t, CloseVariantManual, ticket.CloseVariant)
	assert.False(t, ticket.IsOpen())

	// A closed ticket cannot close again.
	err := ticket.Close(CloseVariantAuto)
	require.Error(t, err)
	assert.Equal(t, CloseVariantManual, ticket.CloseVariant)
}

func TestNewRiskTicket(t *testing.T) {
	hit := &Hit{
		StrategyID: "strategy-1",
		EventID:    "event-1",
		DetectedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	ticket := NewRiskTicket(hit)

	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, "strategy-1", ticket.StrategyID)
	assert.Equal(t, "event-1", ticket.EventID)
	assert.Equal(t, TicketStateGenerated, ticket.State)
	assert.Equal(t, 1, ticket.HitCount)
	assert.Equal(t, hit.DetectedAt, ticket.FirstDetectedAt)
	assert.Equal(t, "strategy-1/event-1", ticket.DedupKey())
	assert.Equal(t, ticket.DedupKey(), HitDedupKey(hit))
}

func TestToolExecution_Open(t *testing.T) {
	assert.False(t, (*ToolExecution)(nil).Open())
	assert.True(t, (&ToolExecution{Status: ToolStatusProcessing}).Open())
	assert.True(t, (&ToolExecution{Status: ToolStatusForceTerminating}).Open())
	assert.False(t, (&ToolExecution{Status: ToolStatusFinished}).Open())
	assert.False(t, (&ToolExecution{Status: ToolStatusTerminated}).Open())
	assert.False(t, (&ToolExecution{Status: ToolStatusFailed}).Open())
}
