package core

import "fmt"

// validTicketTransitions is the ticket processing state machine. Reopening
// from Closed is permitted only for the FalsePositive variant; that guard
// lives in CanTransitionTo since the table is keyed on state alone.
var validTicketTransitions = map[TicketState][]TicketState{
	TicketStateGenerated:        {TicketStatePreApproval, TicketStateToolAction, TicketStateManualProcessing, TicketStateClosed},
	TicketStatePreApproval:      {TicketStateToolAction, TicketStateManualProcessing, TicketStateClosed},
	TicketStateToolAction:       {TicketStateManualProcessing, TicketStateClosed},
	TicketStateManualProcessing: {TicketStatePreApproval, TicketStateToolAction, TicketStateClosed},
	TicketStateClosed:           {TicketStateGenerated, TicketStateToolAction, TicketStateManualProcessing},
}

// IsValid reports whether s is a known ticket state.
func (s TicketState) IsValid() bool {
	_, ok := validTicketTransitions[s]
	return ok
}

// CanTransitionTo checks the transition table plus the closed-variant guard.
func (t *RiskTicket) CanTransitionTo(next TicketState) bool {
	if !next.IsValid() {
		return false
	}
	if t.State == TicketStateClosed && t.CloseVariant != CloseVariantFalsePositive {
		// Only released false positives leave Closed.
		return false
	}
	for _, st := range validTicketTransitions[t.State] {
		if st == next {
			return true
		}
	}
	return false
}

// TransitionTo validates and executes a ticket state transition. Leaving
// Closed clears the close variant; the engine appends history and persists.
func (t *RiskTicket) TransitionTo(next TicketState) error {
	if !t.CanTransitionTo(next) {
		return NewPreconditionError("ticket", t.ID, string(t.State),
			fmt.Sprintf("transition to %s", next))
	}
	if t.State == TicketStateClosed {
		t.CloseVariant = CloseVariantNone
	}
	t.State = next
	return nil
}

// Close moves the ticket to Closed with the given variant.
func (t *RiskTicket) Close(variant CloseVariant) error {
	if err := t.TransitionTo(TicketStateClosed); err != nil {
		return err
	}
	t.CloseVariant = variant
	return nil
}
