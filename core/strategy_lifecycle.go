package core

import "fmt"

// ControlState is the lifecycle controller's strategy state. Transient
// states (Enabling, Disabling, Updating, Deleting) have a provisioner call
// in flight; stable states accept new commands.
type ControlState string

const (
	StateDraft     ControlState = "draft"
	StateEnabling  ControlState = "enabling"
	StateRunning   ControlState = "running"
	StateDisabling ControlState = "disabling"
	StateDisabled  ControlState = "disabled"
	StateUpdating  ControlState = "updating"
	StateDeleting  ControlState = "deleting"
	StateDeleted   ControlState = "deleted"

	// Failed sub-states of the prior stable state. The provisioner failure
	// reason lives in Strategy.LastError; retry re-enters the transient
	// state.
	StateEnableFailed  ControlState = "enable_failed"
	StateDisableFailed ControlState = "disable_failed"
	StateUpdateFailed  ControlState = "update_failed"
	StateDeleteFailed  ControlState = "delete_failed"
)

// validControlTransitions is the strategy state machine. Cloning is not a
// state: it is a synchronous command allowed from draft and disabled.
var validControlTransitions = map[ControlState][]ControlState{
	StateDraft:     {StateEnabling, StateDeleting},
	StateEnabling:  {StateRunning, StateEnableFailed},
	StateRunning:   {StateDisabling, StateUpdating, StateDeleting},
	StateDisabling: {StateDisabled, StateDisableFailed},
	StateDisabled:  {StateEnabling, StateUpdating, StateDeleting},
	StateUpdating:  {StateRunning, StateDisabled, StateUpdateFailed},
	StateDeleting:  {StateDeleted, StateDeleteFailed},
	StateDeleted:   {},

	StateEnableFailed:  {StateEnabling, StateDeleting},
	StateDisableFailed: {StateDisabling, StateDeleting},
	StateUpdateFailed:  {StateUpdating, StateDeleting},
	StateDeleteFailed:  {StateDeleting},
}

// transientStates have an async provisioner operation outstanding.
var transientStates = map[ControlState]bool{
	StateEnabling:  true,
	StateDisabling: true,
	StateUpdating:  true,
	StateDeleting:  true,
}

// IsValid reports whether s is a known control state.
func (s ControlState) IsValid() bool {
	_, ok := validControlTransitions[s]
	return ok
}

// IsTransient reports whether an async operation is outstanding.
func (s ControlState) IsTransient() bool {
	return transientStates[s]
}

// IsFailed reports whether s is a failed sub-state.
func (s ControlState) IsFailed() bool {
	switch s {
	case StateEnableFailed, StateDisableFailed, StateUpdateFailed, StateDeleteFailed:
		return true
	}
	return false
}

// CanTransitionTo checks the transition table without mutating.
func (s *Strategy) CanTransitionTo(next ControlState) bool {
	allowed, ok := validControlTransitions[s.ControlState]
	if !ok {
		return false
	}
	for _, st := range allowed {
		if st == next {
			return true
		}
	}
	return false
}

// TransitionTo validates and executes a control-state transition. It does
// not persist; the caller saves the strategy under its own serialization.
func (s *Strategy) TransitionTo(next ControlState) error {
	if !next.IsValid() {
		return fmt.Errorf("invalid control state: %s", next)
	}
	if !s.CanTransitionTo(next) {
		return NewPreconditionError("strategy", s.ID, string(s.ControlState),
			fmt.Sprintf("transition to %s", next))
	}
	s.ControlState = next
	return nil
}

// AllowedTransitions returns a copy of the valid next states.
func (s *Strategy) AllowedTransitions() []ControlState {
	allowed := validControlTransitions[s.ControlState]
	out := make([]ControlState, len(allowed))
	copy(out, allowed)
	return out
}
