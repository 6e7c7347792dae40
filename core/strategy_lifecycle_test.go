package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategy_TransitionTo(t *testing.T) {
	testCases := []struct {
		name      string
		from      ControlState
		to        ControlState
		shouldErr bool
	}{
		{"Draft to Enabling", StateDraft, StateEnabling, false},
		{"Draft to Deleting", StateDraft, StateDeleting, false},
		{"Enabling to Running", StateEnabling, StateRunning, false},
		{"Enabling to EnableFailed", StateEnabling, StateEnableFailed, false},
		{"Running to Disabling", StateRunning, StateDisabling, false},
		{"Running to Updating", StateRunning, StateUpdating, false},
		{"Running to Deleting", StateRunning, StateDeleting, false},
		{"Disabling to Disabled", StateDisabling, StateDisabled, false},
		{"Disabled to Enabling", StateDisabled, StateEnabling, false},
		{"Disabled to Updating", StateDisabled, StateUpdating, false},
		{"Updating to Running", StateUpdating, StateRunning, false},
		{"Updating to Disabled", StateUpdating, StateDisabled, false},
		{"Deleting to Deleted", StateDeleting, StateDeleted, false},
		{"EnableFailed retry", StateEnableFailed, StateEnabling, false},
		{"UpdateFailed retry", StateUpdateFailed, StateUpdating, false},

		{"Draft to Running skips enabling", StateDraft, StateRunning, true},
		{"Running to Disabled skips disabling", StateRunning, StateDisabled, true},
		{"Enabling to Disabling", StateEnabling, StateDisabling, true},
		{"Enabling to Deleting", StateEnabling, StateDeleting, true},
		{"Deleted is terminal", StateDeleted, StateEnabling, true},
		{"Disabled to Running skips enabling", StateDisabled, StateRunning, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Strategy{ID: "strategy-1", ControlState: tc.from}
			err := s.TransitionTo(tc.to)
			if tc.shouldErr {
				require.Error(t, err)
				var pre *PreconditionError
				assert.ErrorAs(t, err, &pre)
				assert.Equal(t, tc.from, s.ControlState)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, s.ControlState)
			}
		})
	}
}

// Once a transient state is entered, the only exits are the target stable
// state and the matching failed sub-state.
func TestControlState_TransientMonotonic(t *testing.T) {
	exits := map[ControlState][]ControlState{
		StateEnabling:  {StateRunning, StateEnableFailed},
		StateDisabling: {StateDisabled, StateDisableFailed},
		StateUpdating:  {StateRunning, StateDisabled, StateUpdateFailed},
		StateDeleting:  {StateDeleted, StateDeleteFailed},
	}
	for from, want := range exits {
		s := &Strategy{ID: "s", ControlState: from}
		assert.True(t, from.IsTransient())
		assert.ElementsMatch(t, want, s.AllowedTransitions(), "exits from %s", from)
	}
}

func TestControlState_Classification(t *testing.T) {
	assert.True(t, StateEnableFailed.IsFailed())
	assert.True(t, StateUpdateFailed.IsFailed())
	assert.False(t, StateRunning.IsFailed())
	assert.False(t, StateRunning.IsTransient())
	assert.False(t, ControlState("bogus").IsValid())
	assert.True(t, StateDraft.IsValid())
}

func validStrategy() *Strategy {
	return &Strategy{
		ID:       "strategy-1",
		Name:     "failed_login_audit",
		Type:     StrategyTypeRule,
		Category: StrategyCategoryCustom,
		Tags:     []string{"login"},
		FilterConditions: []FilterCondition{
			{Field: "result_code", Operator: OpEq, Value: "failure"},
		},
		Schedule: Schedule{
			Period:            5 * time.Minute,
			StatisticalWindow: 5 * time.Minute,
		},
		NotifyGroups: []string{"security-team"},
	}
}

func TestStrategy_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Strategy)
		wantErr string
	}{
		{"valid", func(s *Strategy) {}, ""},
		{"empty name", func(s *Strategy) { s.Name = "" }, "name"},
		{"name too long", func(s *Strategy) { s.Name = "a_very_long_strategy_name_exceeding_32_chars" }, "32"},
		{"bad charset", func(s *Strategy) { s.Name = "bad name!" }, "name"},
		{"no tags", func(s *Strategy) { s.Tags = nil }, "tag"},
		{"numeric tag", func(s *Strategy) { s.Tags = []string{"12345"} }, "digits"},
		{"bad tag charset", func(s *Strategy) { s.Tags = []string{"a b"} }, "tags"},
		{"period below minimum", func(s *Strategy) { s.Schedule.Period = time.Minute }, "5 minutes"},
		{"window below minimum", func(s *Strategy) { s.Schedule.StatisticalWindow = time.Minute }, "5 minutes"},
		{"no notify groups", func(s *Strategy) { s.NotifyGroups = nil }, "notification"},
		{"rule without filter", func(s *Strategy) { s.FilterConditions = nil }, "filter"},
		{"bad operator", func(s *Strategy) { s.FilterConditions[0].Operator = "contains" }, "operator"},
		{"model without solution", func(s *Strategy) {
			s.Type = StrategyTypeModel
			s.SolutionID = ""
		}, "solution"},
		{"model bad mapping type", func(s *Strategy) {
			s.Type = StrategyTypeModel
			s.SolutionID = "sol-1"
			s.InputMappings = []InputFieldMapping{{SourceField: "username", SolutionField: "user", MappingType: "other"}}
		}, "mapping"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := validStrategy()
			tc.mutate(s)
			err := s.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestStrategy_CategoryCapabilities(t *testing.T) {
	// Capability restrictions are independent of control state.
	states := []ControlState{StateDraft, StateRunning, StateDisabled, StateEnableFailed, StateUpdating}

	for _, state := range states {
		builtin := &Strategy{Category: StrategyCategoryBuiltin, ControlState: state}
		assert.False(t, builtin.CanDelete(), "builtin delete in %s", state)
		assert.True(t, builtin.CanClone(), "builtin clone in %s", state)

		ai := &Strategy{Category: StrategyCategoryAI, ControlState: state}
		assert.False(t, ai.CanDelete(), "ai delete in %s", state)
		assert.False(t, ai.CanClone(), "ai clone in %s", state)

		custom := &Strategy{Category: StrategyCategoryCustom, ControlState: state}
		assert.True(t, custom.CanDelete(), "custom delete in %s", state)
		assert.True(t, custom.CanClone(), "custom clone in %s", state)
	}
}
