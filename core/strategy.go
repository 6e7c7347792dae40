package core

import (
	"regexp"
	"time"
	"unicode"
)

// StrategyType distinguishes rule strategies (filter conditions evaluated
// against the event window) from model strategies (backed by a versioned
// solution provisioned on the data platform).
type StrategyType string

const (
	StrategyTypeRule  StrategyType = "rule"
	StrategyTypeModel StrategyType = "model"
)

// StrategyCategory marks who maintains a strategy. Built-in and AI
// strategies are platform-maintained and carry capability restrictions:
// built-in rejects delete, AI rejects delete and clone, in every
// control state.
type StrategyCategory string

const (
	StrategyCategoryCustom  StrategyCategory = "custom"
	StrategyCategoryBuiltin StrategyCategory = "builtin"
	StrategyCategoryAI      StrategyCategory = "ai"
)

// Filter condition operators.
const (
	OpEq      = "eq"
	OpNeq     = "neq"
	OpInclude = "include"
	OpExclude = "exclude"
	OpRegex   = "regex"
)

// Filter condition connectors.
const (
	ConnectorAnd = "and"
	ConnectorOr  = "or"
)

// FilterCondition is one clause of a rule strategy's detection filter.
// Conditions are evaluated left to right; Connector joins a condition to
// the preceding one and is ignored on the first.
type FilterCondition struct {
	Field     string `json:"field"`
	Operator  string `json:"operator"`
	Value     string `json:"value"`
	Connector string `json:"connector,omitempty"`
}

// MappingType tells the solution input binding whether a mapped value comes
// from the common event fields or from the per-action extension data.
type MappingType string

const (
	MappingTypeCommon    MappingType = "common-field"
	MappingTypeExtension MappingType = "extension-field"
)

// InputFieldMapping binds one source field to a solution input field.
type InputFieldMapping struct {
	SourceField   string      `json:"source_field"`
	SolutionField string      `json:"solution_field"`
	MappingType   MappingType `json:"mapping_type"`
}

// Schedule holds the evaluation cadence and the statistical window a run
// queries over. Both have a 5 minute floor.
type Schedule struct {
	Period            time.Duration `json:"period"`
	StatisticalWindow time.Duration `json:"statistical_window"`
}

// MinSchedulePeriod is the minimum statistical period and cadence.
const MinSchedulePeriod = 5 * time.Minute

// MaxStrategyNameLen bounds strategy names.
const MaxStrategyNameLen = 32

// Strategy is an operator-defined detection definition. Control-state
// transitions happen only through the lifecycle controller; a strategy in a
// transient state cannot be edited, cloned, or deleted concurrently.
type Strategy struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Type     StrategyType     `json:"type"`
	Category StrategyCategory `json:"category"`
	Tags     []string         `json:"tags"`

	FilterConditions []FilterCondition `json:"filter_conditions,omitempty"`
	Schedule         Schedule          `json:"schedule"`

	ControlState ControlState `json:"control_state"`
	// LastError carries the provisioner failure reason while in a failed
	// sub-state, and the last evaluation failure otherwise.
	LastError string `json:"last_error,omitempty"`
	// JobHandle is the provisioned pipeline job, empty until first enable.
	JobHandle string `json:"job_handle,omitempty"`

	// Model strategies only.
	SolutionID    string              `json:"solution_id,omitempty"`
	BoundVersion  int                 `json:"bound_version,omitempty"`
	InputMappings []InputFieldMapping `json:"input_mappings,omitempty"`
	// SolutionParams are the solution's run parameters, validated against
	// the release's params schema on upgrade confirmation.
	SolutionParams map[string]interface{} `json:"solution_params,omitempty"`
	UpgradePending bool                   `json:"upgrade_pending,omitempty"`

	NotifyGroups []string `json:"notify_groups"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

var strategyNameRe = regexp.MustCompile(`^[\p{Han}A-Za-z0-9_]+$`)
var tagRe = regexp.MustCompile(`^[\p{Han}A-Za-z0-9_-]+$`)

// Validate checks the static invariants of a strategy definition. Lifecycle
// invariants are the controller's job, not validated here.
func (s *Strategy) Validate() error {
	if s.Name == "" {
		return NewValidationError("name", "name cannot be empty")
	}
	if len([]rune(s.Name)) > MaxStrategyNameLen {
		return NewValidationError("name", "name cannot exceed 32 characters")
	}
	if !strategyNameRe.MatchString(s.Name) {
		return NewValidationError("name", "name only supports letters, digits and underscore")
	}
	if s.Type != StrategyTypeRule && s.Type != StrategyTypeModel {
		return NewValidationError("type", "unknown strategy type")
	}
	if len(s.Tags) == 0 {
		return NewValidationError("tags", "tag is required")
	}
	for _, tag := range s.Tags {
		if err := ValidateTag(tag); err != nil {
			return err
		}
	}
	if s.Schedule.Period < MinSchedulePeriod {
		return NewValidationError("schedule.period", "the minimum scheduling cycle is 5 minutes")
	}
	if s.Schedule.StatisticalWindow < MinSchedulePeriod {
		return NewValidationError("schedule.statistical_window", "the minimum statistical period is 5 minutes")
	}
	if len(s.NotifyGroups) == 0 {
		return NewValidationError("notify_groups", "notification group is required")
	}
	switch s.Type {
	case StrategyTypeRule:
		if len(s.FilterConditions) == 0 {
			return NewValidationError("filter_conditions", "filter cannot be empty")
		}
		for i, c := range s.FilterConditions {
			if c.Field == "" {
				return NewValidationError("filter_conditions", "condition field cannot be empty")
			}
			switch c.Operator {
			case OpEq, OpNeq, OpInclude, OpExclude, OpRegex:
			default:
				return NewValidationError("filter_conditions", "unknown operator "+c.Operator)
			}
			if i > 0 && c.Connector != ConnectorAnd && c.Connector != ConnectorOr {
				return NewValidationError("filter_conditions", "connector must be and/or")
			}
		}
	case StrategyTypeModel:
		if s.SolutionID == "" {
			return NewValidationError("solution_id", "solution cannot be empty")
		}
		for _, m := range s.InputMappings {
			if m.SourceField == "" || m.SolutionField == "" {
				return NewValidationError("input_mappings", "mapping fields cannot be empty")
			}
			if m.MappingType != MappingTypeCommon && m.MappingType != MappingTypeExtension {
				return NewValidationError("input_mappings", "unknown mapping value type")
			}
		}
	}
	return nil
}

// ValidateTag checks one tag against the charset and the all-digits rule.
func ValidateTag(tag string) error {
	if tag == "" {
		return NewValidationError("tags", "tag cannot be empty")
	}
	if !tagRe.MatchString(tag) {
		return NewValidationError("tags", "tags only allow letters, digits, dash or underscore")
	}
	allDigits := true
	for _, r := range tag {
		if !unicode.IsDigit(r) {
			allDigits = false
			break
		}
	}
	if allDigits {
		return NewValidationError("tags", "tag cannot consist of all digits")
	}
	return nil
}

// CanDelete reports whether the category permits deletion at all. State
// checks are separate.
func (s *Strategy) CanDelete() bool {
	return s.Category == StrategyCategoryCustom
}

// CanClone reports whether the category permits cloning.
func (s *Strategy) CanClone() bool {
	return s.Category != StrategyCategoryAI
}
