package core

import "time"

// FieldDecl is one declared input or output field of a solution version.
type FieldDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Solution is a versioned model/algorithm package that model strategies
// bind to. Version is monotonic; a strategy whose BoundVersion trails the
// latest release is flagged upgrade-pending by the reconciler.
type Solution struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Version      int         `json:"version"`
	ReleaseTag   string      `json:"release_tag,omitempty"`
	ReleasedBy   string      `json:"released_by,omitempty"`
	ReleasedAt   time.Time   `json:"released_at"`
	InputFields  []FieldDecl `json:"input_fields"`
	OutputFields []FieldDecl `json:"output_fields"`
	// ParamsSchema is an optional JSON schema the strategy's solution
	// parameters are validated against on upgrade confirmation.
	ParamsSchema string `json:"params_schema,omitempty"`
}

// InputField looks up a declared input field by name.
func (s *Solution) InputField(name string) (FieldDecl, bool) {
	for _, f := range s.InputFields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDecl{}, false
}

// FieldMappingDiff is the structural difference between a strategy's
// current input mapping and a new solution version's declared inputs.
type FieldMappingDiff struct {
	SolutionID  string      `json:"solution_id"`
	FromVersion int         `json:"from_version"`
	ToVersion   int         `json:"to_version"`
	Added       []FieldDecl `json:"added,omitempty"`
	Removed     []string    `json:"removed,omitempty"`
	Unchanged   []string    `json:"unchanged,omitempty"`
}

// Empty reports whether the diff carries no structural change.
func (d *FieldMappingDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}
