package core

import (
	"time"

	"github.com/google/uuid"
)

// TicketState is the risk ticket processing state. PreApproval, ToolAction
// and ManualProcessing are the sub-states of "processing"; Closed carries a
// CloseVariant.
type TicketState string

const (
	TicketStateGenerated        TicketState = "generated"
	TicketStatePreApproval      TicketState = "pre_approval"
	TicketStateToolAction       TicketState = "tool_action"
	TicketStateManualProcessing TicketState = "manual_processing"
	TicketStateClosed           TicketState = "closed"
)

// CloseVariant distinguishes how a ticket reached Closed.
type CloseVariant string

const (
	CloseVariantNone          CloseVariant = ""
	CloseVariantManual        CloseVariant = "manual_closed"
	CloseVariantFalsePositive CloseVariant = "false_positive"
	CloseVariantAuto          CloseVariant = "auto_closed"
)

// ToolStatus is the tool execution sub-status on a ticket.
type ToolStatus string

const (
	// ToolStatusPendingApproval is a launch request parked in pre-approval,
	// not yet handed to the executor.
	ToolStatusPendingApproval  ToolStatus = "pending_approval"
	ToolStatusProcessing       ToolStatus = "processing"
	ToolStatusForceTerminating ToolStatus = "force_terminating"
	ToolStatusFinished         ToolStatus = "finished"
	ToolStatusTerminated       ToolStatus = "terminated"
	ToolStatusFailed           ToolStatus = "failed"
)

// TerminalAction is what a tool declares should happen to the ticket when
// its execution settles successfully.
type TerminalAction string

const (
	TerminalActionReturnManual TerminalAction = "return_manual"
	TerminalActionClose        TerminalAction = "close"
)

// ToolExecution is the at-most-one open tool execution on a ticket.
type ToolExecution struct {
	TaskName       string                 `json:"task_name"`
	TaskHandle     string                 `json:"task_handle,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Status         ToolStatus             `json:"status"`
	TerminalAction TerminalAction         `json:"terminal_action"`
	NeedsApproval  bool                   `json:"needs_approval"`
	LaunchedAt     time.Time              `json:"launched_at"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
	ForcedStop     bool                   `json:"forced_stop"`
	OutputFields   map[string]interface{} `json:"output_fields,omitempty"`
}

// Open reports whether the execution has not reached a terminal status.
func (t *ToolExecution) Open() bool {
	return t != nil && (t.Status == ToolStatusProcessing || t.Status == ToolStatusForceTerminating)
}

// History actions.
const (
	ActionTicketCreated    = "ticket_created"
	ActionHitFolded        = "hit_folded"
	ActionAssigned         = "assigned"
	ActionTransferred      = "transferred"
	ActionSummaryEdited    = "summary_edited"
	ActionToolLaunched     = "tool_launched"
	ActionToolFinished     = "tool_finished"
	ActionToolFailed       = "tool_failed"
	ActionForceTerminating = "force_terminating"
	ActionForceTerminated  = "force_terminated"
	ActionApprovalPending  = "approval_pending"
	ActionApprovalPassed   = "approval_passed"
	ActionApprovalRejected = "approval_not_passed"
	ActionMarkedFP         = "marked_false_positive"
	ActionReleasedFP       = "released_false_positive"
	ActionClosed           = "closed"
	ActionReopened         = "reopened"
)

// OperationRecord is one immutable history entry: timestamped actor and
// action, with a before/after snapshot of the mutated field.
type OperationRecord struct {
	Seq       int       `json:"seq"`
	TicketID  string    `json:"ticket_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Field     string    `json:"field,omitempty"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResumePoint captures where the processing sequence stood when a false
// positive mark interrupted it. Consumed on release: a non-nil resume point
// with an unfinished execution resumes the sequence instead of reopening.
type ResumePoint struct {
	State      TicketState `json:"state"`
	ToolOpen   bool        `json:"tool_open"`
	CapturedAt time.Time   `json:"captured_at"`
}

// RiskTicket is the unit of investigation created from a detection hit.
// Exactly one open ticket exists per (strategy, event) key; further hits
// fold into history. Tickets are only soft-closed, never erased.
type RiskTicket struct {
	ID           string       `json:"id"`
	StrategyID   string       `json:"strategy_id"` // immutable once created
	EventID      string       `json:"event_id"`
	State        TicketState  `json:"state"`
	CloseVariant CloseVariant `json:"close_variant,omitempty"`

	Assignee    string   `json:"assignee,omitempty"`
	NotifyUsers []string `json:"notify_users,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	FalsePositiveNote string `json:"false_positive_note,omitempty"`
	Summary           string `json:"summary,omitempty"`

	ToolExecution *ToolExecution `json:"tool_execution,omitempty"`
	ResumePoint   *ResumePoint   `json:"resume_point,omitempty"`
	// DeferredClose marks a false-positive whose close settles when the
	// in-flight tool sequence finishes or terminates.
	DeferredClose bool `json:"deferred_close,omitempty"`

	HitCount        int       `json:"hit_count"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastDetectedAt  time.Time `json:"last_detected_at"`
	LastOperatedAt  time.Time `json:"last_operated_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewRiskTicket creates a Generated ticket from a hit.
func NewRiskTicket(hit *Hit) *RiskTicket {
	now := time.Now().UTC()
	detectedAt := hit.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = now
	}
	return &RiskTicket{
		ID:              uuid.New().String(),
		StrategyID:      hit.StrategyID,
		EventID:         hit.EventID,
		State:           TicketStateGenerated,
		HitCount:        1,
		FirstDetectedAt: detectedAt,
		LastDetectedAt:  detectedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// DedupKey is the open-ticket uniqueness key.
func (t *RiskTicket) DedupKey() string {
	return t.StrategyID + "/" + t.EventID
}

// HitDedupKey builds the same key from a hit.
func HitDedupKey(hit *Hit) string {
	return hit.StrategyID + "/" + hit.EventID
}

// IsOpen reports whether the ticket has not reached Closed.
func (t *RiskTicket) IsOpen() bool {
	return t.State != TicketStateClosed
}
