// Package risk implements the risk ticket engine: hit ingestion with
// open-ticket dedup, the operator command surface, the pre-approval gate,
// and the asynchronous settlement of tool executions.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"
	"bkaudit/storage"
	"bkaudit/tool"

	"go.uber.org/zap"
)

// TicketStore is the persistence surface the engine needs. SQLite is the
// dedup authority; the redis index is only an accelerator in front of it.
type TicketStore interface {
	CreateTicket(*core.RiskTicket) error
	GetTicket(id string) (*core.RiskTicket, error)
	FindOpenTicketByKey(strategyID, eventID string) (*core.RiskTicket, error)
	UpdateTicket(*core.RiskTicket) error
	AppendHistory(*core.OperationRecord) error
	GetHistory(ticketID string) ([]core.OperationRecord, error)
}

// DedupIndex is the fast-path open-ticket lookup. Implementations must
// degrade to a miss on any error; the store stays authoritative.
type DedupIndex interface {
	Lookup(ctx context.Context, key string) (string, bool)
	Record(ctx context.Context, key, ticketID string) error
	Remove(ctx context.Context, key string) error
}

// NoopDedupIndex always misses; used when redis is disabled.
type NoopDedupIndex struct{}

func (NoopDedupIndex) Lookup(context.Context, string) (string, bool) { return "", false }
func (NoopDedupIndex) Record(context.Context, string, string) error  { return nil }
func (NoopDedupIndex) Remove(context.Context, string) error          { return nil }

// Notifier receives ticket state change events, fire-and-forget.
type Notifier interface {
	TicketStateChanged(t *core.RiskTicket, from, to core.TicketState)
}

// NoOpNotifier discards ticket events.
type NoOpNotifier struct{}

func (NoOpNotifier) TicketStateChanged(*core.RiskTicket, core.TicketState, core.TicketState) {}

// Engine serializes all mutations per ticket and owns every ticket state
// transition.
type Engine struct {
	store    TicketStore
	index    DedupIndex
	catalog  *tool.Catalog
	executor tool.Executor
	notify   Notifier
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates the ticket engine and registers it as the dispatcher's
// completion handler.
func NewEngine(store TicketStore, index DedupIndex, catalog *tool.Catalog, executor tool.Executor, dispatcher *tool.Dispatcher, notify Notifier, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if index == nil {
		index = NoopDedupIndex{}
	}
	if notify == nil {
		notify = NoOpNotifier{}
	}
	if catalog == nil {
		catalog = tool.EmptyCatalog()
	}
	e := &Engine{
		store:    store,
		index:    index,
		catalog:  catalog,
		executor: executor,
		notify:   notify,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
	if dispatcher != nil {
		dispatcher.Register(e.handleToolResult)
	}
	return e
}

func (e *Engine) lockTicket(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// record appends a history entry; history failures are logged, never allowed
// to fail the command that already took effect.
func (e *Engine) record(ticketID, actor, action, field, before, after, comment string) {
	rec := &core.OperationRecord{
		TicketID:  ticketID,
		Actor:     actor,
		Action:    action,
		Field:     field,
		Before:    before,
		After:     after,
		Comment:   comment,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendHistory(rec); err != nil {
		e.logger.Errorw("Failed to append ticket history", "ticket_id", ticketID, "action", action, "error", err)
	}
}

func (e *Engine) transition(t *core.RiskTicket, next core.TicketState, actor, action, comment string) error {
	from := t.State
	if err := t.TransitionTo(next); err != nil {
		return err
	}
	t.LastOperatedAt = time.Now().UTC()
	if err := e.store.UpdateTicket(t); err != nil {
		return err
	}
	metrics.TicketTransitions.WithLabelValues(string(next)).Inc()
	e.record(t.ID, actor, action, "state", string(from), string(next), comment)
	e.notify.TicketStateChanged(t, from, next)
	return nil
}

func (e *Engine) close(ctx context.Context, t *core.RiskTicket, variant core.CloseVariant, actor, comment string) error {
	from := t.State
	if err := t.Close(variant); err != nil {
		return err
	}
	t.DeferredClose = false
	t.LastOperatedAt = time.Now().UTC()
	if err := e.store.UpdateTicket(t); err != nil {
		return err
	}
	metrics.TicketTransitions.WithLabelValues(string(core.TicketStateClosed)).Inc()
	e.record(t.ID, actor, core.ActionClosed, "state", string(from), string(core.TicketStateClosed), comment)
	e.notify.TicketStateChanged(t, from, core.TicketStateClosed)
	if err := e.index.Remove(ctx, t.DedupKey()); err != nil {
		e.logger.Warnw("Failed to remove dedup index entry", "ticket_id", t.ID, "error", err)
	}
	return nil
}

// IngestHit creates a ticket for a new (strategy, event) key or folds the
// hit into the existing open ticket. The index is consulted first; its
// answer is always verified against the store before folding.
func (e *Engine) IngestHit(ctx context.Context, hit *core.Hit) error {
	key := core.HitDedupKey(hit)

	var open *core.RiskTicket
	if ticketID, ok := e.index.Lookup(ctx, key); ok {
		t, err := e.store.GetTicket(ticketID)
		if err == nil && t.IsOpen() && t.DedupKey() == key {
			open = t
		}
	}
	if open == nil {
		t, err := e.store.FindOpenTicketByKey(hit.StrategyID, hit.EventID)
		if err != nil && !errors.Is(err, storage.ErrTicketNotFound) {
			return fmt.Errorf("dedup lookup failed: %w", err)
		}
		open = t
	}

	if open != nil {
		unlock := e.lockTicket(open.ID)
		defer unlock()
		// Re-read under the lock; the ticket may have closed since lookup.
		t, err := e.store.GetTicket(open.ID)
		if err != nil {
			return err
		}
		if t.IsOpen() {
			t.HitCount++
			t.LastDetectedAt = hit.DetectedAt
			if t.LastDetectedAt.IsZero() {
				t.LastDetectedAt = time.Now().UTC()
			}
			if err := e.store.UpdateTicket(t); err != nil {
				return err
			}
			metrics.TicketHitsFolded.Inc()
			e.record(t.ID, "system", core.ActionHitFolded, "hit_count",
				fmt.Sprintf("%d", t.HitCount-1), fmt.Sprintf("%d", t.HitCount), "")
			return nil
		}
		// Fell closed between lookup and lock: a new ticket is due.
	}

	t := core.NewRiskTicket(hit)
	if err := e.store.CreateTicket(t); err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	metrics.TicketsGenerated.Inc()
	e.record(t.ID, "system", core.ActionTicketCreated, "", "", "", "")
	e.notify.TicketStateChanged(t, "", core.TicketStateGenerated)
	if err := e.index.Record(ctx, key, t.ID); err != nil {
		e.logger.Warnw("Failed to record dedup index entry", "ticket_id", t.ID, "error", err)
	}
	e.logger.Infow("Risk ticket created", "ticket_id", t.ID, "strategy_id", hit.StrategyID, "event_id", hit.EventID)
	return nil
}

// Assign sets the ticket's assignee.
func (e *Engine) Assign(ctx context.Context, ticketID, assignee, actor string) error {
	if assignee == "" {
		return core.NewValidationError("assignee", "assignee must not be empty")
	}
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "assign")
	}
	before := t.Assignee
	t.Assignee = assignee
	t.LastOperatedAt = time.Now().UTC()
	if err := e.store.UpdateTicket(t); err != nil {
		return err
	}
	action := core.ActionAssigned
	if before != "" {
		action = core.ActionTransferred
	}
	e.record(ticketID, actor, action, "assignee", before, assignee, "")
	return nil
}

// EditSummary replaces the operator-maintained summary. Empty summaries are
// rejected so history always records a meaningful change.
func (e *Engine) EditSummary(ctx context.Context, ticketID, summary, actor string) error {
	if summary == "" {
		return core.NewValidationError("summary", "summary must not be empty")
	}
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "edit summary")
	}
	before := t.Summary
	t.Summary = summary
	t.LastOperatedAt = time.Now().UTC()
	if err := e.store.UpdateTicket(t); err != nil {
		return err
	}
	e.record(ticketID, actor, core.ActionSummaryEdited, "summary", before, summary, "")
	return nil
}

// LaunchTool starts a handling tool on a ticket in generated or manual
// processing. Tools that need approval park in pre-approval instead of
// launching.
func (e *Engine) LaunchTool(ctx context.Context, ticketID, toolName string, params map[string]interface{}, actor string) error {
	tl, ok := e.catalog.Get(toolName)
	if !ok {
		return core.NewValidationError("tool", fmt.Sprintf("unknown tool %q", toolName))
	}
	if err := tl.ValidateParams(params); err != nil {
		return err
	}

	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.State != core.TicketStateGenerated && t.State != core.TicketStateManualProcessing {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "launch tool")
	}
	if t.ToolExecution.Open() {
		return core.NewPreconditionError("ticket", ticketID, string(t.ToolExecution.Status), "launch tool")
	}

	if tl.NeedsApproval {
		t.ToolExecution = &core.ToolExecution{
			TaskName:       tl.Name,
			Params:         params,
			Status:         core.ToolStatusPendingApproval,
			TerminalAction: tl.TerminalAction,
			NeedsApproval:  true,
		}
		if err := e.transition(t, core.TicketStatePreApproval, actor, core.ActionApprovalPending, toolName); err != nil {
			return err
		}
		e.logger.Infow("Tool launch awaiting approval", "ticket_id", ticketID, "tool", toolName, "actor", actor)
		return nil
	}
	return e.launch(ctx, t, tl, params, actor)
}

// launch hands the execution to the executor and moves the ticket into
// tool action. Caller holds the ticket lock.
func (e *Engine) launch(ctx context.Context, t *core.RiskTicket, tl *tool.Tool, params map[string]interface{}, actor string) error {
	handle, err := e.executor.Launch(ctx, tl, t.ID, params)
	if err != nil {
		return fmt.Errorf("tool launch failed: %w", err)
	}
	t.ToolExecution = &core.ToolExecution{
		TaskName:       tl.Name,
		TaskHandle:     handle,
		Params:         params,
		Status:         core.ToolStatusProcessing,
		TerminalAction: tl.TerminalAction,
		NeedsApproval:  tl.NeedsApproval,
		LaunchedAt:     time.Now().UTC(),
	}
	if err := e.transition(t, core.TicketStateToolAction, actor, core.ActionToolLaunched, tl.Name); err != nil {
		return err
	}
	e.logger.Infow("Tool launched", "ticket_id", t.ID, "tool", tl.Name, "task_handle", handle, "actor", actor)
	return nil
}

// Approve resolves a pre-approval gate. Passing launches the parked tool;
// rejection returns the ticket to manual processing with the rejection on
// record.
func (e *Engine) Approve(ctx context.Context, ticketID string, passed bool, actor string) error {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.State != core.TicketStatePreApproval {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "approve")
	}
	pending := t.ToolExecution
	if pending == nil || pending.Status != core.ToolStatusPendingApproval {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "approve")
	}

	if !passed {
		t.ToolExecution = nil
		if err := e.transition(t, core.TicketStateManualProcessing, actor, core.ActionApprovalRejected, pending.TaskName); err != nil {
			return err
		}
		e.logger.Infow("Tool launch rejected", "ticket_id", ticketID, "tool", pending.TaskName, "actor", actor)
		return nil
	}

	tl, ok := e.catalog.Get(pending.TaskName)
	if !ok {
		return core.NewValidationError("tool", fmt.Sprintf("tool %q left the catalog while pending approval", pending.TaskName))
	}
	e.record(ticketID, actor, core.ActionApprovalPassed, "", "", "", pending.TaskName)
	return e.launch(ctx, t, tl, pending.Params, actor)
}

// MarkFalsePositive closes the ticket as a false positive. During an open
// tool execution the close is deferred until the execution settles; the
// processing position is captured either way so release can resume it.
func (e *Engine) MarkFalsePositive(ctx context.Context, ticketID, note, actor string) error {
	if note == "" {
		return core.NewValidationError("note", "a false positive mark requires a note")
	}
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "mark false positive")
	}

	t.FalsePositiveNote = note
	t.ResumePoint = &core.ResumePoint{
		State:      t.State,
		ToolOpen:   t.ToolExecution.Open(),
		CapturedAt: time.Now().UTC(),
	}

	if t.State == core.TicketStateToolAction && t.ToolExecution.Open() {
		t.DeferredClose = true
		t.LastOperatedAt = time.Now().UTC()
		if err := e.store.UpdateTicket(t); err != nil {
			return err
		}
		e.record(ticketID, actor, core.ActionMarkedFP, "deferred_close", "false", "true", note)
		e.logger.Infow("False positive mark deferred until tool settles", "ticket_id", ticketID, "actor", actor)
		return nil
	}

	e.record(ticketID, actor, core.ActionMarkedFP, "", "", "", note)
	return e.close(ctx, t, core.CloseVariantFalsePositive, actor, note)
}

// ReleaseFalsePositive reopens a false-positive-closed ticket. A mark taken
// mid-execution resumes that sequence; any other mark reopens from the
// start.
func (e *Engine) ReleaseFalsePositive(ctx context.Context, ticketID, actor string) error {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.State != core.TicketStateClosed || t.CloseVariant != core.CloseVariantFalsePositive {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "release false positive")
	}

	target := core.TicketStateGenerated
	action := core.ActionReopened
	if t.ResumePoint != nil && t.ResumePoint.ToolOpen {
		if t.ToolExecution.Open() {
			target = core.TicketStateToolAction
		} else {
			// The interrupted execution settled while closed; hand the
			// outcome to an operator.
			target = core.TicketStateManualProcessing
		}
		action = core.ActionReleasedFP
	}
	// A launch parked in pre-approval when the mark landed is abandoned:
	// the reopened ticket restarts from Generated, not from a stale request.
	if target == core.TicketStateGenerated && t.ToolExecution != nil && t.ToolExecution.Status == core.ToolStatusPendingApproval {
		t.ToolExecution = nil
	}

	t.ResumePoint = nil
	t.DeferredClose = false
	t.FalsePositiveNote = ""
	if err := e.transition(t, target, actor, action, ""); err != nil {
		return err
	}
	if err := e.index.Record(ctx, t.DedupKey(), t.ID); err != nil {
		e.logger.Warnw("Failed to restore dedup index entry", "ticket_id", t.ID, "error", err)
	}
	e.logger.Infow("False positive released", "ticket_id", ticketID, "reopened_to", target, "actor", actor)
	return nil
}

// ForceTerminate asks the executor to stop the running tool. The execution
// stays open in force_terminating until the executor confirms; the ticket
// settles only on that confirmation.
func (e *Engine) ForceTerminate(ctx context.Context, ticketID, actor string) error {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.State != core.TicketStateToolAction || t.ToolExecution == nil || t.ToolExecution.Status != core.ToolStatusProcessing {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "force terminate")
	}

	if err := e.executor.Terminate(ctx, t.ToolExecution.TaskHandle); err != nil {
		return fmt.Errorf("tool termination failed: %w", err)
	}
	t.ToolExecution.Status = core.ToolStatusForceTerminating
	t.ToolExecution.ForcedStop = true
	t.LastOperatedAt = time.Now().UTC()
	if err := e.store.UpdateTicket(t); err != nil {
		return err
	}
	e.record(ticketID, actor, core.ActionForceTerminating, "tool_status",
		string(core.ToolStatusProcessing), string(core.ToolStatusForceTerminating), "")
	e.logger.Infow("Tool force termination requested", "ticket_id", ticketID, "task_handle", t.ToolExecution.TaskHandle, "actor", actor)
	return nil
}

// ManualClose closes the ticket by operator decision. Blocked while a tool
// execution is open; the execution must settle or be terminated first.
func (e *Engine) ManualClose(ctx context.Context, ticketID, comment, actor string) error {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return core.NewPreconditionError("ticket", ticketID, string(t.State), "close")
	}
	if t.ToolExecution.Open() {
		return core.NewPreconditionError("ticket", ticketID, string(t.ToolExecution.Status), "close")
	}
	return e.close(ctx, t, core.CloseVariantManual, actor, comment)
}

// handleToolResult settles an asynchronous tool outcome onto its ticket.
func (e *Engine) handleToolResult(res tool.Result) {
	ctx := context.Background()
	unlock := e.lockTicket(res.TicketID)
	defer unlock()

	t, err := e.store.GetTicket(res.TicketID)
	if err != nil {
		e.logger.Errorw("Tool result for unknown ticket", "ticket_id", res.TicketID, "error", err)
		return
	}
	exec := t.ToolExecution
	if exec == nil || exec.TaskHandle != res.TaskHandle || !exec.Open() {
		e.logger.Warnw("Stale tool result ignored", "ticket_id", res.TicketID, "task_handle", res.TaskHandle)
		return
	}

	now := time.Now().UTC()
	exec.Status = res.Status
	exec.OutputFields = res.OutputFields
	exec.FinishedAt = &now
	metrics.ToolExecutions.WithLabelValues(string(res.Status)).Inc()

	action := core.ActionToolFinished
	switch res.Status {
	case core.ToolStatusFailed:
		action = core.ActionToolFailed
	case core.ToolStatusTerminated:
		action = core.ActionForceTerminated
	}
	e.record(t.ID, "system", action, "tool_status", string(core.ToolStatusProcessing), string(res.Status), res.Message)

	if t.DeferredClose {
		if err := e.close(ctx, t, core.CloseVariantFalsePositive, "system", t.FalsePositiveNote); err != nil {
			e.logger.Errorw("Failed to settle deferred false positive close", "ticket_id", t.ID, "error", err)
		}
		return
	}

	if res.Status == core.ToolStatusFinished && exec.TerminalAction == core.TerminalActionClose {
		if err := e.close(ctx, t, core.CloseVariantAuto, "system", ""); err != nil {
			e.logger.Errorw("Failed to auto-close ticket", "ticket_id", t.ID, "error", err)
		}
		return
	}

	if err := e.transition(t, core.TicketStateManualProcessing, "system", action, ""); err != nil {
		e.logger.Errorw("Failed to return ticket to manual processing", "ticket_id", t.ID, "error", err)
	}
}

// GetTicket returns a ticket by id.
func (e *Engine) GetTicket(ctx context.Context, ticketID string) (*core.RiskTicket, error) {
	return e.store.GetTicket(ticketID)
}

// GetHistory returns a ticket's operation records in sequence order.
func (e *Engine) GetHistory(ctx context.Context, ticketID string) ([]core.OperationRecord, error) {
	return e.store.GetHistory(ticketID)
}
