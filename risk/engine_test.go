package risk

import (
	"context"
	"testing"
	"time"

	"bkaudit/core"
	"bkaudit/storage"
	"bkaudit/tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
tools:
  - name: revoke_session
    terminal_action: return_manual
  - name: purge_account
    terminal_action: close
  - name: block_account
    terminal_action: return_manual
    needs_approval: true
    params:
      - name: username
        required: true
`

type engineHarness struct {
	engine     *Engine
	store      *storage.SQLiteTicketStorage
	executor   *tool.MockExecutor
	dispatcher *tool.Dispatcher
}

func newHarness(t *testing.T) *engineHarness {
	t.Helper()
	db, err := storage.NewSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewSQLiteTicketStorage(db, nil)
	require.NoError(t, err)

	catalog, err := tool.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	dispatcher := tool.NewDispatcher(nil)
	executor := tool.NewMockExecutor(dispatcher)
	engine := NewEngine(store, nil, catalog, executor, dispatcher, nil, nil)
	return &engineHarness{engine: engine, store: store, executor: executor, dispatcher: dispatcher}
}

func testHit(strategyID, eventID string) *core.Hit {
	return &core.Hit{
		StrategyID: strategyID,
		EventID:    eventID,
		DetectedAt: time.Now().UTC(),
	}
}

func (h *engineHarness) openTicket(t *testing.T, strategyID, eventID string) *core.RiskTicket {
	t.Helper()
	require.NoError(t, h.engine.IngestHit(context.Background(), testHit(strategyID, eventID)))
	ticket, err := h.store.FindOpenTicketByKey(strategyID, eventID)
	require.NoError(t, err)
	return ticket
}

// settle waits until the dispatcher has run all pending completions.
func (h *engineHarness) settle() {
	h.dispatcher.Wait()
}

func historyActions(t *testing.T, h *engineHarness, ticketID string) []string {
	t.Helper()
	records, err := h.store.GetHistory(ticketID)
	require.NoError(t, err)
	actions := make([]string, len(records))
	for i, r := range records {
		actions[i] = r.Action
	}
	return actions
}

func TestEngine_HitCreatesTicketInGenerated(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	assert.Equal(t, core.TicketStateGenerated, ticket.State)
	assert.Equal(t, 1, ticket.HitCount)
	assert.Contains(t, historyActions(t, h, ticket.ID), core.ActionTicketCreated)
}

func TestEngine_DuplicateHitFoldsIntoOpenTicket(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.IngestHit(context.Background(), testHit("s1", "evt-1")))
	require.NoError(t, h.engine.IngestHit(context.Background(), testHit("s1", "evt-1")))

	got, err := h.store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.HitCount)
	assert.Equal(t, core.TicketStateGenerated, got.State)

	// Different event on the same strategy gets its own ticket.
	other := h.openTicket(t, "s1", "evt-2")
	assert.NotEqual(t, ticket.ID, other.ID)
}

func TestEngine_HitAfterCloseCreatesFreshTicket(t *testing.T) {
	h := newHarness(t)
	first := h.openTicket(t, "s1", "evt-1")
	require.NoError(t, h.engine.ManualClose(context.Background(), first.ID, "handled", "alice"))

	second := h.openTicket(t, "s1", "evt-1")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.HitCount)
}

func TestEngine_AssignAndTransfer(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.Assign(context.Background(), ticket.ID, "alice", "admin"))
	require.NoError(t, h.engine.Assign(context.Background(), ticket.ID, "bob", "admin"))

	got, err := h.store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Assignee)

	actions := historyActions(t, h, ticket.ID)
	assert.Contains(t, actions, core.ActionAssigned)
	assert.Contains(t, actions, core.ActionTransferred)

	records, err := h.store.GetHistory(ticket.ID)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, "alice", last.Before)
	assert.Equal(t, "bob", last.After)
}

func TestEngine_EditSummaryRequiresContent(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	err := h.engine.EditSummary(context.Background(), ticket.ID, "", "alice")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, h.engine.EditSummary(context.Background(), ticket.ID, "credential stuffing", "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, "credential stuffing", got.Summary)
}

func TestEngine_ToolReturnsToManualProcessing(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	require.Equal(t, core.TicketStateToolAction, got.State)
	require.True(t, got.ToolExecution.Open())

	h.executor.Complete(got.ToolExecution.TaskHandle, core.ToolStatusFinished,
		map[string]interface{}{"sessions": 2}, "")
	h.settle()

	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateManualProcessing, got.State)
	assert.Equal(t, core.ToolStatusFinished, got.ToolExecution.Status)
	assert.Equal(t, float64(2), got.ToolExecution.OutputFields["sessions"])
}

func TestEngine_ToolWithCloseActionAutoCloses(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "purge_account", nil, "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	h.executor.Complete(got.ToolExecution.TaskHandle, core.ToolStatusFinished, nil, "")
	h.settle()

	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateClosed, got.State)
	assert.Equal(t, core.CloseVariantAuto, got.CloseVariant)
}

func TestEngine_ToolFailureReturnsToManual(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "purge_account", nil, "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	h.executor.Complete(got.ToolExecution.TaskHandle, core.ToolStatusFailed, nil, "target unreachable")
	h.settle()

	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateManualProcessing, got.State, "failure never auto-closes")
	assert.Contains(t, historyActions(t, h, ticket.ID), core.ActionToolFailed)
}

func TestEngine_LaunchRejectedOutsideLaunchableStates(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice"))
	err := h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice")
	var perr *core.PreconditionError
	require.ErrorAs(t, err, &perr)
}

func TestEngine_ApprovalGate(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")
	params := map[string]interface{}{"username": "mallory"}

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "block_account", params, "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	require.Equal(t, core.TicketStatePreApproval, got.State)
	assert.False(t, got.ToolExecution.Open(), "parked launch is not an open execution")

	require.NoError(t, h.engine.Approve(context.Background(), ticket.ID, true, "supervisor"))
	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateToolAction, got.State)
	assert.Equal(t, core.ToolStatusProcessing, got.ToolExecution.Status)
	assert.Contains(t, historyActions(t, h, ticket.ID), core.ActionApprovalPassed)
}

func TestEngine_ApprovalRejectionGoesToManual(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")
	params := map[string]interface{}{"username": "mallory"}

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "block_account", params, "alice"))
	require.NoError(t, h.engine.Approve(context.Background(), ticket.ID, false, "supervisor"))

	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateManualProcessing, got.State)
	assert.Nil(t, got.ToolExecution)
	assert.Contains(t, historyActions(t, h, ticket.ID), core.ActionApprovalRejected)
}

func TestEngine_ApprovalRequiresPendingLaunch(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	err := h.engine.Approve(context.Background(), ticket.ID, true, "supervisor")
	var perr *core.PreconditionError
	require.ErrorAs(t, err, &perr)
}

func TestEngine_MissingRequiredToolParam(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	err := h.engine.LaunchTool(context.Background(), ticket.ID, "block_account", nil, "alice")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "params.username", verr.Field)
}

func TestEngine_MarkFalsePositiveClosesImmediately(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	err := h.engine.MarkFalsePositive(context.Background(), ticket.ID, "", "alice")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, h.engine.MarkFalsePositive(context.Background(), ticket.ID, "expected maintenance login", "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateClosed, got.State)
	assert.Equal(t, core.CloseVariantFalsePositive, got.CloseVariant)
	require.NotNil(t, got.ResumePoint)
	assert.False(t, got.ResumePoint.ToolOpen)
}

func TestEngine_MarkFalsePositiveDefersDuringToolAction(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice"))
	require.NoError(t, h.engine.MarkFalsePositive(context.Background(), ticket.ID, "misfire", "alice"))

	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateToolAction, got.State, "close defers while the tool runs")
	assert.True(t, got.DeferredClose)

	h.executor.Complete(got.ToolExecution.TaskHandle, core.ToolStatusFinished, nil, "")
	h.settle()

	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateClosed, got.State)
	assert.Equal(t, core.CloseVariantFalsePositive, got.CloseVariant)
	assert.False(t, got.DeferredClose)
}

func TestEngine_ReleaseReopensToGenerated(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.MarkFalsePositive(context.Background(), ticket.ID, "noise", "alice"))
	require.NoError(t, h.engine.ReleaseFalsePositive(context.Background(), ticket.ID, "bob"))

	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateGenerated, got.State)
	assert.Equal(t, core.CloseVariantNone, got.CloseVariant)
	assert.Nil(t, got.ResumePoint)
}

func TestEngine_ReleaseDropsParkedApprovalLaunch(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")
	params := map[string]interface{}{"username": "mallory"}

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "block_account", params, "alice"))
	require.NoError(t, h.engine.MarkFalsePositive(context.Background(), ticket.ID, "noise", "alice"))

	// The mark landed while the launch sat in pre-approval: release restarts
	// from Generated and the abandoned launch request goes with the close.
	require.NoError(t, h.engine.ReleaseFalsePositive(context.Background(), ticket.ID, "bob"))
	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateGenerated, got.State)
	assert.Nil(t, got.ToolExecution)
}

func TestEngine_ReleaseResumesInterruptedSequence(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice"))
	require.NoError(t, h.engine.MarkFalsePositive(context.Background(), ticket.ID, "misfire", "alice"))
	got, _ := h.store.GetTicket(ticket.ID)
	h.executor.Complete(got.ToolExecution.TaskHandle, core.ToolStatusFinished, nil, "")
	h.settle()

	// Closed as FP with the sequence interrupted mid-tool: release hands the
	// settled outcome to an operator instead of restarting from scratch.
	require.NoError(t, h.engine.ReleaseFalsePositive(context.Background(), ticket.ID, "bob"))
	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateManualProcessing, got.State)
}

func TestEngine_ReleaseRequiresFalsePositiveVariant(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")
	require.NoError(t, h.engine.ManualClose(context.Background(), ticket.ID, "done", "alice"))

	err := h.engine.ReleaseFalsePositive(context.Background(), ticket.ID, "bob")
	var perr *core.PreconditionError
	require.ErrorAs(t, err, &perr)
}

func TestEngine_ForceTerminateSettlesOnConfirmation(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice"))
	require.NoError(t, h.engine.ForceTerminate(context.Background(), ticket.ID, "alice"))

	got, _ := h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateToolAction, got.State, "stays in tool action until the executor confirms")
	assert.Equal(t, core.ToolStatusForceTerminating, got.ToolExecution.Status)

	// A second force terminate while already terminating is rejected.
	err := h.engine.ForceTerminate(context.Background(), ticket.ID, "alice")
	var perr *core.PreconditionError
	require.ErrorAs(t, err, &perr)

	h.executor.ConfirmTermination(got.ToolExecution.TaskHandle)
	h.settle()

	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.TicketStateManualProcessing, got.State)
	assert.Equal(t, core.ToolStatusTerminated, got.ToolExecution.Status)
	assert.True(t, got.ToolExecution.ForcedStop)
}

func TestEngine_ManualCloseBlockedWhileToolRuns(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "alice"))
	err := h.engine.ManualClose(context.Background(), ticket.ID, "done", "alice")
	var perr *core.PreconditionError
	require.ErrorAs(t, err, &perr)

	got, _ := h.store.GetTicket(ticket.ID)
	h.executor.Complete(got.ToolExecution.TaskHandle, core.ToolStatusFinished, nil, "")
	h.settle()

	require.NoError(t, h.engine.ManualClose(context.Background(), ticket.ID, "done", "alice"))
	got, _ = h.store.GetTicket(ticket.ID)
	assert.Equal(t, core.CloseVariantManual, got.CloseVariant)
}

func TestEngine_HistoryIsDenseAndOrdered(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")

	require.NoError(t, h.engine.Assign(context.Background(), ticket.ID, "alice", "admin"))
	require.NoError(t, h.engine.EditSummary(context.Background(), ticket.ID, "summary", "alice"))
	require.NoError(t, h.engine.ManualClose(context.Background(), ticket.ID, "done", "alice"))

	records, err := h.store.GetHistory(ticket.ID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for i, r := range records {
		assert.Equal(t, i+1, r.Seq, "history sequence must be dense")
	}
}

func TestEngine_CommandsOnClosedTicketRejected(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, "s1", "evt-1")
	require.NoError(t, h.engine.ManualClose(context.Background(), ticket.ID, "done", "alice"))

	var perr *core.PreconditionError
	require.ErrorAs(t, h.engine.Assign(context.Background(), ticket.ID, "bob", "admin"), &perr)
	require.ErrorAs(t, h.engine.EditSummary(context.Background(), ticket.ID, "x", "admin"), &perr)
	require.ErrorAs(t, h.engine.LaunchTool(context.Background(), ticket.ID, "revoke_session", nil, "admin"), &perr)
	require.ErrorAs(t, h.engine.MarkFalsePositive(context.Background(), ticket.ID, "x", "admin"), &perr)
}
