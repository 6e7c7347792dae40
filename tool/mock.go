package tool

import (
	"context"
	"sync"

	"bkaudit/core"

	"github.com/google/uuid"
)

// MockExecutor simulates tool runs for tests and local development. Tasks
// stay open until the test completes them, or auto-complete when
// AutoComplete is set.
type MockExecutor struct {
	dispatcher *Dispatcher

	mu    sync.Mutex
	tasks map[string]*mockTask

	// AutoComplete finishes every launched task immediately with
	// AutoOutput as its output fields.
	AutoComplete bool
	AutoOutput   map[string]interface{}
	// LaunchErr, when set, is returned by Launch itself.
	LaunchErr error
}

type mockTask struct {
	ticketID   string
	terminated bool
}

// NewMockExecutor creates a mock wired to the dispatcher.
func NewMockExecutor(dispatcher *Dispatcher) *MockExecutor {
	return &MockExecutor{dispatcher: dispatcher, tasks: make(map[string]*mockTask)}
}

// Launch registers a pending task.
func (m *MockExecutor) Launch(ctx context.Context, t *Tool, ticketID string, params map[string]interface{}) (string, error) {
	if m.LaunchErr != nil {
		return "", m.LaunchErr
	}
	handle := "task-" + uuid.New().String()[:8]
	m.mu.Lock()
	m.tasks[handle] = &mockTask{ticketID: ticketID}
	m.mu.Unlock()
	if m.AutoComplete {
		m.Complete(handle, core.ToolStatusFinished, m.AutoOutput, "")
	}
	return handle, nil
}

// Terminate acknowledges a termination request; the terminated result is
// delivered asynchronously like a real executor would.
func (m *MockExecutor) Terminate(ctx context.Context, taskHandle string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskHandle]
	if ok {
		task.terminated = true
	}
	m.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	return nil
}

// Complete resolves an open task and delivers the result.
func (m *MockExecutor) Complete(taskHandle string, status core.ToolStatus, output map[string]interface{}, message string) {
	m.mu.Lock()
	task, ok := m.tasks[taskHandle]
	if ok {
		delete(m.tasks, taskHandle)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.dispatcher.Deliver(Result{
		TaskHandle:   taskHandle,
		TicketID:     task.ticketID,
		Status:       status,
		OutputFields: output,
		Message:      message,
	})
}

// ConfirmTermination resolves a task that Terminate was called on.
func (m *MockExecutor) ConfirmTermination(taskHandle string) {
	m.Complete(taskHandle, core.ToolStatusTerminated, nil, "terminated by operator")
}

// Open reports whether a task is still pending.
func (m *MockExecutor) Open(taskHandle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskHandle]
	return ok
}
