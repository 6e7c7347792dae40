package tool

import (
	"context"
	"errors"
	"sync"

	"bkaudit/core"

	"go.uber.org/zap"
)

// ErrTaskNotFound is returned when a task handle is unknown to the executor.
var ErrTaskNotFound = errors.New("tool task not found")

// Result is the asynchronous outcome of a tool execution. Status is one of
// finished, failed, or terminated.
type Result struct {
	TaskHandle   string
	TicketID     string
	Status       core.ToolStatus
	OutputFields map[string]interface{}
	Message      string
}

// Executor launches and terminates tool tasks. Outcomes arrive later
// through the dispatcher, never as a Launch return value.
type Executor interface {
	Launch(ctx context.Context, t *Tool, ticketID string, params map[string]interface{}) (string, error)
	Terminate(ctx context.Context, taskHandle string) error
}

// Dispatcher fans tool results out to the single registered handler. The
// ticket engine registers itself at startup; results delivered before that
// are dropped with a log line rather than buffered.
type Dispatcher struct {
	mu      sync.RWMutex
	handler func(Result)
	logger  *zap.SugaredLogger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with no handler registered.
func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{logger: logger}
}

// Register sets the completion handler.
func (d *Dispatcher) Register(handler func(Result)) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

// Deliver hands a result to the handler on its own goroutine so a slow
// ticket update never blocks the executor.
func (d *Dispatcher) Deliver(result Result) {
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()
	if handler == nil {
		d.logger.Warnw("Tool result dropped, no handler registered",
			"task_handle", result.TaskHandle, "ticket_id", result.TicketID)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		handler(result)
	}()
}

// Wait blocks until all in-flight deliveries have been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
