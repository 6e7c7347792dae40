package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"bkaudit/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func awaitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestPoller_ProvisionCompletes(t *testing.T) {
	prov := NewMockProvisioner()
	prov.PollsUntilActive = 2
	poller := NewPoller(prov, 10*time.Millisecond, zap.NewNop().Sugar())
	poller.Start()
	defer poller.Stop()

	handle, err := prov.Provision(context.Background(), &core.Strategy{ID: "strategy-1"})
	require.NoError(t, err)

	done := make(chan Completion, 1)
	poller.Await(handle, WaitProvision, 0, func(c Completion) { done <- c })

	c := awaitCompletion(t, done)
	assert.NoError(t, c.Err)
	assert.Equal(t, handle, c.Handle)
	assert.Equal(t, WaitProvision, c.Kind)
	assert.Equal(t, 0, poller.PendingCount())
}

func TestPoller_ProvisionFails(t *testing.T) {
	prov := NewMockProvisioner()
	prov.FailProvision = true
	prov.FailReason = "quota exceeded"
	poller := NewPoller(prov, 10*time.Millisecond, zap.NewNop().Sugar())
	poller.Start()
	defer poller.Stop()

	handle, err := prov.Provision(context.Background(), &core.Strategy{ID: "strategy-1"})
	require.NoError(t, err)

	done := make(chan Completion, 1)
	poller.Await(handle, WaitProvision, 0, func(c Completion) { done <- c })

	c := awaitCompletion(t, done)
	require.Error(t, c.Err)
	var pf *core.ProvisioningFailure
	require.ErrorAs(t, c.Err, &pf)
	assert.Equal(t, "quota exceeded", pf.Reason)
}

func TestPoller_DecommissionCompletes(t *testing.T) {
	prov := NewMockProvisioner()
	prov.PollsUntilActive = 1
	poller := NewPoller(prov, 10*time.Millisecond, zap.NewNop().Sugar())
	poller.Start()
	defer poller.Stop()

	handle, err := prov.Provision(context.Background(), &core.Strategy{ID: "strategy-1"})
	require.NoError(t, err)
	require.NoError(t, prov.Decommission(context.Background(), handle))

	done := make(chan Completion, 1)
	poller.Await(handle, WaitDecommission, 0, func(c Completion) { done <- c })

	c := awaitCompletion(t, done)
	assert.NoError(t, c.Err)
	assert.Equal(t, WaitDecommission, c.Kind)
}

func TestPoller_SoftDeadlineDoesNotFail(t *testing.T) {
	prov := NewMockProvisioner()
	prov.PollsUntilActive = 8
	poller := NewPoller(prov, 10*time.Millisecond, zap.NewNop().Sugar())
	poller.Start()
	defer poller.Stop()

	handle, err := prov.Provision(context.Background(), &core.Strategy{ID: "strategy-1"})
	require.NoError(t, err)

	done := make(chan Completion, 1)
	// Deadline far below the completion time: the wait keeps polling and
	// still resolves successfully.
	poller.Await(handle, WaitProvision, time.Millisecond, func(c Completion) { done <- c })

	c := awaitCompletion(t, done)
	assert.NoError(t, c.Err)
}

func TestPoller_CallbackFiresOnce(t *testing.T) {
	prov := NewMockProvisioner()
	poller := NewPoller(prov, 10*time.Millisecond, zap.NewNop().Sugar())
	poller.Start()
	defer poller.Stop()

	handle, err := prov.Provision(context.Background(), &core.Strategy{ID: "strategy-1"})
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	poller.Await(handle, WaitProvision, 0, func(Completion) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
