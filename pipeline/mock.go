package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bkaudit/core"

	"github.com/google/uuid"
)

// MockProvisioner simulates the data platform for tests and local runs.
// Jobs become active (or failed) after a configurable number of status
// polls; decommissioned jobs disappear after the same delay.
type MockProvisioner struct {
	mu   sync.Mutex
	jobs map[string]*mockJob

	// PollsUntilActive is how many Status calls a job stays pending.
	PollsUntilActive int
	// FailProvision makes every provisioned job settle failed with FailReason.
	FailProvision bool
	FailReason    string
	// ProvisionErr, when set, is returned by Provision itself.
	ProvisionErr error
}

type mockJob struct {
	strategyID      string
	polls           int
	decommissioning bool
}

// NewMockProvisioner creates a mock whose jobs activate on the first poll.
func NewMockProvisioner() *MockProvisioner {
	return &MockProvisioner{jobs: make(map[string]*mockJob)}
}

// Provision creates a pending mock job.
func (m *MockProvisioner) Provision(ctx context.Context, strategy *core.Strategy) (string, error) {
	if m.ProvisionErr != nil {
		return "", m.ProvisionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := fmt.Sprintf("job-%s", uuid.New().String()[:8])
	m.jobs[handle] = &mockJob{strategyID: strategy.ID}
	return handle, nil
}

// Decommission marks a job for teardown.
func (m *MockProvisioner) Decommission(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[handle]
	if !ok {
		return ErrJobNotFound
	}
	job.decommissioning = true
	job.polls = 0
	return nil
}

// Status advances the simulated job one step per call.
func (m *MockProvisioner) Status(ctx context.Context, handle string) (StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[handle]
	if !ok {
		return StatusReport{}, ErrJobNotFound
	}
	job.polls++
	if job.decommissioning {
		if job.polls > m.PollsUntilActive {
			delete(m.jobs, handle)
			return StatusReport{}, ErrJobNotFound
		}
		return StatusReport{Status: JobStatusActive}, nil
	}
	if job.polls <= m.PollsUntilActive {
		return StatusReport{Status: JobStatusPending}, nil
	}
	if m.FailProvision {
		reason := m.FailReason
		if reason == "" {
			reason = "mock provisioning failure"
		}
		return StatusReport{Status: JobStatusFailed, Reason: reason}, nil
	}
	return StatusReport{Status: JobStatusActive}, nil
}

// WaitIdle blocks until the mock has no jobs left or the timeout passes,
// for tests that need teardown to finish.
func (m *MockProvisioner) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.jobs)
		m.mu.Unlock()
		if n == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
