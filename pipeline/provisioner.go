// Package pipeline is the adapter to the external data-processing platform
// that materializes a strategy's scheduled computation. Provisioning and
// teardown have no fixed completion time; the Poller resolves them.
package pipeline

import (
	"context"
	"errors"

	"bkaudit/core"
)

// JobStatus is the provisioner's view of a pipeline job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusActive  JobStatus = "active"
	JobStatusFailed  JobStatus = "failed"
)

// ErrJobNotFound is returned by Status once a job has been fully torn down
// (or never existed). A decommission wait treats it as completion.
var ErrJobNotFound = errors.New("pipeline job not found")

// StatusReport is one Status answer. Reason is machine-readable and only
// set for failed.
type StatusReport struct {
	Status JobStatus
	Reason string
}

// Provisioner provisions and tears down pipeline jobs. Implementations
// wrap the platform API; all calls may be slow and must honor ctx.
type Provisioner interface {
	// Provision materializes the computation for a strategy and returns a
	// job handle. The job starts pending.
	Provision(ctx context.Context, strategy *core.Strategy) (string, error)

	// Decommission starts teardown of a job. Completion is observed via
	// Status returning ErrJobNotFound.
	Decommission(ctx context.Context, handle string) error

	// Status reports the current job state.
	Status(ctx context.Context, handle string) (StatusReport, error)
}
