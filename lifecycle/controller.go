// Package lifecycle owns the strategy control-state machine: enable,
// disable, edit, clone, delete, retry, and the async reconciliation of
// pipeline provisioning outcomes back into strategy state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"
	"bkaudit/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StrategyStore is the persistence surface the controller needs.
type StrategyStore interface {
	CreateStrategy(*core.Strategy) error
	GetStrategy(id string) (*core.Strategy, error)
	UpdateStrategy(*core.Strategy) error
	UpdateControlState(id string, from, to core.ControlState, lastError string) error
}

// Notifier receives strategy lifecycle change events, fire-and-forget.
type Notifier interface {
	StrategyLifecycleChanged(strategy *core.Strategy, from, to core.ControlState, reason string)
}

// NoOpNotifier discards lifecycle events.
type NoOpNotifier struct{}

func (NoOpNotifier) StrategyLifecycleChanged(*core.Strategy, core.ControlState, core.ControlState, string) {
}

// Controller drives strategy lifecycle transitions. Per-strategy mutual
// exclusion: a command on a strategy whose lock is held, or whose persisted
// state is transient, is rejected with a busy signal rather than queued.
type Controller struct {
	store  StrategyStore
	prov   pipeline.Provisioner
	poller *pipeline.Poller
	notify Notifier
	logger *zap.SugaredLogger

	enableDeadline  time.Duration
	disableDeadline time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config holds the controller's tunables.
type Config struct {
	// EnableDeadline and DisableDeadline are soft: past them the operation
	// is surfaced as abnormally slow and kept polling, never auto-failed.
	EnableDeadline  time.Duration
	DisableDeadline time.Duration
}

// NewController creates a lifecycle controller.
func NewController(store StrategyStore, prov pipeline.Provisioner, poller *pipeline.Poller, notify Notifier, cfg Config, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if notify == nil {
		notify = NoOpNotifier{}
	}
	if cfg.EnableDeadline <= 0 {
		cfg.EnableDeadline = 10 * time.Minute
	}
	if cfg.DisableDeadline <= 0 {
		cfg.DisableDeadline = 2 * time.Minute
	}
	return &Controller{
		store:           store,
		prov:            prov,
		poller:          poller,
		notify:          notify,
		logger:          logger,
		enableDeadline:  cfg.EnableDeadline,
		disableDeadline: cfg.DisableDeadline,
		locks:           make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// tryLock acquires the strategy's command lock or reports busy.
func (c *Controller) tryLock(id string) (*sync.Mutex, error) {
	l := c.lockFor(id)
	if !l.TryLock() {
		return nil, fmt.Errorf("strategy %s: %w", id, core.ErrBusy)
	}
	return l, nil
}

func (c *Controller) setState(s *core.Strategy, from, to core.ControlState, reason string) error {
	if err := c.store.UpdateControlState(s.ID, from, to, reason); err != nil {
		return err
	}
	s.ControlState = to
	s.LastError = reason
	metrics.LifecycleTransitions.WithLabelValues(string(to)).Inc()
	c.notify.StrategyLifecycleChanged(s, from, to, reason)
	return nil
}

// Create validates and stores a new draft strategy.
func (c *Controller) Create(ctx context.Context, s *core.Strategy, actor string) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Category == "" {
		s.Category = core.StrategyCategoryCustom
	}
	s.ControlState = core.StateDraft
	if err := s.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	s.CreatedBy, s.UpdatedBy = actor, actor
	if err := c.store.CreateStrategy(s); err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	c.logger.Infow("Strategy created", "strategy_id", s.ID, "name", s.Name, "actor", actor)
	return nil
}

// Enable starts a strategy: draft, disabled, or enable_failed (retry)
// transitions into enabling, a pipeline job is provisioned, and the poller
// resolves the outcome to running or enable_failed.
func (c *Controller) Enable(ctx context.Context, id, actor string) error {
	l, err := c.tryLock(id)
	if err != nil {
		return err
	}
	defer l.Unlock()

	s, err := c.store.GetStrategy(id)
	if err != nil {
		return err
	}
	if s.ControlState.IsTransient() {
		return fmt.Errorf("strategy %s is %s: %w", id, s.ControlState, core.ErrBusy)
	}
	if !s.CanTransitionTo(core.StateEnabling) {
		return core.NewPreconditionError("strategy", id, string(s.ControlState), "enable")
	}
	from := s.ControlState
	if err := c.setState(s, from, core.StateEnabling, ""); err != nil {
		return err
	}

	handle, err := c.prov.Provision(ctx, s)
	if err != nil {
		reason := fmt.Sprintf("provision call failed: %v", err)
		if stateErr := c.setState(s, core.StateEnabling, core.StateEnableFailed, reason); stateErr != nil {
			c.logger.Errorw("Failed to record enable failure", "strategy_id", id, "error", stateErr)
		}
		return core.NewProvisioningFailure("", reason)
	}
	s.JobHandle = handle
	if err := c.store.UpdateStrategy(s); err != nil {
		return fmt.Errorf("failed to save job handle for %s: %w", id, err)
	}

	c.logger.Infow("Strategy enabling", "strategy_id", id, "handle", handle, "actor", actor)
	c.awaitTransient(id, handle, pipeline.WaitProvision, c.enableDeadline,
		core.StateEnabling, core.StateRunning, core.StateEnableFailed)
	return nil
}

// Disable stops a running strategy via decommission.
func (c *Controller) Disable(ctx context.Context, id, actor string) error {
	l, err := c.tryLock(id)
	if err != nil {
		return err
	}
	defer l.Unlock()

	s, err := c.store.GetStrategy(id)
	if err != nil {
		return err
	}
	if s.ControlState.IsTransient() {
		return fmt.Errorf("strategy %s is %s: %w", id, s.ControlState, core.ErrBusy)
	}
	if !s.CanTransitionTo(core.StateDisabling) {
		return core.NewPreconditionError("strategy", id, string(s.ControlState), "disable")
	}
	from := s.ControlState
	if err := c.setState(s, from, core.StateDisabling, ""); err != nil {
		return err
	}

	if err := c.prov.Decommission(ctx, s.JobHandle); err != nil && !errors.Is(err, pipeline.ErrJobNotFound) {
		reason := fmt.Sprintf("decommission call failed: %v", err)
		if stateErr := c.setState(s, core.StateDisabling, core.StateDisableFailed, reason); stateErr != nil {
			c.logger.Errorw("Failed to record disable failure", "strategy_id", id, "error", stateErr)
		}
		return core.NewProvisioningFailure(s.JobHandle, reason)
	}

	c.logger.Infow("Strategy disabling", "strategy_id", id, "handle", s.JobHandle, "actor", actor)
	c.awaitTransient(id, s.JobHandle, pipeline.WaitDecommission, c.disableDeadline,
		core.StateDisabling, core.StateDisabled, core.StateDisableFailed)
	return nil
}

// awaitTransient registers the poller completion that resolves a transient
// state. The callback serializes against operator commands with the same
// per-strategy lock.
func (c *Controller) awaitTransient(id, handle string, kind pipeline.WaitKind, deadline time.Duration, transient, success, failure core.ControlState) {
	c.poller.Await(handle, kind, deadline, func(comp pipeline.Completion) {
		l := c.lockFor(id)
		l.Lock()
		defer l.Unlock()

		s, err := c.store.GetStrategy(id)
		if err != nil {
			c.logger.Errorw("Completion for unknown strategy", "strategy_id", id, "error", err)
			return
		}
		if s.ControlState != transient {
			// Monotonicity: the transient state was already resolved.
			c.logger.Warnw("Completion arrived after state settled", "strategy_id", id, "state", s.ControlState)
			return
		}
		if comp.Err != nil {
			reason := comp.Err.Error()
			var pf *core.ProvisioningFailure
			if errors.As(comp.Err, &pf) {
				reason = pf.Reason
			}
			if err := c.setState(s, transient, failure, reason); err != nil {
				c.logger.Errorw("Failed to record provisioning failure", "strategy_id", id, "error", err)
			}
			return
		}
		if err := c.setState(s, transient, success, ""); err != nil {
			c.logger.Errorw("Failed to settle transient state", "strategy_id", id, "error", err)
			return
		}
		c.logger.Infow("Strategy settled", "strategy_id", id, "state", success)
	})
}

// Retry re-enters the transient state from a failed sub-state.
func (c *Controller) Retry(ctx context.Context, id, actor string) error {
	s, err := c.store.GetStrategy(id)
	if err != nil {
		return err
	}
	switch s.ControlState {
	case core.StateEnableFailed:
		return c.Enable(ctx, id, actor)
	case core.StateDisableFailed:
		return c.Disable(ctx, id, actor)
	case core.StateUpdateFailed:
		return c.reprovision(ctx, s, actor)
	case core.StateDeleteFailed:
		return c.Delete(ctx, id, actor)
	default:
		return core.NewPreconditionError("strategy", id, string(s.ControlState), "retry")
	}
}

// Edit replaces a strategy's definition. Transient strategies reject the
// edit; a running strategy passes through updating with a fresh pipeline
// job since its computation shape may change.
func (c *Controller) Edit(ctx context.Context, updated *core.Strategy, actor string) error {
	l, err := c.tryLock(updated.ID)
	if err != nil {
		return err
	}

	s, err := c.store.GetStrategy(updated.ID)
	if err != nil {
		l.Unlock()
		return err
	}
	if s.ControlState.IsTransient() {
		l.Unlock()
		return fmt.Errorf("strategy %s is %s: %w", updated.ID, s.ControlState, core.ErrBusy)
	}

	// Definition fields come from the edit; lifecycle fields stay.
	s.Name = updated.Name
	s.Tags = updated.Tags
	s.FilterConditions = updated.FilterConditions
	s.Schedule = updated.Schedule
	s.InputMappings = updated.InputMappings
	s.NotifyGroups = updated.NotifyGroups
	s.UpdatedBy = actor
	if err := s.Validate(); err != nil {
		l.Unlock()
		return err
	}

	if s.ControlState != core.StateRunning {
		err := c.store.UpdateStrategy(s)
		l.Unlock()
		return err
	}

	// Running: persist the new definition, then re-provision under updating.
	// Both happen under the same lock so no other command slips between
	// the persisted edit and its pipeline rollout.
	if err := c.store.UpdateStrategy(s); err != nil {
		l.Unlock()
		return err
	}
	err = c.reprovisionLocked(ctx, s, actor)
	l.Unlock()
	return err
}

// ApplyUpdating runs mutate on a stable strategy and drives it through the
// updating transient state when it is running. Used by edits and by the
// solution upgrade confirmation, which must re-provision because the output
// field shape may change.
func (c *Controller) ApplyUpdating(ctx context.Context, id string, actor string, mutate func(*core.Strategy) error) error {
	l, err := c.tryLock(id)
	if err != nil {
		return err
	}

	s, err := c.store.GetStrategy(id)
	if err != nil {
		l.Unlock()
		return err
	}
	if s.ControlState.IsTransient() {
		l.Unlock()
		return fmt.Errorf("strategy %s is %s: %w", id, s.ControlState, core.ErrBusy)
	}
	if s.ControlState != core.StateRunning && s.ControlState != core.StateDisabled {
		l.Unlock()
		return core.NewPreconditionError("strategy", id, string(s.ControlState), "update")
	}
	if err := mutate(s); err != nil {
		l.Unlock()
		return err
	}
	s.UpdatedBy = actor
	if err := s.Validate(); err != nil {
		l.Unlock()
		return err
	}
	if err := c.store.UpdateStrategy(s); err != nil {
		l.Unlock()
		return err
	}
	if s.ControlState != core.StateRunning {
		l.Unlock()
		return nil
	}
	err = c.reprovisionLocked(ctx, s, actor)
	l.Unlock()
	return err
}

// reprovision moves a running strategy through updating: tear down the old
// job, provision a new one, settle back to running on completion.
func (c *Controller) reprovision(ctx context.Context, s *core.Strategy, actor string) error {
	l, err := c.tryLock(s.ID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	s, err = c.store.GetStrategy(s.ID)
	if err != nil {
		return err
	}
	if s.ControlState != core.StateRunning && s.ControlState != core.StateUpdateFailed {
		return core.NewPreconditionError("strategy", s.ID, string(s.ControlState), "update")
	}
	return c.reprovisionLocked(ctx, s, actor)
}

// reprovisionLocked is reprovision with the strategy's lock already held
// and s current. Edits call it directly so the rollout stays under the
// same lock as the persisted definition change.
func (c *Controller) reprovisionLocked(ctx context.Context, s *core.Strategy, actor string) error {
	from := s.ControlState
	if err := c.setState(s, from, core.StateUpdating, ""); err != nil {
		return err
	}

	oldHandle := s.JobHandle
	if oldHandle != "" {
		if err := c.prov.Decommission(ctx, oldHandle); err != nil && !errors.Is(err, pipeline.ErrJobNotFound) {
			c.logger.Warnw("Failed to decommission old job, continuing with re-provision",
				"strategy_id", s.ID, "handle", oldHandle, "error", err)
		}
	}

	handle, err := c.prov.Provision(ctx, s)
	if err != nil {
		reason := fmt.Sprintf("provision call failed: %v", err)
		if stateErr := c.setState(s, core.StateUpdating, core.StateUpdateFailed, reason); stateErr != nil {
			c.logger.Errorw("Failed to record update failure", "strategy_id", s.ID, "error", stateErr)
		}
		return core.NewProvisioningFailure("", reason)
	}
	s.JobHandle = handle
	if err := c.store.UpdateStrategy(s); err != nil {
		return fmt.Errorf("failed to save job handle for %s: %w", s.ID, err)
	}

	c.logger.Infow("Strategy updating", "strategy_id", s.ID, "handle", handle, "actor", actor)
	c.awaitTransient(s.ID, handle, pipeline.WaitProvision, c.enableDeadline,
		core.StateUpdating, core.StateRunning, core.StateUpdateFailed)
	return nil
}

// Clone produces a new independent draft strategy from a draft or disabled
// source. Synchronous, no pipeline side effects.
func (c *Controller) Clone(ctx context.Context, id, newName, actor string) (*core.Strategy, error) {
	l, err := c.tryLock(id)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	src, err := c.store.GetStrategy(id)
	if err != nil {
		return nil, err
	}
	if !src.CanClone() {
		return nil, core.NewPreconditionError("strategy", id, string(src.Category), "clone")
	}
	if src.ControlState.IsTransient() {
		return nil, fmt.Errorf("strategy %s is %s: %w", id, src.ControlState, core.ErrBusy)
	}
	if src.ControlState != core.StateDraft && src.ControlState != core.StateDisabled {
		return nil, core.NewPreconditionError("strategy", id, string(src.ControlState), "clone")
	}

	clone := *src
	clone.ID = uuid.New().String()
	clone.Name = newName
	clone.Category = core.StrategyCategoryCustom
	clone.ControlState = core.StateDraft
	clone.JobHandle = ""
	clone.LastError = ""
	clone.UpgradePending = false
	clone.Tags = append([]string(nil), src.Tags...)
	clone.FilterConditions = append([]core.FilterCondition(nil), src.FilterConditions...)
	clone.InputMappings = append([]core.InputFieldMapping(nil), src.InputMappings...)
	clone.NotifyGroups = append([]string(nil), src.NotifyGroups...)
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	clone.CreatedAt, clone.UpdatedAt = now, now
	clone.CreatedBy, clone.UpdatedBy = actor, actor

	if err := c.store.CreateStrategy(&clone); err != nil {
		return nil, fmt.Errorf("failed to create clone: %w", err)
	}
	c.logger.Infow("Strategy cloned", "source_id", id, "clone_id", clone.ID, "actor", actor)
	return &clone, nil
}

// Delete soft-deletes a strategy. Guarded by category capability; with a
// live pipeline job the teardown is awaited under deleting.
func (c *Controller) Delete(ctx context.Context, id, actor string) error {
	l, err := c.tryLock(id)
	if err != nil {
		return err
	}
	defer l.Unlock()

	s, err := c.store.GetStrategy(id)
	if err != nil {
		return err
	}
	if !s.CanDelete() {
		return core.NewPreconditionError("strategy", id, string(s.Category), "delete")
	}
	if s.ControlState.IsTransient() {
		return fmt.Errorf("strategy %s is %s: %w", id, s.ControlState, core.ErrBusy)
	}
	if !s.CanTransitionTo(core.StateDeleting) {
		return core.NewPreconditionError("strategy", id, string(s.ControlState), "delete")
	}
	wasRunning := s.ControlState == core.StateRunning
	from := s.ControlState
	if err := c.setState(s, from, core.StateDeleting, ""); err != nil {
		return err
	}

	if !wasRunning || s.JobHandle == "" {
		return c.setState(s, core.StateDeleting, core.StateDeleted, "")
	}

	if err := c.prov.Decommission(ctx, s.JobHandle); err != nil && !errors.Is(err, pipeline.ErrJobNotFound) {
		reason := fmt.Sprintf("decommission call failed: %v", err)
		if stateErr := c.setState(s, core.StateDeleting, core.StateDeleteFailed, reason); stateErr != nil {
			c.logger.Errorw("Failed to record delete failure", "strategy_id", id, "error", stateErr)
		}
		return core.NewProvisioningFailure(s.JobHandle, reason)
	}
	c.logger.Infow("Strategy deleting", "strategy_id", id, "actor", actor)
	c.awaitTransient(id, s.JobHandle, pipeline.WaitDecommission, c.disableDeadline,
		core.StateDeleting, core.StateDeleted, core.StateDeleteFailed)
	return nil
}

// Recover re-registers completion waits for strategies left transient by a
// restart, so every transient state keeps a defined recovery path.
func (c *Controller) Recover(strategies []core.Strategy) {
	for i := range strategies {
		s := &strategies[i]
		switch s.ControlState {
		case core.StateEnabling:
			c.awaitTransient(s.ID, s.JobHandle, pipeline.WaitProvision, c.enableDeadline,
				core.StateEnabling, core.StateRunning, core.StateEnableFailed)
		case core.StateUpdating:
			c.awaitTransient(s.ID, s.JobHandle, pipeline.WaitProvision, c.enableDeadline,
				core.StateUpdating, core.StateRunning, core.StateUpdateFailed)
		case core.StateDisabling:
			c.awaitTransient(s.ID, s.JobHandle, pipeline.WaitDecommission, c.disableDeadline,
				core.StateDisabling, core.StateDisabled, core.StateDisableFailed)
		case core.StateDeleting:
			if s.JobHandle == "" {
				// A restart landed between the deleting transition and its
				// synchronous settlement. No job to wait on; finish the
				// delete now.
				if err := c.setState(s, core.StateDeleting, core.StateDeleted, ""); err != nil {
					c.logger.Errorw("Failed to settle interrupted delete", "strategy_id", s.ID, "error", err)
				}
				continue
			}
			c.awaitTransient(s.ID, s.JobHandle, pipeline.WaitDecommission, c.disableDeadline,
				core.StateDeleting, core.StateDeleted, core.StateDeleteFailed)
		}
	}
}
