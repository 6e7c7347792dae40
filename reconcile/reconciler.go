// Package reconcile keeps model strategies aligned with their solution's
// released versions: a periodic scan flags strategies bound to a stale
// version, and upgrade confirmation atomically rewrites the binding after
// validating the new version's input contract.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// SolutionStore supplies released solution versions.
type SolutionStore interface {
	GetLatest(id string) (*core.Solution, error)
	GetRelease(id string, version int) (*core.Solution, error)
}

// StrategyStore is the strategy surface the reconciler scans and flags.
type StrategyStore interface {
	GetModelStrategies() ([]core.Strategy, error)
	GetStrategy(id string) (*core.Strategy, error)
	UpdateStrategy(*core.Strategy) error
}

// Updater drives the confirmed upgrade through the strategy lifecycle so a
// running strategy is re-provisioned with the new binding.
type Updater interface {
	ApplyUpdating(ctx context.Context, id string, actor string, mutate func(*core.Strategy) error) error
}

// Reconciler scans model strategies on an interval and owns the upgrade
// confirmation flow. Solution metadata is cached in an LRU keyed by
// id/version since releases are immutable once written.
type Reconciler struct {
	solutions SolutionStore
	strats    StrategyStore
	updater   Updater
	logger    *zap.SugaredLogger

	interval time.Duration
	cache    *lru.Cache[string, *core.Solution]

	stopCh chan struct{}
	stopMu sync.Mutex
	wg     sync.WaitGroup
}

// Config holds the reconciler's tunables.
type Config struct {
	Interval  time.Duration
	CacheSize int
}

// NewReconciler creates a stopped reconciler.
func NewReconciler(solutions SolutionStore, strats StrategyStore, updater Updater, cfg Config, logger *zap.SugaredLogger) (*Reconciler, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	cache, err := lru.New[string, *core.Solution](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build solution cache: %w", err)
	}
	return &Reconciler{
		solutions: solutions,
		strats:    strats,
		updater:   updater,
		logger:    logger,
		interval:  cfg.Interval,
		cache:     cache,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the periodic scan.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Scan(context.Background())
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Scan(context.Background())
			}
		}
	}()
}

// Stop halts the scan loop.
func (r *Reconciler) Stop() {
	r.stopMu.Lock()
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.stopMu.Unlock()
	r.wg.Wait()
}

// release fetches an immutable release through the cache.
func (r *Reconciler) release(id string, version int) (*core.Solution, error) {
	key := fmt.Sprintf("%s/%d", id, version)
	if sol, ok := r.cache.Get(key); ok {
		return sol, nil
	}
	sol, err := r.solutions.GetRelease(id, version)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, sol)
	return sol, nil
}

// Scan flags every model strategy bound to a version older than its
// solution's latest release. The flag is advisory: nothing is rewritten
// until an operator confirms.
func (r *Reconciler) Scan(ctx context.Context) {
	strategies, err := r.strats.GetModelStrategies()
	if err != nil {
		r.logger.Errorw("Failed to list model strategies", "error", err)
		return
	}

	pending := 0
	for i := range strategies {
		s := &strategies[i]
		latest, err := r.solutions.GetLatest(s.SolutionID)
		if err != nil {
			r.logger.Errorw("Failed to resolve latest solution release",
				"strategy_id", s.ID, "solution_id", s.SolutionID, "error", err)
			continue
		}
		stale := latest.Version > s.BoundVersion
		if stale {
			pending++
		}
		if stale == s.UpgradePending {
			continue
		}
		s.UpgradePending = stale
		if err := r.strats.UpdateStrategy(s); err != nil {
			r.logger.Errorw("Failed to record upgrade flag", "strategy_id", s.ID, "error", err)
			continue
		}
		if stale {
			r.logger.Infow("Strategy flagged for solution upgrade",
				"strategy_id", s.ID, "bound_version", s.BoundVersion, "latest_version", latest.Version)
		}
	}
	metrics.UpgradePendingStrategies.Set(float64(pending))
}

// ComputeDiff builds the field mapping difference an operator reviews
// before confirming an upgrade.
func (r *Reconciler) ComputeDiff(ctx context.Context, strategyID string) (*core.FieldMappingDiff, error) {
	s, err := r.strats.GetStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	if s.Type != core.StrategyTypeModel {
		return nil, core.NewPreconditionError("strategy", strategyID, string(s.Type), "compute upgrade diff")
	}
	latest, err := r.solutions.GetLatest(s.SolutionID)
	if err != nil {
		return nil, err
	}

	mapped := make(map[string]bool, len(s.InputMappings))
	for _, m := range s.InputMappings {
		mapped[m.SolutionField] = true
	}
	diff := &core.FieldMappingDiff{
		SolutionID:  s.SolutionID,
		FromVersion: s.BoundVersion,
		ToVersion:   latest.Version,
	}
	declared := make(map[string]bool, len(latest.InputFields))
	for _, f := range latest.InputFields {
		declared[f.Name] = true
		if mapped[f.Name] {
			diff.Unchanged = append(diff.Unchanged, f.Name)
		} else {
			diff.Added = append(diff.Added, f)
		}
	}
	for _, m := range s.InputMappings {
		if !declared[m.SolutionField] {
			diff.Removed = append(diff.Removed, m.SolutionField)
		}
	}
	return diff, nil
}

// ConfirmUpgrade rewrites the strategy's binding to the latest release.
// Every required input of the new version must be mapped, the solution
// params must satisfy the release's schema, and the mapping rewrite plus
// version bump land in one atomic strategy update.
func (r *Reconciler) ConfirmUpgrade(ctx context.Context, strategyID string, mappings []core.InputFieldMapping, params map[string]interface{}, actor string) error {
	s, err := r.strats.GetStrategy(strategyID)
	if err != nil {
		return err
	}
	if s.Type != core.StrategyTypeModel {
		return core.NewPreconditionError("strategy", strategyID, string(s.Type), "confirm upgrade")
	}
	if !s.UpgradePending {
		return core.NewPreconditionError("strategy", strategyID, "up to date", "confirm upgrade")
	}
	latest, err := r.solutions.GetLatest(s.SolutionID)
	if err != nil {
		return err
	}

	byField := make(map[string]core.InputFieldMapping, len(mappings))
	for _, m := range mappings {
		if _, ok := latest.InputField(m.SolutionField); !ok {
			return core.NewValidationError("input_mappings",
				fmt.Sprintf("field %q is not declared by version %d", m.SolutionField, latest.Version))
		}
		byField[m.SolutionField] = m
	}
	for _, f := range latest.InputFields {
		if f.Required {
			if _, ok := byField[f.Name]; !ok {
				return core.NewValidationError("input_mappings",
					fmt.Sprintf("required field %q has no mapping", f.Name))
			}
		}
	}

	if latest.ParamsSchema != "" {
		if err := validateParams(latest.ParamsSchema, params); err != nil {
			return err
		}
	}

	err = r.updater.ApplyUpdating(ctx, strategyID, actor, func(s *core.Strategy) error {
		s.InputMappings = mappings
		s.SolutionParams = params
		s.BoundVersion = latest.Version
		s.UpgradePending = false
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Infow("Solution upgrade confirmed", "strategy_id", strategyID,
		"solution_id", s.SolutionID, "version", latest.Version, "actor", actor)
	return nil
}

func validateParams(schema string, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	doc, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode solution params: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("params schema validation failed: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return core.NewValidationError("solution_params", first.String())
	}
	return nil
}
