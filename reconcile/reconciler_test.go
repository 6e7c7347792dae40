package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"bkaudit/core"
	"bkaudit/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpdater struct {
	mu      sync.Mutex
	strats  StrategyStore
	applied int
}

func (f *fakeUpdater) ApplyUpdating(ctx context.Context, id string, actor string, mutate func(*core.Strategy) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.strats.GetStrategy(id)
	if err != nil {
		return err
	}
	if err := mutate(s); err != nil {
		return err
	}
	f.applied++
	return f.strats.UpdateStrategy(s)
}

type harness struct {
	reconciler *Reconciler
	solutions  *storage.SQLiteSolutionStorage
	strategies *storage.SQLiteStrategyStorage
	updater    *fakeUpdater
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.NewSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	solutions, err := storage.NewSQLiteSolutionStorage(db, nil)
	require.NoError(t, err)
	strategies, err := storage.NewSQLiteStrategyStorage(db, nil)
	require.NoError(t, err)

	updater := &fakeUpdater{strats: strategies}
	r, err := NewReconciler(solutions, strategies, updater, Config{}, nil)
	require.NoError(t, err)
	return &harness{reconciler: r, solutions: solutions, strategies: strategies, updater: updater}
}

func (h *harness) release(t *testing.T, version int, schema string, inputs ...core.FieldDecl) {
	t.Helper()
	require.NoError(t, h.solutions.SaveRelease(&core.Solution{
		ID:           "sol-1",
		Name:         "login_anomaly",
		Version:      version,
		ReleasedAt:   time.Now().UTC(),
		InputFields:  inputs,
		ParamsSchema: schema,
	}))
}

func (h *harness) modelStrategy(t *testing.T, boundVersion int, mappings ...core.InputFieldMapping) *core.Strategy {
	t.Helper()
	s := &core.Strategy{
		ID:            "m1",
		Name:          "anomaly_watch",
		Type:          core.StrategyTypeModel,
		Category:      core.StrategyCategoryCustom,
		Tags:          []string{"anomaly"},
		NotifyGroups:  []string{"secops"},
		Schedule:      core.Schedule{Period: 5 * time.Minute, StatisticalWindow: 5 * time.Minute},
		ControlState:  core.StateDisabled,
		SolutionID:    "sol-1",
		BoundVersion:  boundVersion,
		InputMappings: mappings,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, h.strategies.CreateStrategy(s))
	return s
}

func TestReconciler_ScanFlagsStaleBindings(t *testing.T) {
	h := newHarness(t)
	h.release(t, 1, "", core.FieldDecl{Name: "username", Required: true})
	h.release(t, 2, "", core.FieldDecl{Name: "username", Required: true})
	h.modelStrategy(t, 1, core.InputFieldMapping{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon})

	h.reconciler.Scan(context.Background())

	s, err := h.strategies.GetStrategy("m1")
	require.NoError(t, err)
	assert.True(t, s.UpgradePending)
}

func TestReconciler_ScanClearsFlagWhenCurrent(t *testing.T) {
	h := newHarness(t)
	h.release(t, 1, "", core.FieldDecl{Name: "username", Required: true})
	s := h.modelStrategy(t, 1)
	s.UpgradePending = true
	require.NoError(t, h.strategies.UpdateStrategy(s))

	h.reconciler.Scan(context.Background())

	got, err := h.strategies.GetStrategy("m1")
	require.NoError(t, err)
	assert.False(t, got.UpgradePending)
}

func TestReconciler_ComputeDiff(t *testing.T) {
	h := newHarness(t)
	h.release(t, 1, "", core.FieldDecl{Name: "username", Required: true})
	h.release(t, 2, "",
		core.FieldDecl{Name: "username", Required: true},
		core.FieldDecl{Name: "client_ip", Required: true},
	)
	h.modelStrategy(t, 1,
		core.InputFieldMapping{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon},
		core.InputFieldMapping{SourceField: "old_field", SolutionField: "legacy", MappingType: core.MappingTypeExtension},
	)

	diff, err := h.reconciler.ComputeDiff(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, diff.FromVersion)
	assert.Equal(t, 2, diff.ToVersion)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "client_ip", diff.Added[0].Name)
	assert.Equal(t, []string{"legacy"}, diff.Removed)
	assert.Equal(t, []string{"username"}, diff.Unchanged)
	assert.False(t, diff.Empty())
}

func TestReconciler_ConfirmUpgradeRewritesBinding(t *testing.T) {
	h := newHarness(t)
	h.release(t, 1, "", core.FieldDecl{Name: "username", Required: true})
	h.release(t, 2, "",
		core.FieldDecl{Name: "username", Required: true},
		core.FieldDecl{Name: "client_ip", Required: true},
	)
	s := h.modelStrategy(t, 1, core.InputFieldMapping{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon})
	s.UpgradePending = true
	require.NoError(t, h.strategies.UpdateStrategy(s))

	mappings := []core.InputFieldMapping{
		{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon},
		{SourceField: "client_ip", SolutionField: "client_ip", MappingType: core.MappingTypeExtension},
	}
	require.NoError(t, h.reconciler.ConfirmUpgrade(context.Background(), "m1", mappings, nil, "alice"))

	got, err := h.strategies.GetStrategy("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.BoundVersion)
	assert.False(t, got.UpgradePending)
	assert.Len(t, got.InputMappings, 2)
	assert.Equal(t, 1, h.updater.applied)
}

func TestReconciler_ConfirmUpgradeRejectsUnmappedRequiredField(t *testing.T) {
	h := newHarness(t)
	h.release(t, 2, "",
		core.FieldDecl{Name: "username", Required: true},
		core.FieldDecl{Name: "client_ip", Required: true},
	)
	s := h.modelStrategy(t, 1)
	s.UpgradePending = true
	require.NoError(t, h.strategies.UpdateStrategy(s))

	err := h.reconciler.ConfirmUpgrade(context.Background(), "m1",
		[]core.InputFieldMapping{{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon}},
		nil, "alice")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "client_ip")

	got, _ := h.strategies.GetStrategy("m1")
	assert.Equal(t, 1, got.BoundVersion, "failed confirmation must not move the binding")
	assert.Equal(t, 0, h.updater.applied)
}

func TestReconciler_ConfirmUpgradeRejectsUndeclaredMapping(t *testing.T) {
	h := newHarness(t)
	h.release(t, 2, "", core.FieldDecl{Name: "username", Required: true})
	s := h.modelStrategy(t, 1)
	s.UpgradePending = true
	require.NoError(t, h.strategies.UpdateStrategy(s))

	err := h.reconciler.ConfirmUpgrade(context.Background(), "m1",
		[]core.InputFieldMapping{
			{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon},
			{SourceField: "x", SolutionField: "ghost", MappingType: core.MappingTypeCommon},
		}, nil, "alice")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestReconciler_ConfirmUpgradeValidatesParamsSchema(t *testing.T) {
	h := newHarness(t)
	schema := `{"type":"object","properties":{"threshold":{"type":"number"}},"required":["threshold"]}`
	h.release(t, 2, schema, core.FieldDecl{Name: "username", Required: true})
	s := h.modelStrategy(t, 1)
	s.UpgradePending = true
	require.NoError(t, h.strategies.UpdateStrategy(s))

	mappings := []core.InputFieldMapping{{SourceField: "username", SolutionField: "username", MappingType: core.MappingTypeCommon}}

	err := h.reconciler.ConfirmUpgrade(context.Background(), "m1", mappings, map[string]interface{}{}, "alice")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "solution_params", verr.Field)

	require.NoError(t, h.reconciler.ConfirmUpgrade(context.Background(), "m1", mappings,
		map[string]interface{}{"threshold": 0.8}, "alice"))
	got, _ := h.strategies.GetStrategy("m1")
	assert.Equal(t, 0.8, got.SolutionParams["threshold"])
}

func TestReconciler_ConfirmUpgradeRequiresPendingFlag(t *testing.T) {
	h := newHarness(t)
	h.release(t, 1, "", core.FieldDecl{Name: "username", Required: true})
	h.modelStrategy(t, 1)

	err := h.reconciler.ConfirmUpgrade(context.Background(), "m1", nil, nil, "alice")
	var perr *core.PreconditionError
	require.ErrorAs(t, err, &perr)
}
