// Package service is the request-facing layer: it validates incoming
// payloads, maps them onto domain types, and delegates to the lifecycle
// controller, ticket engine, and reconciler.
package service

import (
	"context"
	"time"

	"bkaudit/core"
	"bkaudit/lifecycle"
	"bkaudit/reconcile"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// StrategyReader lists strategies for the read endpoints.
type StrategyReader interface {
	GetStrategy(id string) (*core.Strategy, error)
	GetStrategies() ([]core.Strategy, error)
}

// StrategyRequest is the create/edit payload.
type StrategyRequest struct {
	Name             string                   `json:"name" validate:"required"`
	Type             string                   `json:"type" validate:"required,oneof=rule model"`
	Tags             []string                 `json:"tags,omitempty"`
	FilterConditions []core.FilterCondition   `json:"filter_conditions,omitempty"`
	PeriodSeconds    int                      `json:"period_seconds" validate:"required,min=1"`
	WindowSeconds    int                      `json:"window_seconds" validate:"required,min=1"`
	SolutionID       string                   `json:"solution_id,omitempty"`
	BoundVersion     int                      `json:"bound_version,omitempty"`
	InputMappings    []core.InputFieldMapping `json:"input_mappings,omitempty"`
	NotifyGroups     []string                 `json:"notify_groups,omitempty"`
}

// StrategyService exposes the strategy command and query surface.
type StrategyService struct {
	controller *lifecycle.Controller
	reader     StrategyReader
	reconciler *reconcile.Reconciler
	validate   *validator.Validate
	logger     *zap.SugaredLogger
}

// NewStrategyService creates the strategy service.
func NewStrategyService(controller *lifecycle.Controller, reader StrategyReader, reconciler *reconcile.Reconciler, logger *zap.SugaredLogger) *StrategyService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StrategyService{
		controller: controller,
		reader:     reader,
		reconciler: reconciler,
		validate:   validator.New(),
		logger:     logger,
	}
}

func (s *StrategyService) toStrategy(req *StrategyRequest) *core.Strategy {
	return &core.Strategy{
		Name:             req.Name,
		Type:             core.StrategyType(req.Type),
		Tags:             req.Tags,
		FilterConditions: req.FilterConditions,
		Schedule: core.Schedule{
			Period:            time.Duration(req.PeriodSeconds) * time.Second,
			StatisticalWindow: time.Duration(req.WindowSeconds) * time.Second,
		},
		SolutionID:    req.SolutionID,
		BoundVersion:  req.BoundVersion,
		InputMappings: req.InputMappings,
		NotifyGroups:  req.NotifyGroups,
	}
}

// Create validates the payload and stores a draft strategy.
func (s *StrategyService) Create(ctx context.Context, req *StrategyRequest, actor string) (*core.Strategy, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, core.NewValidationError("request", err.Error())
	}
	strategy := s.toStrategy(req)
	if err := s.controller.Create(ctx, strategy, actor); err != nil {
		return nil, err
	}
	return strategy, nil
}

// Edit validates and applies a definition change.
func (s *StrategyService) Edit(ctx context.Context, id string, req *StrategyRequest, actor string) (*core.Strategy, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, core.NewValidationError("request", err.Error())
	}
	updated := s.toStrategy(req)
	updated.ID = id
	if err := s.controller.Edit(ctx, updated, actor); err != nil {
		return nil, err
	}
	return s.reader.GetStrategy(id)
}

// Get fetches one strategy.
func (s *StrategyService) Get(ctx context.Context, id string) (*core.Strategy, error) {
	return s.reader.GetStrategy(id)
}

// List returns all non-deleted strategies.
func (s *StrategyService) List(ctx context.Context) ([]core.Strategy, error) {
	return s.reader.GetStrategies()
}

// Enable starts the strategy.
func (s *StrategyService) Enable(ctx context.Context, id, actor string) error {
	return s.controller.Enable(ctx, id, actor)
}

// Disable stops the strategy.
func (s *StrategyService) Disable(ctx context.Context, id, actor string) error {
	return s.controller.Disable(ctx, id, actor)
}

// Delete soft-deletes the strategy.
func (s *StrategyService) Delete(ctx context.Context, id, actor string) error {
	return s.controller.Delete(ctx, id, actor)
}

// Clone copies a strategy into a new draft.
func (s *StrategyService) Clone(ctx context.Context, id, newName, actor string) (*core.Strategy, error) {
	return s.controller.Clone(ctx, id, newName, actor)
}

// Retry re-runs the failed lifecycle step.
func (s *StrategyService) Retry(ctx context.Context, id, actor string) error {
	return s.controller.Retry(ctx, id, actor)
}

// UpgradeDiff returns the field mapping diff for a pending solution upgrade.
func (s *StrategyService) UpgradeDiff(ctx context.Context, id string) (*core.FieldMappingDiff, error) {
	return s.reconciler.ComputeDiff(ctx, id)
}

// UpgradeRequest is the upgrade confirmation payload.
type UpgradeRequest struct {
	InputMappings  []core.InputFieldMapping `json:"input_mappings" validate:"required,min=1"`
	SolutionParams map[string]interface{}   `json:"solution_params,omitempty"`
}

// ConfirmUpgrade applies a reviewed solution upgrade.
func (s *StrategyService) ConfirmUpgrade(ctx context.Context, id string, req *UpgradeRequest, actor string) error {
	if err := s.validate.Struct(req); err != nil {
		return core.NewValidationError("request", err.Error())
	}
	return s.reconciler.ConfirmUpgrade(ctx, id, req.InputMappings, req.SolutionParams, actor)
}
