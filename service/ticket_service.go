package service

import (
	"context"

	"bkaudit/core"
	"bkaudit/risk"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// TicketReader lists tickets for the read endpoints.
type TicketReader interface {
	GetTicketsByState(state core.TicketState) ([]core.RiskTicket, error)
}

// TicketService exposes the ticket command and query surface over the risk
// engine.
type TicketService struct {
	engine   *risk.Engine
	reader   TicketReader
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

// NewTicketService creates the ticket service.
func NewTicketService(engine *risk.Engine, reader TicketReader, logger *zap.SugaredLogger) *TicketService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TicketService{engine: engine, reader: reader, validate: validator.New(), logger: logger}
}

// Get fetches one ticket.
func (s *TicketService) Get(ctx context.Context, id string) (*core.RiskTicket, error) {
	return s.engine.GetTicket(ctx, id)
}

// History returns a ticket's operation records.
func (s *TicketService) History(ctx context.Context, id string) ([]core.OperationRecord, error) {
	return s.engine.GetHistory(ctx, id)
}

// ListByState returns tickets in the given state.
func (s *TicketService) ListByState(ctx context.Context, state core.TicketState) ([]core.RiskTicket, error) {
	if !state.IsValid() {
		return nil, core.NewValidationError("state", "unknown ticket state")
	}
	return s.reader.GetTicketsByState(state)
}

// Assign sets or transfers the assignee.
func (s *TicketService) Assign(ctx context.Context, id, assignee, actor string) error {
	return s.engine.Assign(ctx, id, assignee, actor)
}

// EditSummary replaces the ticket summary.
func (s *TicketService) EditSummary(ctx context.Context, id, summary, actor string) error {
	return s.engine.EditSummary(ctx, id, summary, actor)
}

// LaunchRequest is the tool launch payload.
type LaunchRequest struct {
	Tool   string                 `json:"tool" validate:"required"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// LaunchTool starts a handling tool on the ticket.
func (s *TicketService) LaunchTool(ctx context.Context, id string, req *LaunchRequest, actor string) error {
	if err := s.validate.Struct(req); err != nil {
		return core.NewValidationError("request", err.Error())
	}
	return s.engine.LaunchTool(ctx, id, req.Tool, req.Params, actor)
}

// Approve resolves the pre-approval gate.
func (s *TicketService) Approve(ctx context.Context, id string, passed bool, actor string) error {
	return s.engine.Approve(ctx, id, passed, actor)
}

// MarkFalsePositive closes (or defers closing) the ticket as noise.
func (s *TicketService) MarkFalsePositive(ctx context.Context, id, note, actor string) error {
	return s.engine.MarkFalsePositive(ctx, id, note, actor)
}

// ReleaseFalsePositive reopens a false-positive-closed ticket.
func (s *TicketService) ReleaseFalsePositive(ctx context.Context, id, actor string) error {
	return s.engine.ReleaseFalsePositive(ctx, id, actor)
}

// ForceTerminate asks the executor to stop the running tool.
func (s *TicketService) ForceTerminate(ctx context.Context, id, actor string) error {
	return s.engine.ForceTerminate(ctx, id, actor)
}

// Close closes the ticket by operator decision.
func (s *TicketService) Close(ctx context.Context, id, comment, actor string) error {
	return s.engine.ManualClose(ctx, id, comment, actor)
}
