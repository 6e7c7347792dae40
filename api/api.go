// Package api exposes the HTTP surface: strategy lifecycle commands,
// ticket operations, and solution upgrade review, plus /metrics and
// /healthz.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"bkaudit/core"
	"bkaudit/service"
	"bkaudit/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventWriter accepts audit events pushed over the collector endpoint.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []*core.Event) error
}

// API carries the services and router configuration.
type API struct {
	strategies *service.StrategyService
	tickets    *service.TicketService
	events     EventWriter
	logger     *zap.SugaredLogger
	limiter    *rate.Limiter
}

// New creates the API. rateLimit is requests per second across the whole
// surface; burst is the token bucket depth.
func New(strategies *service.StrategyService, tickets *service.TicketService, events EventWriter, rateLimit float64, burst int, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if rateLimit <= 0 {
		rateLimit = 100
	}
	if burst <= 0 {
		burst = 200
	}
	return &API{
		strategies: strategies,
		tickets:    tickets,
		events:     events,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), burst),
	}
}

// Router builds the HTTP route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.rateLimitMiddleware)
	r.Use(a.loggingMiddleware)

	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/events", a.ingestEvents).Methods(http.MethodPost)

	v1.HandleFunc("/strategies", a.listStrategies).Methods(http.MethodGet)
	v1.HandleFunc("/strategies", a.createStrategy).Methods(http.MethodPost)
	v1.HandleFunc("/strategies/{id}", a.getStrategy).Methods(http.MethodGet)
	v1.HandleFunc("/strategies/{id}", a.editStrategy).Methods(http.MethodPut)
	v1.HandleFunc("/strategies/{id}", a.deleteStrategy).Methods(http.MethodDelete)
	v1.HandleFunc("/strategies/{id}/enable", a.enableStrategy).Methods(http.MethodPost)
	v1.HandleFunc("/strategies/{id}/disable", a.disableStrategy).Methods(http.MethodPost)
	v1.HandleFunc("/strategies/{id}/retry", a.retryStrategy).Methods(http.MethodPost)
	v1.HandleFunc("/strategies/{id}/clone", a.cloneStrategy).Methods(http.MethodPost)
	v1.HandleFunc("/strategies/{id}/upgrade/diff", a.upgradeDiff).Methods(http.MethodGet)
	v1.HandleFunc("/strategies/{id}/upgrade", a.confirmUpgrade).Methods(http.MethodPost)

	v1.HandleFunc("/tickets", a.listTickets).Methods(http.MethodGet)
	v1.HandleFunc("/tickets/{id}", a.getTicket).Methods(http.MethodGet)
	v1.HandleFunc("/tickets/{id}/history", a.getTicketHistory).Methods(http.MethodGet)
	v1.HandleFunc("/tickets/{id}/assign", a.assignTicket).Methods(http.MethodPost)
	v1.HandleFunc("/tickets/{id}/summary", a.editTicketSummary).Methods(http.MethodPut)
	v1.HandleFunc("/tickets/{id}/tool", a.launchTool).Methods(http.MethodPost)
	v1.HandleFunc("/tickets/{id}/approve", a.approveTicket).Methods(http.MethodPost)
	v1.HandleFunc("/tickets/{id}/false-positive", a.markFalsePositive).Methods(http.MethodPost)
	v1.HandleFunc("/tickets/{id}/false-positive/release", a.releaseFalsePositive).Methods(http.MethodPost)
	v1.HandleFunc("/tickets/{id}/terminate", a.forceTerminate).Methods(http.MethodPost)
	v1.HandleFunc("/tickets/{id}/close", a.closeTicket).Methods(http.MethodPost)

	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			a.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		a.logger.Debugw("Request handled", "method", r.Method, "path", r.URL.Path)
	})
}

// actor resolves the operator identity from the request. The gateway in
// front of the service authenticates and injects the header.
func actor(r *http.Request) string {
	if u := r.Header.Get("X-Username"); u != "" {
		return u
	}
	return "anonymous"
}

func (a *API) respondJSON(w http.ResponseWriter, payload interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			a.logger.Errorw("Failed to encode response", "error", err)
		}
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, map[string]string{"error": message}, status)
}

// handleError maps the domain error taxonomy onto HTTP statuses.
func (a *API) handleError(w http.ResponseWriter, err error) {
	var verr *core.ValidationError
	var perr *core.PreconditionError
	var pfail *core.ProvisioningFailure
	switch {
	case errors.As(err, &verr):
		a.respondError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &perr):
		a.respondError(w, http.StatusConflict, perr.Error())
	case core.IsBusy(err):
		a.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &pfail):
		a.respondError(w, http.StatusBadGateway, pfail.Error())
	case errors.Is(err, storage.ErrStrategyNotFound),
		errors.Is(err, storage.ErrTicketNotFound),
		errors.Is(err, storage.ErrSolutionNotFound):
		a.respondError(w, http.StatusNotFound, err.Error())
	default:
		a.logger.Errorw("Request failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.NewValidationError("body", err.Error())
	}
	return nil
}
