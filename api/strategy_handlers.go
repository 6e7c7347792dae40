package api

import (
	"net/http"

	"bkaudit/service"

	"github.com/gorilla/mux"
)

func (a *API) listStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := a.strategies.List(r.Context())
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, list, http.StatusOK)
}

func (a *API) createStrategy(w http.ResponseWriter, r *http.Request) {
	var req service.StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	created, err := a.strategies.Create(r.Context(), &req, actor(r))
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, created, http.StatusCreated)
}

func (a *API) getStrategy(w http.ResponseWriter, r *http.Request) {
	s, err := a.strategies.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, s, http.StatusOK)
}

func (a *API) editStrategy(w http.ResponseWriter, r *http.Request) {
	var req service.StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	updated, err := a.strategies.Edit(r.Context(), mux.Vars(r)["id"], &req, actor(r))
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, updated, http.StatusOK)
}

func (a *API) deleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := a.strategies.Delete(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "strategy deleted"}, http.StatusOK)
}

func (a *API) enableStrategy(w http.ResponseWriter, r *http.Request) {
	if err := a.strategies.Enable(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "strategy enabling"}, http.StatusAccepted)
}

func (a *API) disableStrategy(w http.ResponseWriter, r *http.Request) {
	if err := a.strategies.Disable(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "strategy disabling"}, http.StatusAccepted)
}

func (a *API) retryStrategy(w http.ResponseWriter, r *http.Request) {
	if err := a.strategies.Retry(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "retry started"}, http.StatusAccepted)
}

type cloneRequest struct {
	Name string `json:"name"`
}

func (a *API) cloneStrategy(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	clone, err := a.strategies.Clone(r.Context(), mux.Vars(r)["id"], req.Name, actor(r))
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, clone, http.StatusCreated)
}

func (a *API) upgradeDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := a.strategies.UpgradeDiff(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, diff, http.StatusOK)
}

func (a *API) confirmUpgrade(w http.ResponseWriter, r *http.Request) {
	var req service.UpgradeRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.strategies.ConfirmUpgrade(r.Context(), mux.Vars(r)["id"], &req, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "upgrade confirmed"}, http.StatusOK)
}
