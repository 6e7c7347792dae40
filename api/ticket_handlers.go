package api

import (
	"net/http"

	"bkaudit/core"
	"bkaudit/service"

	"github.com/gorilla/mux"
)

func (a *API) listTickets(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(core.TicketStateGenerated)
	}
	list, err := a.tickets.ListByState(r.Context(), core.TicketState(state))
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, list, http.StatusOK)
}

func (a *API) getTicket(w http.ResponseWriter, r *http.Request) {
	t, err := a.tickets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, t, http.StatusOK)
}

func (a *API) getTicketHistory(w http.ResponseWriter, r *http.Request) {
	records, err := a.tickets.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, records, http.StatusOK)
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

func (a *API) assignTicket(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.tickets.Assign(r.Context(), mux.Vars(r)["id"], req.Assignee, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "ticket assigned"}, http.StatusOK)
}

type summaryRequest struct {
	Summary string `json:"summary"`
}

func (a *API) editTicketSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.tickets.EditSummary(r.Context(), mux.Vars(r)["id"], req.Summary, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "summary updated"}, http.StatusOK)
}

func (a *API) launchTool(w http.ResponseWriter, r *http.Request) {
	var req service.LaunchRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.tickets.LaunchTool(r.Context(), mux.Vars(r)["id"], &req, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "tool launched"}, http.StatusAccepted)
}

type approveRequest struct {
	Passed bool `json:"passed"`
}

func (a *API) approveTicket(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.tickets.Approve(r.Context(), mux.Vars(r)["id"], req.Passed, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "approval recorded"}, http.StatusOK)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (a *API) markFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.tickets.MarkFalsePositive(r.Context(), mux.Vars(r)["id"], req.Note, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "marked false positive"}, http.StatusOK)
}

func (a *API) releaseFalsePositive(w http.ResponseWriter, r *http.Request) {
	if err := a.tickets.ReleaseFalsePositive(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "false positive released"}, http.StatusOK)
}

func (a *API) forceTerminate(w http.ResponseWriter, r *http.Request) {
	if err := a.tickets.ForceTerminate(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "termination requested"}, http.StatusAccepted)
}

type closeRequest struct {
	Comment string `json:"comment"`
}

func (a *API) closeTicket(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeBody(r, &req); err != nil {
		a.handleError(w, err)
		return
	}
	if err := a.tickets.Close(r.Context(), mux.Vars(r)["id"], req.Comment, actor(r)); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"message": "ticket closed"}, http.StatusOK)
}
