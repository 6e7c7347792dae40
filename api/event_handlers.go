package api

import (
	"net/http"
	"time"

	"bkaudit/core"

	"github.com/google/uuid"
)

func (a *API) ingestEvents(w http.ResponseWriter, r *http.Request) {
	var events []*core.Event
	if err := decodeBody(r, &events); err != nil {
		a.handleError(w, err)
		return
	}
	if len(events) == 0 {
		a.handleError(w, core.NewValidationError("body", "event batch is empty"))
		return
	}
	for i, ev := range events {
		if ev.SourceSystem == "" {
			a.handleError(w, core.NewValidationError("source_system", "required"))
			return
		}
		if ev.EventID == "" {
			events[i].EventID = uuid.New().String()
		}
		if ev.Timestamp.IsZero() {
			events[i].Timestamp = time.Now().UTC()
		}
	}
	if err := a.events.InsertEvents(r.Context(), events); err != nil {
		a.handleError(w, err)
		return
	}
	a.respondJSON(w, map[string]int{"accepted": len(events)}, http.StatusAccepted)
}
