package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fluvius-io/fluvius-interim/deadletter"
	"github.com/fluvius-io/fluvius-interim/id"
)

func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	opts := deadletter.ListOpts{
		Limit:  intQuery(r, "limit"),
		Offset: intQuery(r, "offset"),
	}
	if raw := r.URL.Query().Get("workflow_id"); raw != "" {
		wfID, err := id.ParseWorkflowID(raw)
		if err != nil {
			a.writeError(w, fmt.Errorf("%w: invalid workflow id: %v", errBadRequest, err))
			return
		}
		opts.WorkflowID = wfID
	}
	entries, err := a.eng.DeadLetters().List(r.Context(), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDeadLetterID(mux.Vars(r)["entryId"])
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid entry id: %v", errBadRequest, err))
		return
	}
	entry, err := a.eng.DeadLetters().Get(r.Context(), entryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDeadLetterID(mux.Vars(r)["entryId"])
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid entry id: %v", errBadRequest, err))
		return
	}
	entry, err := a.eng.DeadLetters().Replay(r.Context(), entryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *API) countDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.DeadLetters().Count(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// purgeDeadLetters removes entries older than the given retention,
// default 30 days.
func (a *API) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	retention := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			a.writeError(w, fmt.Errorf("%w: invalid older_than: %v", errBadRequest, err))
			return
		}
		retention = d
	}
	purged, err := a.eng.DeadLetters().Purge(r.Context(), time.Now().UTC().Add(-retention))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"purged": purged})
}
