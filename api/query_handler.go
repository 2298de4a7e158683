package api

import (
	"net/http"
	"strconv"

	"github.com/fluvius-io/fluvius-interim/event"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

func intQuery(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instances, err := a.eng.ListWorkflows(r.Context(), workflow.ListOpts{
		Limit:         intQuery(r, "limit"),
		Offset:        intQuery(r, "offset"),
		Status:        workflow.Status(q.Get("status")),
		DefinitionKey: q.Get("definition_key"),
		ResourceID:    q.Get("resource_id"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, instances)
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	inst, err := a.eng.GetWorkflow(r.Context(), wfID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, inst)
}

func (a *API) getWorkflowView(w http.ResponseWriter, r *http.Request) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	view, err := a.eng.GetWorkflowView(r.Context(), wfID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *API) listSteps(w http.ResponseWriter, r *http.Request) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	q := r.URL.Query()
	steps, err := a.eng.ListSteps(r.Context(), wfID, workflow.StepListOpts{
		Limit:    intQuery(r, "limit"),
		Offset:   intQuery(r, "offset"),
		Status:   workflow.StepStatus(q.Get("status")),
		StageKey: q.Get("stage"),
		NodeKey:  q.Get("node"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, steps)
}

func (a *API) listStages(w http.ResponseWriter, r *http.Request) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	stages, err := a.eng.ListStages(r.Context(), wfID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stages)
}

func (a *API) listParticipants(w http.ResponseWriter, r *http.Request) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	q := r.URL.Query()
	parts, err := a.eng.ListParticipants(r.Context(), wfID, workflow.ParticipantListOpts{
		Limit:  intQuery(r, "limit"),
		Offset: intQuery(r, "offset"),
		UserID: q.Get("user_id"),
		Role:   q.Get("role"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, parts)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	events, err := a.eng.ListEvents(r.Context(), wfID, event.ListOpts{
		Name:          r.URL.Query().Get("name"),
		AfterSequence: after,
		Limit:         intQuery(r, "limit"),
		Offset:        intQuery(r, "offset"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}

type definitionSummary struct {
	Key      string `json:"key"`
	Title    string `json:"title,omitempty"`
	Revision int    `json:"revision"`
	Checksum string `json:"checksum,omitempty"`
}

func (a *API) listDefinitions(w http.ResponseWriter, r *http.Request) {
	reg := a.eng.Definitions()
	keys := reg.Keys()
	out := make([]definitionSummary, 0, len(keys))
	for _, key := range keys {
		def, err := reg.Get(key)
		if err != nil {
			continue
		}
		out = append(out, definitionSummary{
			Key:      def.Key,
			Title:    def.Title,
			Revision: def.Revision,
			Checksum: def.Checksum,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}
