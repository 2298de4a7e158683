package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fluvius-io/fluvius-interim/command"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/scope"
)

// commandBody is the decoded envelope half of a command request. The
// raw body doubles as the command payload; expected_version rides
// alongside the payload fields and is ignored by payload decoding.
type commandBody struct {
	raw             json.RawMessage
	expectedVersion int64
}

func (a *API) readCommandBody(r *http.Request) (commandBody, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return commandBody{}, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	body := commandBody{raw: raw}
	if len(raw) == 0 {
		return body, nil
	}
	var envelope struct {
		ExpectedVersion int64 `json:"expected_version"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return commandBody{}, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	body.expectedVersion = envelope.ExpectedVersion
	return body, nil
}

func (a *API) actor(r *http.Request) (scope.Actor, error) {
	actor, err := a.auth(r)
	if err != nil {
		return scope.Actor{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	return actor, nil
}

func workflowIDVar(r *http.Request) (id.WorkflowID, error) {
	wfID, err := id.ParseWorkflowID(mux.Vars(r)["workflowId"])
	if err != nil {
		return id.Nil, fmt.Errorf("%w: invalid workflow id: %v", errBadRequest, err)
	}
	return wfID, nil
}

// execute runs one command through the engine and writes the result.
func (a *API) execute(w http.ResponseWriter, r *http.Request, name string, workflowID id.WorkflowID, status int) {
	actor, err := a.actor(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	body, err := a.readCommandBody(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	res, err := a.eng.Execute(r.Context(), &command.Envelope{
		Name:            name,
		WorkflowID:      workflowID,
		Actor:           actor,
		Payload:         body.raw,
		ExpectedVersion: body.expectedVersion,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, status, res)
}

// executeFor resolves the workflow id from the path, then executes.
func (a *API) executeFor(w http.ResponseWriter, r *http.Request, name string, status int) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.execute(w, r, name, wfID, status)
}

// ── Workflow commands ───────────────────────────────

func (a *API) createWorkflow(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, command.CreateWorkflow, id.Nil, http.StatusCreated)
}

func (a *API) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.UpdateWorkflow, http.StatusOK)
}

func (a *API) startWorkflow(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.StartWorkflow, http.StatusOK)
}

func (a *API) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.CancelWorkflow, http.StatusOK)
}

func (a *API) abortWorkflow(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.AbortWorkflow, http.StatusOK)
}

// ── Participants ────────────────────────────────────

func (a *API) addParticipant(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.AddParticipant, http.StatusCreated)
}

// removeParticipant reads user_id and role from query parameters so
// DELETE requests need no body.
func (a *API) removeParticipant(w http.ResponseWriter, r *http.Request) {
	a.removeBinding(w, r, command.RemoveParticipant)
}

func (a *API) addRole(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.AddRole, http.StatusCreated)
}

func (a *API) removeRole(w http.ResponseWriter, r *http.Request) {
	a.removeBinding(w, r, command.RemoveRole)
}

func (a *API) removeBinding(w http.ResponseWriter, r *http.Request, name string) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	actor, err := a.actor(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	q := r.URL.Query()
	payload, err := json.Marshal(command.ParticipantPayload{
		UserID: q.Get("user_id"),
		Role:   q.Get("role"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	res, err := a.eng.Execute(r.Context(), &command.Envelope{
		Name:       name,
		WorkflowID: wfID,
		Actor:      actor,
		Payload:    payload,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

// ── Steps ───────────────────────────────────────────

// stepCommand injects the path stepId into the command payload.
func (a *API) stepCommand(w http.ResponseWriter, r *http.Request, name string) {
	wfID, err := workflowIDVar(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	stepID, err := id.ParseStepID(mux.Vars(r)["stepId"])
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid step id: %v", errBadRequest, err))
		return
	}
	actor, err := a.actor(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	body, err := a.readCommandBody(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var payload json.RawMessage
	switch name {
	case command.ProcessActivity:
		var p command.ProcessActivityPayload
		if len(body.raw) > 0 {
			if err := json.Unmarshal(body.raw, &p); err != nil {
				a.writeError(w, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
				return
			}
		}
		p.StepID = stepID
		payload, err = json.Marshal(p)
	default:
		var p command.StepPayload
		if len(body.raw) > 0 {
			if err := json.Unmarshal(body.raw, &p); err != nil {
				a.writeError(w, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
				return
			}
		}
		p.StepID = stepID
		payload, err = json.Marshal(p)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}

	res, err := a.eng.Execute(r.Context(), &command.Envelope{
		Name:            name,
		WorkflowID:      wfID,
		Actor:           actor,
		Payload:         payload,
		ExpectedVersion: body.expectedVersion,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) ignoreStep(w http.ResponseWriter, r *http.Request) {
	a.stepCommand(w, r, command.IgnoreStep)
}

func (a *API) cancelStep(w http.ResponseWriter, r *http.Request) {
	a.stepCommand(w, r, command.CancelStep)
}

func (a *API) processActivity(w http.ResponseWriter, r *http.Request) {
	a.stepCommand(w, r, command.ProcessActivity)
}

// ── Event and trigger intake ────────────────────────

// injectEvent delivers an event without a pinned workflow: the engine
// fans it out to every instance waiting on the event name.
func (a *API) injectEvent(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, command.InjectEvent, id.Nil, http.StatusAccepted)
}

func (a *API) injectWorkflowEvent(w http.ResponseWriter, r *http.Request) {
	a.executeFor(w, r, command.InjectEvent, http.StatusAccepted)
}

func (a *API) sendTrigger(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, command.SendTrigger, id.Nil, http.StatusAccepted)
}
