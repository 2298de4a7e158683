package api

import (
	"fmt"
	"net/http"

	"github.com/fluvius-io/fluvius-interim/workflow"
)

// StatsResponse aggregates instance counts by status plus dispatch
// counters.
type StatsResponse struct {
	Workflows   map[string]int `json:"workflows"`
	DeadLetters int64          `json:"dead_letters"`
	Definitions int            `json:"definitions"`
	Stream      *StreamStats   `json:"stream,omitempty"`
}

// StreamStats mirrors the broker's counters when streaming is enabled.
type StreamStats struct {
	Subscribers    int   `json:"subscribers"`
	TotalPublished int64 `json:"total_published"`
	TotalDropped   int64 `json:"total_dropped"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	statuses := []workflow.Status{
		workflow.StatusCreated,
		workflow.StatusRunning,
		workflow.StatusCompleted,
		workflow.StatusFailed,
		workflow.StatusCancelled,
	}
	counts := make(map[string]int, len(statuses))
	for _, status := range statuses {
		instances, err := a.eng.ListWorkflows(ctx, workflow.ListOpts{Status: status})
		if err != nil {
			a.writeError(w, fmt.Errorf("count workflows (%s): %w", status, err))
			return
		}
		counts[string(status)] = len(instances)
	}

	dlCount, err := a.eng.DeadLetters().Count(ctx)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := StatsResponse{
		Workflows:   counts,
		DeadLetters: dlCount,
		Definitions: len(a.eng.Definitions().Keys()),
	}
	if broker := a.eng.Broker(); broker != nil {
		bs := broker.Stats()
		resp.Stream = &StreamStats{
			Subscribers:    bs.SubscriberCount,
			TotalPublished: bs.TotalPublished,
			TotalDropped:   bs.TotalDropped,
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}
