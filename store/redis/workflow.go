package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// CommitInstance applies one commit atomically. The instance and sequence
// keys are WATCHed so a concurrent commit between the version check and
// the MULTI exec aborts the transaction, which is retried.
func (s *Store) CommitInstance(ctx context.Context, c *workflow.Commit) error {
	wfID := c.Instance.ID.String()
	instKey := wfKey(wfID)
	seqKey := wfSeqKey(wfID)

	txn := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, instKey).Result()
		if err != nil {
			return fmt.Errorf("riparius/redis: commit exists: %w", err)
		}
		if c.ExpectedVersion == 0 {
			if exists > 0 {
				return riparius.ErrWorkflowExists
			}
		} else {
			if exists == 0 {
				return riparius.ErrWorkflowNotFound
			}
			stored, verErr := tx.HGet(ctx, instKey, "version").Int64()
			if verErr != nil {
				return fmt.Errorf("riparius/redis: commit read version: %w", verErr)
			}
			if stored != c.ExpectedVersion {
				return fmt.Errorf("%w: expected version %d, have %d",
					riparius.ErrVersionConflict, c.ExpectedVersion, stored)
			}
		}

		last, err := tx.Get(ctx, seqKey).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("riparius/redis: commit read sequence: %w", err)
		}

		// Old wait events are read up front so the waiting index can be
		// corrected inside the same MULTI.
		oldWaits := make(map[string]string, len(c.Steps))
		for _, st := range c.Steps {
			v, getErr := tx.HGet(ctx, stepKey(st.ID.String()), "wait_event").Result()
			if getErr != nil && !errors.Is(getErr, goredis.Nil) {
				return fmt.Errorf("riparius/redis: commit read step: %w", getErr)
			}
			if v != "" {
				oldWaits[st.ID.String()] = v
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, instKey)
			pipe.HSet(ctx, instKey, instanceToMap(c.Instance))
			pipe.SAdd(ctx, wfIDsKey, wfID)

			for _, st := range c.Steps {
				stID := st.ID.String()
				key := stepKey(stID)
				pipe.Del(ctx, key)
				pipe.HSet(ctx, key, stepToMap(st))
				pipe.SAdd(ctx, wfStepsKey(wfID), stID)

				if old := oldWaits[stID]; old != "" && (old != st.WaitEvent || st.Status != workflow.StepWaiting) {
					pipe.SRem(ctx, waitingKey(old), stID)
				}
				if st.WaitEvent != "" {
					if st.Status == workflow.StepWaiting {
						pipe.SAdd(ctx, waitingKey(st.WaitEvent), stID)
					} else {
						pipe.SRem(ctx, waitingKey(st.WaitEvent), stID)
					}
				}
			}

			for _, sg := range c.Stages {
				sgID := sg.ID.String()
				pipe.HSet(ctx, stageKey(sgID), stageToMap(sg))
				pipe.SAdd(ctx, wfStagesKey(wfID), sgID)
			}

			for _, pt := range c.Participants {
				ptID := pt.ID.String()
				pipe.HSet(ctx, participantKey(ptID), participantToMap(pt))
				pipe.SAdd(ctx, wfParticipantsKey(wfID), ptID)
			}
			for _, pid := range c.RemovedParticipants {
				pipe.Del(ctx, participantKey(pid.String()))
				pipe.SRem(ctx, wfParticipantsKey(wfID), pid.String())
			}

			for i, evt := range c.Events {
				evt.Sequence = last + int64(i) + 1
				eID := evt.ID.String()
				pipe.HSet(ctx, eventKey(eID), eventToMap(evt))
				pipe.ZAdd(ctx, wfEventsKey(wfID), goredis.Z{
					Score:  float64(evt.Sequence),
					Member: eID,
				})
			}
			if len(c.Events) > 0 {
				pipe.Set(ctx, seqKey, last+int64(len(c.Events)), 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, instKey, seqKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("riparius/redis: commit instance: %w", goredis.TxFailedErr)
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	vals, err := s.client.HGetAll(ctx, wfKey(workflowID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: get instance: %w", err)
	}
	if len(vals) == 0 {
		return nil, riparius.ErrWorkflowNotFound
	}
	return mapToInstance(vals)
}

// ListInstances returns instances matching the options, ordered by ID.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	ids, err := s.client.SMembers(ctx, wfIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list instances smembers: %w", err)
	}
	sort.Strings(ids)

	var instances []*workflow.Instance
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, wfKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		inst, convErr := mapToInstance(vals)
		if convErr != nil {
			continue
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.DefinitionKey != "" && inst.DefinitionKey != opts.DefinitionKey {
			continue
		}
		if opts.ResourceID != "" && inst.ResourceID != opts.ResourceID {
			continue
		}
		instances = append(instances, inst)
	}
	return pageSlice(instances, opts.Limit, opts.Offset), nil
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	vals, err := s.client.HGetAll(ctx, stepKey(stepID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: get step: %w", err)
	}
	if len(vals) == 0 {
		return nil, riparius.ErrStepNotFound
	}
	return mapToStep(vals)
}

// ListSteps returns the steps of one workflow, ordered by ID.
func (s *Store) ListSteps(ctx context.Context, workflowID id.WorkflowID, opts workflow.StepListOpts) ([]*workflow.Step, error) {
	ids, err := s.client.SMembers(ctx, wfStepsKey(workflowID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list steps smembers: %w", err)
	}
	sort.Strings(ids)

	var steps []*workflow.Step
	for _, stID := range ids {
		vals, getErr := s.client.HGetAll(ctx, stepKey(stID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		st, convErr := mapToStep(vals)
		if convErr != nil {
			continue
		}
		if opts.Status != "" && st.Status != opts.Status {
			continue
		}
		if opts.StageKey != "" && st.StageKey != opts.StageKey {
			continue
		}
		if opts.NodeKey != "" && st.NodeKey != opts.NodeKey {
			continue
		}
		steps = append(steps, st)
	}
	return pageSlice(steps, opts.Limit, opts.Offset), nil
}

// ListStages returns the stage rollups of one workflow in stage order.
func (s *Store) ListStages(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.Stage, error) {
	ids, err := s.client.SMembers(ctx, wfStagesKey(workflowID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list stages smembers: %w", err)
	}

	stages := make([]*workflow.Stage, 0, len(ids))
	for _, sgID := range ids {
		vals, getErr := s.client.HGetAll(ctx, stageKey(sgID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		sg, convErr := mapToStage(vals)
		if convErr != nil {
			continue
		}
		stages = append(stages, sg)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	return stages, nil
}

// ListParticipants returns the participants of one workflow, ordered by ID.
func (s *Store) ListParticipants(ctx context.Context, workflowID id.WorkflowID, opts workflow.ParticipantListOpts) ([]*workflow.Participant, error) {
	ids, err := s.client.SMembers(ctx, wfParticipantsKey(workflowID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: list participants smembers: %w", err)
	}
	sort.Strings(ids)

	var participants []*workflow.Participant
	for _, ptID := range ids {
		vals, getErr := s.client.HGetAll(ctx, participantKey(ptID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		pt, convErr := mapToParticipant(vals)
		if convErr != nil {
			continue
		}
		if opts.Role != "" && pt.Role != opts.Role {
			continue
		}
		if opts.UserID != "" && pt.UserID != opts.UserID {
			continue
		}
		participants = append(participants, pt)
	}
	return pageSlice(participants, opts.Limit, opts.Offset), nil
}

// FindWaitingSteps returns waiting steps of running workflows whose wait
// event matches the given name. The waiting index may hold stale members
// from failed transactions; steps are re-checked before they are returned.
func (s *Store) FindWaitingSteps(ctx context.Context, eventName string) ([]*workflow.Step, error) {
	ids, err := s.client.SMembers(ctx, waitingKey(eventName)).Result()
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: find waiting smembers: %w", err)
	}
	sort.Strings(ids)

	var steps []*workflow.Step
	for _, stID := range ids {
		vals, getErr := s.client.HGetAll(ctx, stepKey(stID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		st, convErr := mapToStep(vals)
		if convErr != nil {
			continue
		}
		if st.Status != workflow.StepWaiting || st.WaitEvent != eventName {
			continue
		}
		status, getErr := s.client.HGet(ctx, wfKey(st.WorkflowID.String()), "status").Result()
		if getErr != nil || workflow.Status(status) != workflow.StatusRunning {
			continue
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// ListRunningInstances returns instances in the running state.
func (s *Store) ListRunningInstances(ctx context.Context) ([]*workflow.Instance, error) {
	return s.ListInstances(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
}

// ── helpers ──

// pageSlice applies offset and limit to an already filtered result set.
func pageSlice[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func instanceToMap(n *workflow.Instance) map[string]any {
	m := map[string]any{
		"id":             n.ID.String(),
		"definition_key": n.DefinitionKey,
		"revision":       strconv.Itoa(n.Revision),
		"title":          n.Title,
		"status":         string(n.Status),
		"version":        strconv.FormatInt(n.Version, 10),
		"params":         marshalJSON(n.Params),
		"memo":           marshalJSON(n.Memo),
		"resource_name":  n.ResourceName,
		"resource_id":    n.ResourceID,
		"selector":       n.Selector,
		"error":          n.Error,
		"created_by":     n.CreatedBy,
		"scope_app":      n.ScopeAppID,
		"scope_org":      n.ScopeOrgID,
		"created_at":     n.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     n.UpdatedAt.Format(time.RFC3339Nano),
	}
	if n.StartedAt != nil {
		m["started_at"] = n.StartedAt.Format(time.RFC3339Nano)
	}
	if n.FinishedAt != nil {
		m["finished_at"] = n.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToInstance(m map[string]string) (*workflow.Instance, error) {
	wID, err := id.ParseWorkflowID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse workflow id: %w", err)
	}

	revision, _ := strconv.Atoi(m["revision"])           //nolint:errcheck // best-effort parse from trusted Redis data
	version, _ := strconv.ParseInt(m["version"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	return &workflow.Instance{
		Entity: riparius.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:            wID,
		DefinitionKey: m["definition_key"],
		Revision:      revision,
		Title:         m["title"],
		Status:        workflow.Status(m["status"]),
		Version:       version,
		Params:        unmarshalAnyMap(m["params"]),
		Memo:          unmarshalAnyMap(m["memo"]),
		ResourceName:  m["resource_name"],
		ResourceID:    m["resource_id"],
		Selector:      m["selector"],
		Error:         m["error"],
		CreatedBy:     m["created_by"],
		ScopeAppID:    m["scope_app"],
		ScopeOrgID:    m["scope_org"],
		StartedAt:     parseTimePtr(m["started_at"]),
		FinishedAt:    parseTimePtr(m["finished_at"]),
	}, nil
}

func stepToMap(st *workflow.Step) map[string]any {
	m := map[string]any{
		"id":          st.ID.String(),
		"workflow_id": st.WorkflowID.String(),
		"node_key":    st.NodeKey,
		"stage_key":   st.StageKey,
		"title":       st.Title,
		"status":      string(st.Status),
		"attempt":     strconv.Itoa(st.Attempt),
		"selector":    st.Selector,
		"wait_event":  st.WaitEvent,
		"output":      marshalJSON(st.Output),
		"error":       st.Error,
		"origin":      st.Origin,
		"created_at":  st.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  st.UpdatedAt.Format(time.RFC3339Nano),
	}
	if st.ActivatedAt != nil {
		m["activated_at"] = st.ActivatedAt.Format(time.RFC3339Nano)
	}
	if st.FinishedAt != nil {
		m["finished_at"] = st.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToStep(m map[string]string) (*workflow.Step, error) {
	stID, err := id.ParseStepID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse step id: %w", err)
	}
	wID, _ := id.ParseWorkflowID(m["workflow_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	attempt, _ := strconv.Atoi(m["attempt"])       //nolint:errcheck // best-effort parse from trusted Redis data

	return &workflow.Step{
		Entity: riparius.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:          stID,
		WorkflowID:  wID,
		NodeKey:     m["node_key"],
		StageKey:    m["stage_key"],
		Title:       m["title"],
		Status:      workflow.StepStatus(m["status"]),
		Attempt:     attempt,
		Selector:    m["selector"],
		WaitEvent:   m["wait_event"],
		Output:      unmarshalAnyMap(m["output"]),
		Error:       m["error"],
		Origin:      m["origin"],
		ActivatedAt: parseTimePtr(m["activated_at"]),
		FinishedAt:  parseTimePtr(m["finished_at"]),
	}, nil
}

func stageToMap(sg *workflow.Stage) map[string]any {
	return map[string]any{
		"id":          sg.ID.String(),
		"workflow_id": sg.WorkflowID.String(),
		"stage_key":   sg.StageKey,
		"title":       sg.Title,
		"stage_order": strconv.Itoa(sg.Order),
		"status":      string(sg.Status),
		"created_at":  sg.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  sg.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToStage(m map[string]string) (*workflow.Stage, error) {
	sgID, err := id.ParseStageID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse stage id: %w", err)
	}
	wID, _ := id.ParseWorkflowID(m["workflow_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	order, _ := strconv.Atoi(m["stage_order"])     //nolint:errcheck // best-effort parse from trusted Redis data

	return &workflow.Stage{
		Entity: riparius.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:         sgID,
		WorkflowID: wID,
		StageKey:   m["stage_key"],
		Title:      m["title"],
		Order:      order,
		Status:     workflow.StageStatus(m["status"]),
	}, nil
}

func participantToMap(p *workflow.Participant) map[string]any {
	return map[string]any{
		"id":          p.ID.String(),
		"workflow_id": p.WorkflowID.String(),
		"user_id":     p.UserID,
		"role":        p.Role,
		"kind":        p.Kind,
		"added_by":    p.AddedBy,
		"created_at":  p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToParticipant(m map[string]string) (*workflow.Participant, error) {
	ptID, err := id.ParseParticipantID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("riparius/redis: parse participant id: %w", err)
	}
	wID, _ := id.ParseWorkflowID(m["workflow_id"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &workflow.Participant{
		Entity: riparius.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:         ptID,
		WorkflowID: wID,
		UserID:     m["user_id"],
		Role:       m["role"],
		Kind:       m["kind"],
		AddedBy:    m["added_by"],
	}, nil
}
