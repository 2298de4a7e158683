package bunstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

// CommitInstance applies one commit atomically inside a transaction. The
// instance row write serializes concurrent commits per workflow, keeping
// the version check and event sequencing consistent.
func (s *Store) CommitInstance(ctx context.Context, c *workflow.Commit) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := writeInstance(ctx, tx, c); err != nil {
			return err
		}
		for _, st := range c.Steps {
			m := toStepModel(st)
			_, err := tx.NewInsert().Model(m).
				On("CONFLICT (id) DO UPDATE").
				Set("status = EXCLUDED.status").
				Set("attempt = EXCLUDED.attempt").
				Set("wait_event = EXCLUDED.wait_event").
				Set("output = EXCLUDED.output").
				Set("error = EXCLUDED.error").
				Set("activated_at = EXCLUDED.activated_at").
				Set("finished_at = EXCLUDED.finished_at").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("riparius/bun: upsert step: %w", err)
			}
		}
		for _, sg := range c.Stages {
			m := toStageModel(sg)
			_, err := tx.NewInsert().Model(m).
				On("CONFLICT (workflow_id, stage_key) DO UPDATE").
				Set("status = EXCLUDED.status").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("riparius/bun: upsert stage: %w", err)
			}
		}
		for _, p := range c.Participants {
			m := toParticipantModel(p)
			_, err := tx.NewInsert().Model(m).
				On("CONFLICT (id) DO UPDATE").
				Set("role = EXCLUDED.role").
				Set("kind = EXCLUDED.kind").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("riparius/bun: upsert participant: %w", err)
			}
		}
		for _, pid := range c.RemovedParticipants {
			_, err := tx.NewDelete().
				Model((*participantModel)(nil)).
				Where("id = ?", pid.String()).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("riparius/bun: remove participant: %w", err)
			}
		}
		return appendEvents(ctx, tx, c.Instance.ID, c.Events)
	})
}

func writeInstance(ctx context.Context, tx bun.Tx, c *workflow.Commit) error {
	m := toInstanceModel(c.Instance)

	if c.ExpectedVersion == 0 {
		_, err := tx.NewInsert().Model(m).Exec(ctx)
		if err != nil {
			if isDuplicateKey(err) {
				return riparius.ErrWorkflowExists
			}
			return fmt.Errorf("riparius/bun: insert instance: %w", err)
		}
		return nil
	}

	res, err := tx.NewUpdate().Model(m).
		WherePK().
		Where("version = ?", c.ExpectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("riparius/bun: update instance: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		var current int64
		err := tx.NewSelect().
			Model((*instanceModel)(nil)).
			Column("version").
			Where("id = ?", m.ID).
			Scan(ctx, &current)
		if isNoRows(err) {
			return riparius.ErrWorkflowNotFound
		}
		if err != nil {
			return fmt.Errorf("riparius/bun: load version: %w", err)
		}
		return fmt.Errorf("%w: expected version %d, have %d",
			riparius.ErrVersionConflict, c.ExpectedVersion, current)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	m := new(instanceModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", workflowID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, riparius.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("riparius/bun: get instance: %w", err)
	}
	return fromInstanceModel(m)
}

// ListInstances returns instances matching the options, ordered by ID.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	var models []instanceModel
	q := s.db.NewSelect().Model(&models)
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.DefinitionKey != "" {
		q = q.Where("definition_key = ?", opts.DefinitionKey)
	}
	if opts.ResourceID != "" {
		q = q.Where("resource_id = ?", opts.ResourceID)
	}
	q = q.Order("id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("riparius/bun: list instances: %w", err)
	}

	result := make([]*workflow.Instance, 0, len(models))
	for i := range models {
		n, err := fromInstanceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	m := new(stepModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", stepID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, riparius.ErrStepNotFound
		}
		return nil, fmt.Errorf("riparius/bun: get step: %w", err)
	}
	return fromStepModel(m)
}

// ListSteps returns the steps of one workflow, ordered by ID.
func (s *Store) ListSteps(ctx context.Context, workflowID id.WorkflowID, opts workflow.StepListOpts) ([]*workflow.Step, error) {
	var models []stepModel
	q := s.db.NewSelect().Model(&models).
		Where("workflow_id = ?", workflowID.String())
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.StageKey != "" {
		q = q.Where("stage_key = ?", opts.StageKey)
	}
	if opts.NodeKey != "" {
		q = q.Where("node_key = ?", opts.NodeKey)
	}
	q = q.Order("id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("riparius/bun: list steps: %w", err)
	}

	result := make([]*workflow.Step, 0, len(models))
	for i := range models {
		st, err := fromStepModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, nil
}

// ListStages returns the stage rollups of one workflow in stage order.
func (s *Store) ListStages(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.Stage, error) {
	var models []stageModel
	err := s.db.NewSelect().Model(&models).
		Where("workflow_id = ?", workflowID.String()).
		Order("stage_order ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: list stages: %w", err)
	}

	result := make([]*workflow.Stage, 0, len(models))
	for i := range models {
		sg, err := fromStageModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, sg)
	}
	return result, nil
}

// ListParticipants returns the participants of one workflow, ordered by ID.
func (s *Store) ListParticipants(ctx context.Context, workflowID id.WorkflowID, opts workflow.ParticipantListOpts) ([]*workflow.Participant, error) {
	var models []participantModel
	q := s.db.NewSelect().Model(&models).
		Where("workflow_id = ?", workflowID.String())
	if opts.Role != "" {
		q = q.Where("role = ?", opts.Role)
	}
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	q = q.Order("id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("riparius/bun: list participants: %w", err)
	}

	result := make([]*workflow.Participant, 0, len(models))
	for i := range models {
		p, err := fromParticipantModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// FindWaitingSteps returns waiting steps of running workflows whose wait
// event matches the given name.
func (s *Store) FindWaitingSteps(ctx context.Context, eventName string) ([]*workflow.Step, error) {
	var models []stepModel
	err := s.db.NewSelect().Model(&models).
		Join("JOIN riparius_workflows AS w ON w.id = st.workflow_id").
		Where("st.status = ?", string(workflow.StepWaiting)).
		Where("st.wait_event = ?", eventName).
		Where("w.status = ?", string(workflow.StatusRunning)).
		Order("st.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("riparius/bun: find waiting steps: %w", err)
	}

	result := make([]*workflow.Step, 0, len(models))
	for i := range models {
		st, err := fromStepModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, nil
}

// ListRunningInstances returns instances in the running state.
func (s *Store) ListRunningInstances(ctx context.Context) ([]*workflow.Instance, error) {
	return s.ListInstances(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
}
