package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
	"github.com/fluvius-io/fluvius-interim/workflow"
)

const instanceColumns = `id, definition_key, revision, title, status, version,
	params, memo, resource_name, resource_id, selector, error, created_by,
	scope_app_id, scope_org_id, started_at, finished_at, created_at, updated_at`

const stepColumns = `id, workflow_id, node_key, stage_key, title, status, attempt,
	selector, wait_event, output, error, origin, activated_at, finished_at,
	created_at, updated_at`

// CommitInstance applies one commit atomically. The instance row write
// doubles as the per-workflow lock: concurrent commits against the same
// instance serialize on it, which keeps the version check and the event
// sequence assignment consistent.
func (s *Store) CommitInstance(ctx context.Context, c *workflow.Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("riparius/postgres: begin commit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := s.writeInstance(ctx, tx, c); err != nil {
		return err
	}
	for _, st := range c.Steps {
		if err := upsertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	for _, sg := range c.Stages {
		if err := upsertStage(ctx, tx, sg); err != nil {
			return err
		}
	}
	for _, p := range c.Participants {
		if err := upsertParticipant(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, pid := range c.RemovedParticipants {
		if _, err := tx.Exec(ctx,
			`DELETE FROM riparius_participants WHERE id = $1`, pid); err != nil {
			return fmt.Errorf("riparius/postgres: remove participant: %w", err)
		}
	}
	if err := appendEvents(ctx, tx, c.Instance.ID, c.Events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("riparius/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) writeInstance(ctx context.Context, tx pgx.Tx, c *workflow.Commit) error {
	n := c.Instance
	params, err := marshalJSON(n.Params)
	if err != nil {
		return fmt.Errorf("riparius/postgres: marshal params: %w", err)
	}
	memo, err := marshalJSON(n.Memo)
	if err != nil {
		return fmt.Errorf("riparius/postgres: marshal memo: %w", err)
	}

	if c.ExpectedVersion == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO riparius_workflows (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			n.ID, n.DefinitionKey, n.Revision, n.Title, n.Status, n.Version,
			params, memo, n.ResourceName, n.ResourceID, n.Selector, n.Error, n.CreatedBy,
			n.ScopeAppID, n.ScopeOrgID, n.StartedAt, n.FinishedAt, n.CreatedAt, n.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return riparius.ErrWorkflowExists
			}
			return fmt.Errorf("riparius/postgres: insert instance: %w", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE riparius_workflows SET
			definition_key = $2, revision = $3, title = $4, status = $5, version = $6,
			params = $7, memo = $8, resource_name = $9, resource_id = $10, selector = $11,
			error = $12, created_by = $13, scope_app_id = $14, scope_org_id = $15,
			started_at = $16, finished_at = $17, updated_at = $18
		WHERE id = $1 AND version = $19`,
		n.ID, n.DefinitionKey, n.Revision, n.Title, n.Status, n.Version,
		params, memo, n.ResourceName, n.ResourceID, n.Selector,
		n.Error, n.CreatedBy, n.ScopeAppID, n.ScopeOrgID,
		n.StartedAt, n.FinishedAt, n.UpdatedAt, c.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("riparius/postgres: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM riparius_workflows WHERE id = $1`, n.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return riparius.ErrWorkflowNotFound
		}
		if err != nil {
			return fmt.Errorf("riparius/postgres: load version: %w", err)
		}
		return fmt.Errorf("%w: expected version %d, have %d",
			riparius.ErrVersionConflict, c.ExpectedVersion, current)
	}
	return nil
}

func upsertStep(ctx context.Context, tx pgx.Tx, st *workflow.Step) error {
	output, err := marshalJSON(st.Output)
	if err != nil {
		return fmt.Errorf("riparius/postgres: marshal step output: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO riparius_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, attempt = EXCLUDED.attempt,
			wait_event = EXCLUDED.wait_event, output = EXCLUDED.output,
			error = EXCLUDED.error, activated_at = EXCLUDED.activated_at,
			finished_at = EXCLUDED.finished_at, updated_at = EXCLUDED.updated_at`,
		st.ID, st.WorkflowID, st.NodeKey, st.StageKey, st.Title, st.Status, st.Attempt,
		st.Selector, st.WaitEvent, output, st.Error, st.Origin, st.ActivatedAt, st.FinishedAt,
		st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("riparius/postgres: upsert step: %w", err)
	}
	return nil
}

func upsertStage(ctx context.Context, tx pgx.Tx, sg *workflow.Stage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO riparius_stages
			(id, workflow_id, stage_key, title, stage_order, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, stage_key) DO UPDATE SET
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		sg.ID, sg.WorkflowID, sg.StageKey, sg.Title, sg.Order, sg.Status,
		sg.CreatedAt, sg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("riparius/postgres: upsert stage: %w", err)
	}
	return nil
}

func upsertParticipant(ctx context.Context, tx pgx.Tx, p *workflow.Participant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO riparius_participants
			(id, workflow_id, user_id, role, kind, added_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role, kind = EXCLUDED.kind, updated_at = EXCLUDED.updated_at`,
		p.ID, p.WorkflowID, p.UserID, p.Role, p.Kind, p.AddedBy,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("riparius/postgres: upsert participant: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM riparius_workflows WHERE id = $1`, workflowID)
	n, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riparius.ErrWorkflowNotFound
	}
	return n, err
}

// ListInstances returns instances matching the options, ordered by ID.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM riparius_workflows WHERE 1=1`
	var args []any
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if opts.DefinitionKey != "" {
		args = append(args, opts.DefinitionKey)
		query += ` AND definition_key = $` + strconv.Itoa(len(args))
	}
	if opts.ResourceID != "" {
		args = append(args, opts.ResourceID)
		query += ` AND resource_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Instance
	for rows.Next() {
		n, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM riparius_steps WHERE id = $1`, stepID)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riparius.ErrStepNotFound
	}
	return st, err
}

// ListSteps returns the steps of one workflow, ordered by ID.
func (s *Store) ListSteps(ctx context.Context, workflowID id.WorkflowID, opts workflow.StepListOpts) ([]*workflow.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM riparius_steps WHERE workflow_id = $1`
	args := []any{workflowID}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if opts.StageKey != "" {
		args = append(args, opts.StageKey)
		query += ` AND stage_key = $` + strconv.Itoa(len(args))
	}
	if opts.NodeKey != "" {
		args = append(args, opts.NodeKey)
		query += ` AND node_key = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// ListStages returns the stage rollups of one workflow in stage order.
func (s *Store) ListStages(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.Stage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, stage_key, title, stage_order, status, created_at, updated_at
		FROM riparius_stages WHERE workflow_id = $1 ORDER BY stage_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list stages: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Stage
	for rows.Next() {
		var sg workflow.Stage
		if err := rows.Scan(&sg.ID, &sg.WorkflowID, &sg.StageKey, &sg.Title,
			&sg.Order, &sg.Status, &sg.CreatedAt, &sg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("riparius/postgres: scan stage: %w", err)
		}
		result = append(result, &sg)
	}
	return result, rows.Err()
}

// ListParticipants returns the participants of one workflow, ordered by ID.
func (s *Store) ListParticipants(ctx context.Context, workflowID id.WorkflowID, opts workflow.ParticipantListOpts) ([]*workflow.Participant, error) {
	query := `SELECT id, workflow_id, user_id, role, kind, added_by, created_at, updated_at
		FROM riparius_participants WHERE workflow_id = $1`
	args := []any{workflowID}
	if opts.Role != "" {
		args = append(args, opts.Role)
		query += ` AND role = $` + strconv.Itoa(len(args))
	}
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		query += ` AND user_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: list participants: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Participant
	for rows.Next() {
		var p workflow.Participant
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.UserID, &p.Role, &p.Kind,
			&p.AddedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("riparius/postgres: scan participant: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// FindWaitingSteps returns waiting steps of running workflows whose wait
// event matches the given name.
func (s *Store) FindWaitingSteps(ctx context.Context, eventName string) ([]*workflow.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns("s", stepColumns)+`
		FROM riparius_steps s
		JOIN riparius_workflows w ON w.id = s.workflow_id
		WHERE s.status = $1 AND s.wait_event = $2 AND w.status = $3
		ORDER BY s.id`,
		workflow.StepWaiting, eventName, workflow.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("riparius/postgres: find waiting steps: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// ListRunningInstances returns instances in the running state.
func (s *Store) ListRunningInstances(ctx context.Context) ([]*workflow.Instance, error) {
	return s.ListInstances(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
}

// prefixColumns qualifies each column in a comma-separated list with a
// table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanInstance(row pgx.Row) (*workflow.Instance, error) {
	var n workflow.Instance
	var params, memo []byte
	err := row.Scan(&n.ID, &n.DefinitionKey, &n.Revision, &n.Title, &n.Status, &n.Version,
		&params, &memo, &n.ResourceName, &n.ResourceID, &n.Selector, &n.Error, &n.CreatedBy,
		&n.ScopeAppID, &n.ScopeOrgID, &n.StartedAt, &n.FinishedAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(params, &n.Params); err != nil {
		return nil, fmt.Errorf("riparius/postgres: unmarshal params: %w", err)
	}
	if err := unmarshalJSON(memo, &n.Memo); err != nil {
		return nil, fmt.Errorf("riparius/postgres: unmarshal memo: %w", err)
	}
	return &n, nil
}

func scanStep(row pgx.Row) (*workflow.Step, error) {
	var st workflow.Step
	var output []byte
	err := row.Scan(&st.ID, &st.WorkflowID, &st.NodeKey, &st.StageKey, &st.Title, &st.Status,
		&st.Attempt, &st.Selector, &st.WaitEvent, &output, &st.Error, &st.Origin,
		&st.ActivatedAt, &st.FinishedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &st.Output); err != nil {
		return nil, fmt.Errorf("riparius/postgres: unmarshal step output: %w", err)
	}
	return &st, nil
}
