package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

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

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// CommitInstance applies one commit atomically. The store write lock
// serializes commits, so the version check and event sequencing need no
// row-level locking.
func (s *Store) CommitInstance(ctx context.Context, c *workflow.Commit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writeInstance(ctx, tx, c); err != nil {
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
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM riparius_participants WHERE id = ?`, pid); err != nil {
				return fmt.Errorf("riparius/sqlite: remove participant: %w", err)
			}
		}
		return appendEvents(ctx, tx, c.Instance.ID, c.Events)
	})
}

func writeInstance(ctx context.Context, tx *sql.Tx, c *workflow.Commit) error {
	n := c.Instance
	params, err := marshalJSON(n.Params)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: marshal params: %w", err)
	}
	memo, err := marshalJSON(n.Memo)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: marshal memo: %w", err)
	}

	if c.ExpectedVersion == 0 {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM riparius_workflows WHERE id = ?)`, n.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: check instance: %w", err)
		}
		if exists {
			return riparius.ErrWorkflowExists
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO riparius_workflows (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.DefinitionKey, n.Revision, n.Title, n.Status, n.Version,
			params, memo, n.ResourceName, n.ResourceID, n.Selector, n.Error, n.CreatedBy,
			n.ScopeAppID, n.ScopeOrgID, n.StartedAt, n.FinishedAt, n.CreatedAt, n.UpdatedAt)
		if err != nil {
			return fmt.Errorf("riparius/sqlite: insert instance: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE riparius_workflows SET
			definition_key = ?, revision = ?, title = ?, status = ?, version = ?,
			params = ?, memo = ?, resource_name = ?, resource_id = ?, selector = ?,
			error = ?, created_by = ?, scope_app_id = ?, scope_org_id = ?,
			started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		n.DefinitionKey, n.Revision, n.Title, n.Status, n.Version,
		params, memo, n.ResourceName, n.ResourceID, n.Selector,
		n.Error, n.CreatedBy, n.ScopeAppID, n.ScopeOrgID,
		n.StartedAt, n.FinishedAt, n.UpdatedAt, n.ID, c.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: update instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("riparius/sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM riparius_workflows WHERE id = ?`, n.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return riparius.ErrWorkflowNotFound
		}
		if err != nil {
			return fmt.Errorf("riparius/sqlite: load version: %w", err)
		}
		return fmt.Errorf("%w: expected version %d, have %d",
			riparius.ErrVersionConflict, c.ExpectedVersion, current)
	}
	return nil
}

func upsertStep(ctx context.Context, tx *sql.Tx, st *workflow.Step) error {
	output, err := marshalJSON(st.Output)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: marshal step output: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO riparius_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, attempt = excluded.attempt,
			wait_event = excluded.wait_event, output = excluded.output,
			error = excluded.error, activated_at = excluded.activated_at,
			finished_at = excluded.finished_at, updated_at = excluded.updated_at`,
		st.ID, st.WorkflowID, st.NodeKey, st.StageKey, st.Title, st.Status, st.Attempt,
		st.Selector, st.WaitEvent, output, st.Error, st.Origin, st.ActivatedAt, st.FinishedAt,
		st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: upsert step: %w", err)
	}
	return nil
}

func upsertStage(ctx context.Context, tx *sql.Tx, sg *workflow.Stage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO riparius_stages
			(id, workflow_id, stage_key, title, stage_order, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, stage_key) DO UPDATE SET
			status = excluded.status, updated_at = excluded.updated_at`,
		sg.ID, sg.WorkflowID, sg.StageKey, sg.Title, sg.Order, sg.Status,
		sg.CreatedAt, sg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: upsert stage: %w", err)
	}
	return nil
}

func upsertParticipant(ctx context.Context, tx *sql.Tx, p *workflow.Participant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO riparius_participants
			(id, workflow_id, user_id, role, kind, added_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role, kind = excluded.kind, updated_at = excluded.updated_at`,
		p.ID, p.WorkflowID, p.UserID, p.Role, p.Kind, p.AddedBy,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("riparius/sqlite: upsert participant: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM riparius_workflows WHERE id = ?`, workflowID)
	n, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riparius.ErrWorkflowNotFound
	}
	return n, err
}

// ListInstances returns instances matching the options, ordered by ID.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM riparius_workflows WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.DefinitionKey != "" {
		query += ` AND definition_key = ?`
		args = append(args, opts.DefinitionKey)
	}
	if opts.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, opts.ResourceID)
	}
	query += ` ORDER BY id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list instances: %w", err)
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM riparius_steps WHERE id = ?`, stepID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riparius.ErrStepNotFound
	}
	return st, err
}

// ListSteps returns the steps of one workflow, ordered by ID.
func (s *Store) ListSteps(ctx context.Context, workflowID id.WorkflowID, opts workflow.StepListOpts) ([]*workflow.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM riparius_steps WHERE workflow_id = ?`
	args := []any{workflowID}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.StageKey != "" {
		query += ` AND stage_key = ?`
		args = append(args, opts.StageKey)
	}
	if opts.NodeKey != "" {
		query += ` AND node_key = ?`
		args = append(args, opts.NodeKey)
	}
	query += ` ORDER BY id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list steps: %w", err)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, stage_key, title, stage_order, status, created_at, updated_at
		FROM riparius_stages WHERE workflow_id = ? ORDER BY stage_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list stages: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Stage
	for rows.Next() {
		var sg workflow.Stage
		if err := rows.Scan(&sg.ID, &sg.WorkflowID, &sg.StageKey, &sg.Title,
			&sg.Order, &sg.Status, &sg.CreatedAt, &sg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("riparius/sqlite: scan stage: %w", err)
		}
		result = append(result, &sg)
	}
	return result, rows.Err()
}

// ListParticipants returns the participants of one workflow, ordered by ID.
func (s *Store) ListParticipants(ctx context.Context, workflowID id.WorkflowID, opts workflow.ParticipantListOpts) ([]*workflow.Participant, error) {
	query := `SELECT id, workflow_id, user_id, role, kind, added_by, created_at, updated_at
		FROM riparius_participants WHERE workflow_id = ?`
	args := []any{workflowID}
	if opts.Role != "" {
		query += ` AND role = ?`
		args = append(args, opts.Role)
	}
	if opts.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, opts.UserID)
	}
	query += ` ORDER BY id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: list participants: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Participant
	for rows.Next() {
		var p workflow.Participant
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.UserID, &p.Role, &p.Kind,
			&p.AddedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("riparius/sqlite: scan participant: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// FindWaitingSteps returns waiting steps of running workflows whose wait
// event matches the given name.
func (s *Store) FindWaitingSteps(ctx context.Context, eventName string) ([]*workflow.Step, error) {
	cols := make([]string, 0, 16)
	for _, c := range strings.Split(stepColumns, ",") {
		cols = append(cols, "s."+strings.TrimSpace(c))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+strings.Join(cols, ", ")+`
		FROM riparius_steps s
		JOIN riparius_workflows w ON w.id = s.workflow_id
		WHERE s.status = ? AND s.wait_event = ? AND w.status = ?
		ORDER BY s.id`,
		workflow.StepWaiting, eventName, workflow.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("riparius/sqlite: find waiting steps: %w", err)
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

// limitOffset renders pagination SQL. SQLite needs a LIMIT clause before
// OFFSET, so an offset without a limit uses LIMIT -1.
func limitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	default:
		return ""
	}
}

func scanInstance(row rowScanner) (*workflow.Instance, error) {
	var n workflow.Instance
	var params, memo []byte
	err := row.Scan(&n.ID, &n.DefinitionKey, &n.Revision, &n.Title, &n.Status, &n.Version,
		&params, &memo, &n.ResourceName, &n.ResourceID, &n.Selector, &n.Error, &n.CreatedBy,
		&n.ScopeAppID, &n.ScopeOrgID, &n.StartedAt, &n.FinishedAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(params, &n.Params); err != nil {
		return nil, fmt.Errorf("riparius/sqlite: unmarshal params: %w", err)
	}
	if err := unmarshalJSON(memo, &n.Memo); err != nil {
		return nil, fmt.Errorf("riparius/sqlite: unmarshal memo: %w", err)
	}
	return &n, nil
}

func scanStep(row rowScanner) (*workflow.Step, error) {
	var st workflow.Step
	var output []byte
	err := row.Scan(&st.ID, &st.WorkflowID, &st.NodeKey, &st.StageKey, &st.Title, &st.Status,
		&st.Attempt, &st.Selector, &st.WaitEvent, &output, &st.Error, &st.Origin,
		&st.ActivatedAt, &st.FinishedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &st.Output); err != nil {
		return nil, fmt.Errorf("riparius/sqlite: unmarshal step output: %w", err)
	}
	return &st, nil
}
