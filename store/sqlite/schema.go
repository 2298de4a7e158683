package sqlite

// schema is the full DDL. Every statement is idempotent so Migrate can run
// on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS riparius_workflows (
    id              TEXT PRIMARY KEY,
    definition_key  TEXT NOT NULL,
    revision        INTEGER NOT NULL DEFAULT 1,
    title           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'created',
    version         INTEGER NOT NULL DEFAULT 1,
    params          TEXT,
    memo            TEXT,
    resource_name   TEXT NOT NULL DEFAULT '',
    resource_id     TEXT NOT NULL DEFAULT '',
    selector        TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    created_by      TEXT NOT NULL DEFAULT '',
    scope_app_id    TEXT NOT NULL DEFAULT '',
    scope_org_id    TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMP,
    finished_at     TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_riparius_workflows_status
    ON riparius_workflows (status);
CREATE INDEX IF NOT EXISTS idx_riparius_workflows_definition
    ON riparius_workflows (definition_key);

CREATE TABLE IF NOT EXISTS riparius_steps (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL REFERENCES riparius_workflows (id) ON DELETE CASCADE,
    node_key        TEXT NOT NULL,
    stage_key       TEXT NOT NULL DEFAULT '',
    title           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    attempt         INTEGER NOT NULL DEFAULT 0,
    selector        TEXT NOT NULL DEFAULT '',
    wait_event      TEXT NOT NULL DEFAULT '',
    output          TEXT,
    error           TEXT NOT NULL DEFAULT '',
    origin          TEXT NOT NULL DEFAULT '',
    activated_at    TIMESTAMP,
    finished_at     TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_riparius_steps_workflow
    ON riparius_steps (workflow_id);
CREATE INDEX IF NOT EXISTS idx_riparius_steps_waiting
    ON riparius_steps (wait_event) WHERE status = 'waiting';

CREATE TABLE IF NOT EXISTS riparius_stages (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL REFERENCES riparius_workflows (id) ON DELETE CASCADE,
    stage_key       TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    stage_order     INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    UNIQUE (workflow_id, stage_key)
);

CREATE TABLE IF NOT EXISTS riparius_participants (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL REFERENCES riparius_workflows (id) ON DELETE CASCADE,
    user_id         TEXT NOT NULL,
    role            TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL DEFAULT 'member',
    added_by        TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_riparius_participants_workflow
    ON riparius_participants (workflow_id);

CREATE TABLE IF NOT EXISTS riparius_events (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL,
    sequence        INTEGER NOT NULL,
    name            TEXT NOT NULL,
    payload         TEXT,
    actor           TEXT NOT NULL DEFAULT '',
    scope_app_id    TEXT NOT NULL DEFAULT '',
    scope_org_id    TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMP NOT NULL,
    UNIQUE (workflow_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_riparius_events_name
    ON riparius_events (name);

CREATE TABLE IF NOT EXISTS riparius_triggers (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    definition_key  TEXT NOT NULL,
    schedule        TEXT NOT NULL DEFAULT '',
    params          BLOB,
    scope_app_id    TEXT NOT NULL DEFAULT '',
    scope_org_id    TEXT NOT NULL DEFAULT '',
    last_run_at     TIMESTAMP,
    next_run_at     TIMESTAMP,
    locked_by       TEXT NOT NULL DEFAULT '',
    locked_until    TIMESTAMP,
    enabled         INTEGER NOT NULL DEFAULT 1,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_riparius_triggers_binding
    ON riparius_triggers (definition_key, name) WHERE schedule <> '';

CREATE TABLE IF NOT EXISTS riparius_deadletters (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL,
    step_id         TEXT NOT NULL,
    node_key        TEXT NOT NULL DEFAULT '',
    handler         TEXT NOT NULL DEFAULT '',
    params          BLOB,
    error           TEXT NOT NULL DEFAULT '',
    attempts        INTEGER NOT NULL DEFAULT 0,
    max_attempts    INTEGER NOT NULL DEFAULT 0,
    scope_app_id    TEXT NOT NULL DEFAULT '',
    scope_org_id    TEXT NOT NULL DEFAULT '',
    failed_at       TIMESTAMP NOT NULL,
    replayed_at     TIMESTAMP,
    created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_riparius_deadletters_workflow
    ON riparius_deadletters (workflow_id);
CREATE INDEX IF NOT EXISTS idx_riparius_deadletters_failed
    ON riparius_deadletters (failed_at);

CREATE TABLE IF NOT EXISTS riparius_workers (
    id              TEXT PRIMARY KEY,
    hostname        TEXT NOT NULL DEFAULT '',
    concurrency     INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'active',
    metadata        TEXT,
    last_seen       TIMESTAMP NOT NULL,
    created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS riparius_leader (
    singleton       INTEGER PRIMARY KEY CHECK (singleton = 1),
    worker_id       TEXT NOT NULL,
    leader_until    TIMESTAMP NOT NULL
);
`
