// Package trigger manages named workflow triggers: manual ones delivered
// through the send-trigger command and scheduled ones fired by the
// Scheduler from cron expressions declared on workflow definitions.
package trigger

import (
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
	"github.com/fluvius-io/fluvius-interim/id"
)

// Entry is one scheduled trigger materialized from a definition binding.
// Entries exist only for triggers with a schedule; manual triggers are
// resolved straight from the definition registry when sent.
type Entry struct {
	riparius.Entity

	ID            id.TriggerID `json:"id"`
	Name          string       `json:"name"`
	DefinitionKey string       `json:"definition_key"`
	Schedule      string       `json:"schedule"`
	Params        []byte       `json:"params,omitempty"`
	ScopeAppID    string       `json:"scope_app_id,omitempty"`
	ScopeOrgID    string       `json:"scope_org_id,omitempty"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time   `json:"next_run_at,omitempty"`
	LockedBy      string       `json:"locked_by,omitempty"`
	LockedUntil   *time.Time   `json:"locked_until,omitempty"`
	Enabled       bool         `json:"enabled"`
}

// Key returns the identity of the binding this entry materializes,
// unique per (definition, trigger name).
func (e *Entry) Key() string {
	return e.DefinitionKey + "/" + e.Name
}
