package riparius

import "github.com/fluvius-io/fluvius-interim/id"

// ID is the primary identifier type for all workflow entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
