package riparius

import "time"

// Entity is the embedded base for all persisted records. Stores stamp
// UpdatedAt on every write; CreatedAt is set once at construction.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity with both timestamps set to now (UTC).
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch updates the UpdatedAt timestamp.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}
