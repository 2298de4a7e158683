package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	riparius "github.com/fluvius-io/fluvius-interim"
)

// Binding pairs a trigger with the definition that declares it, as
// resolved by the dispatcher for send-trigger commands.
type Binding struct {
	Workflow *Workflow
	Trigger  Trigger
}

// snapshot is an immutable view of all registered definitions.
type snapshot struct {
	// latest maps key → highest revision.
	latest map[string]*Workflow
	// exact maps "key@revision" → definition.
	exact map[string]*Workflow
	// bindings maps trigger name → bindings across all definitions,
	// in registration order.
	bindings map[string][]Binding
	// keys is the sorted key list.
	keys []string
	// checksum combines per-definition checksums.
	checksum string
}

// Registry is the process-wide read-only definition catalog. Writes
// (Register, Replace) rebuild the snapshot and swap it atomically, so
// the lookup path never takes a lock.
type Registry struct {
	mu   sync.Mutex // serializes writers only
	defs []*Workflow
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(buildSnapshot(nil))
	return r
}

// Register validates and adds one definition. Registering an existing
// key+revision returns ErrDuplicateDefinition.
func (r *Registry) Register(w *Workflow) error {
	if err := Validate(w); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref := w.Ref()
	for _, d := range r.defs {
		if d.Ref() == ref {
			return fmt.Errorf("%w: %s", riparius.ErrDuplicateDefinition, ref)
		}
	}
	r.defs = append(r.defs, w)
	r.snap.Store(buildSnapshot(r.defs))
	return nil
}

// Replace atomically swaps the whole catalog. Every definition is
// validated first; on any failure the registry is left unchanged.
func (r *Registry) Replace(defs []*Workflow) error {
	seen := make(map[string]bool, len(defs))
	for _, w := range defs {
		if err := Validate(w); err != nil {
			return err
		}
		if seen[w.Ref()] {
			return fmt.Errorf("%w: %s", riparius.ErrDuplicateDefinition, w.Ref())
		}
		seen[w.Ref()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append([]*Workflow(nil), defs...)
	r.snap.Store(buildSnapshot(r.defs))
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the latest revision of a definition key.
func (r *Registry) Get(key string) (*Workflow, error) {
	if w, ok := r.current().latest[key]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: %s", riparius.ErrDefinitionNotFound, key)
}

// GetRevision returns an exact key+revision.
func (r *Registry) GetRevision(key string, revision int) (*Workflow, error) {
	ref := fmt.Sprintf("%s@%d", key, revision)
	if w, ok := r.current().exact[ref]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: %s", riparius.ErrDefinitionNotFound, ref)
}

// Keys returns the sorted definition keys.
func (r *Registry) Keys() []string {
	return r.current().keys
}

// TriggerBindings returns every binding declared for a trigger name, in
// registration order. Unknown names return nil.
func (r *Registry) TriggerBindings(name string) []Binding {
	return r.current().bindings[name]
}

// ScheduledBindings returns every binding that declares a cron schedule.
func (r *Registry) ScheduledBindings() []Binding {
	var out []Binding
	snap := r.current()
	for _, key := range snap.keys {
		w := snap.latest[key]
		for _, t := range w.Triggers {
			if t.Schedule != "" {
				out = append(out, Binding{Workflow: w, Trigger: t})
			}
		}
	}
	return out
}

// Checksum identifies the loaded catalog; it changes whenever the set of
// definitions changes.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func buildSnapshot(defs []*Workflow) *snapshot {
	s := &snapshot{
		latest:   make(map[string]*Workflow, len(defs)),
		exact:    make(map[string]*Workflow, len(defs)),
		bindings: make(map[string][]Binding),
	}

	var checksumParts []string
	for _, w := range defs {
		s.exact[w.Ref()] = w
		if cur, ok := s.latest[w.Key]; !ok || w.Revision > cur.Revision {
			s.latest[w.Key] = w
		}
		for _, t := range w.Triggers {
			s.bindings[t.Name] = append(s.bindings[t.Name], Binding{Workflow: w, Trigger: t})
		}
		part := w.Checksum
		if part == "" {
			part = w.Ref()
		}
		checksumParts = append(checksumParts, part)
	}

	for key := range s.latest {
		s.keys = append(s.keys, key)
	}
	sort.Strings(s.keys)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
	return s
}
