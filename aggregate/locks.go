package aggregate

import "sync"

// keyedLocks hands out one mutex per workflow ID so commands against the
// same instance execute one at a time in this process, while commands
// against different instances run concurrently. Entries are reference
// counted and removed when the last holder unlocks.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns the matching unlock.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
