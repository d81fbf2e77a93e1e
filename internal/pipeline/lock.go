package pipeline

import (
	"slices"
	"sync"
)

// LockManager tracks which entities have a pipeline in flight. A run holds
// every entity it writes history rows for: one workflow, or each credential
// of a promoted set. Runs whose entity sets overlap exclude each other; all
// others proceed concurrently.
type LockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]bool)}
}

// TryLock claims every key or none. It returns false, holding nothing, when
// any key is already held.
func (lm *LockManager) TryLock(keys ...string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, k := range keys {
		if lm.held[k] {
			return false
		}
	}
	for _, k := range keys {
		lm.held[k] = true
	}
	return true
}

// Unlock releases keys. Keys not held are ignored.
func (lm *LockManager) Unlock(keys ...string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, k := range keys {
		delete(lm.held, k)
	}
}

// entityKey names one lockable entity.
func entityKey(kind, id string) string {
	return kind + ":" + id
}

func dedupeKeys(keys []string) []string {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	return slices.Compact(keys)
}
