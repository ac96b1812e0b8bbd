// Package locker provides per-key mutual exclusion for check-then-act
// sequences that must not interleave for the same principal.
package locker

import "sync"

// Keyed hands out one mutex per key. Locks are never evicted; the key space
// (principal ids) is small and long-lived.
type Keyed struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// NewKeyed constructs an empty Keyed locker.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[uint64]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *Keyed) Lock(key uint64) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
