// Package keymutex provides in-process mutual exclusion per string key.
package keymutex

import "sync"

// KeyMutex hands out one mutex per key. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyMutex
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*entry)}
}

// Lock blocks until the mutex for key is held and returns its unlock func
func (k *KeyMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
