package services

import (
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// KeyedMutex gives each customer a single logical writer inside this
// process. Entries are reference counted and dropped once unused.
type KeyedMutex struct {
	locks *xsync.MapOf[uuid.UUID, *keyLock]
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: xsync.NewMapOf[uuid.UUID, *keyLock]()}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key uuid.UUID) func() {
	l, _ := k.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// Len is the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	return k.locks.Size()
}
