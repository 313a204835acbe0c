// Package keylock serializes work per entity key (user, vault, service
// pair) while letting unrelated keys proceed in parallel.
package keylock

import (
	"hash/fnv"
	"sync"
)

const stripes = 256

// Map is a fixed set of mutexes indexed by key hash. The zero value is ready
// to use. Two keys that share a stripe serialize with each other, which is
// harmless for correctness.
type Map struct {
	mu [stripes]sync.Mutex
}

// Lock acquires the mutex for key and returns its release function.
func (m *Map) Lock(key string) (unlock func()) {
	l := &m.mu[stripe(key)]
	l.Lock()
	return l.Unlock
}

// With runs fn while holding the key's mutex.
func (m *Map) With(key string, fn func()) {
	unlock := m.Lock(key)
	defer unlock()
	fn()
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % stripes
}
