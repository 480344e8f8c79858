package coordinator

import (
	"sync"
)

// Shared is state which tasks use to synchronize with each other, e.g.
// counters. Every access holds the lock it was created with, which is the
// topology's mutation lock, so that it can't change under a topology
// operation.
type Shared struct {
	lock sync.Locker
	vals map[string]any
}

func NewShared(lock sync.Locker) *Shared {
	if lock == nil {
		lock = &sync.Mutex{}
	}

	return &Shared{
		lock: lock,
		vals: map[string]any{},
	}
}

// Update calls fn with the values, holding the lock.
func (s *Shared) Update(fn func(vals map[string]any)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn(s.vals)
}

func (s *Shared) Get(key string) (any, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.vals[key]
	return v, ok
}

func (s *Shared) Set(key string, v any) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.vals[key] = v
}

// Add adds delta to the integer at key (zero if missing), and returns the
// new value.
func (s *Shared) Add(key string, delta int64) int64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	n, _ := s.vals[key].(int64)
	n += delta
	s.vals[key] = n
	return n
}

// Int returns the integer at key, or zero.
func (s *Shared) Int(key string) int64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	n, _ := s.vals[key].(int64)
	return n
}
