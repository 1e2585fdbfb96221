package utils

import "sync"

// Slot is a latest-wins hand-off point between two pipeline stages. A producer replaces the held
// value with Update; a consumer asks for the value only if it is newer than the version it saw
// last. Intermediate values a slow consumer never asked for are dropped, nothing is queued.
//
// The zero value is an empty slot ready for use.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	full    bool
}

// Update replaces the held value and returns its version. Versions start at 1 and increase by
// one with every update.
func (s *Slot[T]) Update(value T) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	s.value = value
	s.full = true
	return s.version
}

// TakeIfNewer returns the held value and its version if the slot holds a value whose version is
// greater than lastSeen. The value is moved out of the slot.
func (s *Slot[T]) TakeIfNewer(lastSeen uint64) (T, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if !s.full || s.version <= lastSeen {
		return zero, 0, false
	}
	value := s.value
	s.value = zero
	s.full = false
	return value, s.version, true
}

// PeekIfNewer is like TakeIfNewer but leaves the value in the slot, for values read by more than
// one consumer.
func (s *Slot[T]) PeekIfNewer(lastSeen uint64) (T, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full || s.version <= lastSeen {
		var zero T
		return zero, 0, false
	}
	return s.value, s.version, true
}

// Version returns the version of the latest update, 0 if the slot never received one.
func (s *Slot[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Clear drops the held value without changing the version.
func (s *Slot[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.value = zero
	s.full = false
}
