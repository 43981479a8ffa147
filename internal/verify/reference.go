package verify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// ReferenceStore holds at most one enrolled identity. Readers get an immutable snapshot;
// writers replace the whole value, so no reader ever sees a half-written embedding.
type ReferenceStore struct {
	mu     sync.Mutex // serializes writers
	active atomic.Pointer[types.ReferenceIdentity]
	clock  uint64
}

func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{}
}

// Get returns the active reference or nil.
func (s *ReferenceStore) Get() *types.ReferenceIdentity {
	return s.active.Load()
}

func (s *ReferenceStore) IsReady() bool {
	return s.active.Load() != nil
}

// Publish atomically replaces the active reference and stamps it with the next logical time.
// An empty embedding is rejected with ErrNoFaceFound and leaves the store untouched.
func (s *ReferenceStore) Publish(ref types.ReferenceIdentity) (*types.ReferenceIdentity, error) {
	if len(ref.Embedding) == 0 {
		return nil, ErrNoFaceFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	next := ref
	next.Embedding = append([]float64(nil), ref.Embedding...)
	next.Image = append([]byte(nil), ref.Image...)
	next.SetAt = s.clock
	if next.EnrolledAt.IsZero() {
		next.EnrolledAt = time.Now()
	}
	s.active.Store(&next)
	return &next, nil
}

// Clear drops the active reference. Legal at any time.
func (s *ReferenceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Store(nil)
}
