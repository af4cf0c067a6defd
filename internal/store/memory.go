package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vibepm/internal/requirements"
)

// MemoryStore is an in-process [Store]. Documents are deep-copied on the way
// in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memEntry
	seq  uint64
	now  func() time.Time
}

type memEntry struct {
	doc *requirements.Product
	seq uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memEntry), now: time.Now}
}

// Save implements [Store].
func (s *MemoryStore) Save(_ context.Context, p *requirements.Product) (string, error) {
	if err := requirements.Validate(p); err != nil {
		return "", fmt.Errorf("store: save: %w", err)
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(id, p); err != nil {
		return "", err
	}
	return id, nil
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, id string) (*requirements.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	return e.doc.Clone()
}

// Update implements [Store].
func (s *MemoryStore) Update(_ context.Context, id string, p *requirements.Product) error {
	if err := requirements.Validate(p); err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("store: update %q: %w", id, ErrNotFound)
	}
	return s.put(id, p)
}

// Latest implements [Store].
func (s *MemoryStore) Latest(context.Context) (*requirements.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *memEntry
	for _, e := range s.docs {
		if latest == nil || e.seq > latest.seq {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.doc.Clone()
}

// List implements [Store].
func (s *MemoryStore) List(context.Context) ([]Summary, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *memEntry) int { return cmp.Compare(b.seq, a.seq) })
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, Summary{ID: e.doc.ID, Name: e.doc.Name, Status: e.doc.Status, UpdatedAt: e.doc.UpdatedAt})
	}
	return out, nil
}

// Ping implements [Store]. It always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// put stores a copy of p under id. Callers hold s.mu.
func (s *MemoryStore) put(id string, p *requirements.Product) error {
	doc, err := p.Clone()
	if err != nil {
		return err
	}
	doc.Normalize()
	doc.ID = id
	doc.UpdatedAt = s.now().UTC()
	s.seq++
	s.docs[id] = &memEntry{doc: doc, seq: s.seq}
	p.ID, p.UpdatedAt = id, doc.UpdatedAt
	return nil
}
