package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	visitors   map[string]Visitor
	events     []Event
	recordings map[RecordingKey]RecordingStart
	nextID     int64
	now        func() time.Time
	mu         sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors:   make(map[string]Visitor),
		recordings: make(map[RecordingKey]RecordingStart),
		now:        time.Now,
	}
}

// UpsertVisitor returns the existing visitor or creates one.
func (s *MemoryStore) UpsertVisitor(_ context.Context, fingerprint string) (Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.visitors[fingerprint]; ok {
		return v, nil
	}
	s.nextID++
	v := Visitor{ID: s.nextID, FingerprintHash: fingerprint, CreatedAt: s.now()}
	s.visitors[fingerprint] = v
	return v, nil
}

// InsertEvents appends events.
func (s *MemoryStore) InsertEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range events {
		s.nextID++
		e.ID = s.nextID
		e.CreatedAt = now
		// Store a copy to prevent accidental mutation by caller
		e.Value = append([]byte(nil), e.Value...)
		s.events = append(s.events, e)
	}
	return nil
}

// UpsertRecordingStart creates or overwrites a bootstrap row.
func (s *MemoryStore) UpsertRecordingStart(_ context.Context, rs RecordingStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.recordings[rs.RecordingKey]; ok {
		rs.CreatedAt = existing.CreatedAt
	} else {
		rs.CreatedAt = now
	}
	rs.UpdatedAt = now
	s.recordings[rs.RecordingKey] = rs
	return nil
}

// GetRecordingStart returns the row for key.
func (s *MemoryStore) GetRecordingStart(_ context.Context, key RecordingKey) (RecordingStart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.recordings[key]
	if !ok {
		return RecordingStart{}, ErrNotFound
	}
	return rs, nil
}

// LatestRecordingStart returns the newest row for fingerprint.
func (s *MemoryStore) LatestRecordingStart(_ context.Context, fingerprint string) (RecordingStart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest RecordingStart
		found  bool
	)
	for key, rs := range s.recordings {
		if key.Fingerprint != fingerprint {
			continue
		}
		if !found || !rs.UpdatedAt.Before(latest.UpdatedAt) {
			latest, found = rs, true
		}
	}
	if !found {
		return RecordingStart{}, ErrNotFound
	}
	return latest, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Visitors returns a snapshot of stored visitors.
func (s *MemoryStore) Visitors() []Visitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Visitor, 0, len(s.visitors))
	for _, v := range s.visitors {
		out = append(out, v)
	}
	return out
}

// Events returns a snapshot of stored events in insertion order.
func (s *MemoryStore) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

// RecordingStarts returns a snapshot of stored bootstrap rows.
func (s *MemoryStore) RecordingStarts() []RecordingStart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RecordingStart, 0, len(s.recordings))
	for _, rs := range s.recordings {
		out = append(out, rs)
	}
	return out
}
