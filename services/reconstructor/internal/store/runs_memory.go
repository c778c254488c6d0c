package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRunStore is a development-only in-memory implementation.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]Run)}
}

func (s *InMemoryRunStore) Save(_ context.Context, r Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = uuid.New().String()
	r.CreatedAt = time.Now().UTC()
	s.runs[r.ID] = r
	return r, nil
}

func (s *InMemoryRunStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryRunStore) ListByPost(_ context.Context, postID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Run{}
	for _, r := range s.runs {
		if r.PostID == postID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
