package idempotency

import (
	"context"
	"maps"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

type MemoryStore struct {
	entries map[string]models.IdempotencyEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.IdempotencyEntry)}
}

func (s *MemoryStore) Clone() *MemoryStore {
	return &MemoryStore{entries: maps.Clone(s.entries)}
}

type MemoryRepository struct {
	s *MemoryStore
}

func NewMemoryRepository(s *MemoryStore) *MemoryRepository {
	return &MemoryRepository{s: s}
}

func (r *MemoryRepository) Get(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	e, ok := r.s.entries[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &e, nil
}

// Save keeps the first answer for a key.
func (r *MemoryRepository) Save(ctx context.Context, e *models.IdempotencyEntry) error {
	if _, ok := r.s.entries[e.Key]; !ok {
		r.s.entries[e.Key] = *e
	}
	return nil
}
