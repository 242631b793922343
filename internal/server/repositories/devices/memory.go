package devices

import (
	"context"
	"maps"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

type MemoryStore struct {
	devices map[string]models.Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]models.Device)}
}

func (s *MemoryStore) Clone() *MemoryStore {
	return &MemoryStore{devices: maps.Clone(s.devices)}
}

type MemoryRepository struct {
	s *MemoryStore
}

func NewMemoryRepository(s *MemoryStore) *MemoryRepository {
	return &MemoryRepository{s: s}
}

func (r *MemoryRepository) Upsert(ctx context.Context, d *models.Device) (bool, error) {
	old, exists := r.s.devices[d.ID]
	if exists {
		d.RegisteredAt = old.RegisteredAt
	} else {
		d.RegisteredAt = d.LastSeenAt
	}
	r.s.devices[d.ID] = *d
	return !exists, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	d, ok := r.s.devices[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &d, nil
}
