package repomanager

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/posync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/posync/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/posync/internal/server/repositories/records"
)

type memoryState struct {
	records     *records.MemoryStore
	devices     *devices.MemoryStore
	idempotency *idempotency.MemoryStore
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		records:     s.records.Clone(),
		devices:     s.devices.Clone(),
		idempotency: s.idempotency.Clone(),
	}
}

// MemoryRepositoryManager keeps everything in process memory. Units of work
// run one at a time on a copy of the state that replaces it on success.
type MemoryRepositoryManager struct {
	mu    sync.Mutex
	state *memoryState
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{state: &memoryState{
		records:     records.NewMemoryStore(),
		devices:     devices.NewMemoryStore(),
		idempotency: idempotency.NewMemoryStore(),
	}}
}

type memRepositories struct {
	s *memoryState
}

func (r memRepositories) Records() records.Repository {
	return records.NewMemoryRepository(r.s.records)
}

func (r memRepositories) Devices() devices.Repository {
	return devices.NewMemoryRepository(r.s.devices)
}

func (r memRepositories) Idempotency() idempotency.Repository {
	return idempotency.NewMemoryRepository(r.s.idempotency)
}

// LockKey is a no-op: WithTx already runs units of work one at a time.
func (r memRepositories) LockKey(ctx context.Context, key string) error {
	return nil
}

func (m *MemoryRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(ctx, memRepositories{s: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *MemoryRepositoryManager) RunMigrations(ctx context.Context) error { return nil }

func (m *MemoryRepositoryManager) Close() error { return nil }
