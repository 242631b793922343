package docdb

import (
	"bytes"
	"context"
	"sync"
)

// MemoryBackend keeps documents in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
	seqs map[string]int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs: make(map[string]map[string][]byte),
		seqs: make(map[string]int64),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, collection, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNoDocument
	}
	return bytes.Clone(v), nil
}

func (m *MemoryBackend) All(ctx context.Context, collection string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.docs[collection]))
	for id, v := range m.docs[collection] {
		out[id] = bytes.Clone(v)
	}
	return out, nil
}

func (m *MemoryBackend) Commit(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		coll, ok := m.docs[op.Collection]
		if !ok {
			coll = make(map[string][]byte)
			m.docs[op.Collection] = coll
		}
		if op.Delete {
			delete(coll, op.ID)
			continue
		}
		coll[op.ID] = bytes.Clone(op.Value)
	}
	return nil
}

func (m *MemoryBackend) NextSequence(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[name]++
	return m.seqs[name], nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }
