package docdb

import (
	"context"
	"sync"
)

// Session is the document API used by repositories. Reads see the
// session's own uncommitted writes. Update runs fn against a write view; a
// session outside a transaction commits it immediately.
type Session interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	All(ctx context.Context, collection string) (map[string][]byte, error)
	Update(ctx context.Context, fn func(tx *Tx) error) error
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Store serializes writers over a Backend.
type Store struct {
	backend Backend
	mu      sync.Mutex
}

func NewStore(b Backend) *Store {
	return &Store{backend: b}
}

func (s *Store) Backend() Backend { return s.backend }

// Session returns the non-transactional session.
func (s *Store) Session() Session { return direct{s: s} }

// WithTx runs fn with a transactional session and commits its writes
// atomically when fn succeeds. Writers are serialized for the duration.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, sess Session) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s.backend)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.backend.Commit(ctx, tx.ops)
}

func (s *Store) Close() error { return s.backend.Close() }

type direct struct {
	s *Store
}

func (d direct) Get(ctx context.Context, collection, id string) ([]byte, error) {
	return d.s.backend.Get(ctx, collection, id)
}

func (d direct) All(ctx context.Context, collection string) (map[string][]byte, error) {
	return d.s.backend.All(ctx, collection)
}

func (d direct) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return d.s.WithTx(ctx, func(ctx context.Context, sess Session) error {
		return fn(sess.(*Tx))
	})
}

func (d direct) NextSequence(ctx context.Context, name string) (int64, error) {
	return d.s.backend.NextSequence(ctx, name)
}

// Tx buffers writes on top of a backend snapshot-free read path.
type Tx struct {
	backend Backend
	ops     []Op
	overlay map[string]map[string][]byte
}

func newTx(b Backend) *Tx {
	return &Tx{backend: b, overlay: make(map[string]map[string][]byte)}
}

func (t *Tx) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if coll, ok := t.overlay[collection]; ok {
		if v, ok := coll[id]; ok {
			if v == nil {
				return nil, ErrNoDocument
			}
			return v, nil
		}
	}
	return t.backend.Get(ctx, collection, id)
}

func (t *Tx) All(ctx context.Context, collection string) (map[string][]byte, error) {
	all, err := t.backend.All(ctx, collection)
	if err != nil {
		return nil, err
	}
	for id, v := range t.overlay[collection] {
		if v == nil {
			delete(all, id)
			continue
		}
		all[id] = v
	}
	return all, nil
}

func (t *Tx) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return fn(t)
}

func (t *Tx) NextSequence(ctx context.Context, name string) (int64, error) {
	return t.backend.NextSequence(ctx, name)
}

func (t *Tx) Put(collection, id string, value []byte) {
	t.stage(collection, id, value)
	t.ops = append(t.ops, Op{Collection: collection, ID: id, Value: value})
}

func (t *Tx) Delete(collection, id string) {
	t.stage(collection, id, nil)
	t.ops = append(t.ops, Op{Collection: collection, ID: id, Delete: true})
}

func (t *Tx) stage(collection, id string, value []byte) {
	coll, ok := t.overlay[collection]
	if !ok {
		coll = make(map[string][]byte)
		t.overlay[collection] = coll
	}
	coll[id] = value
}
