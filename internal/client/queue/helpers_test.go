package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/docstore"
	"github.com/dmitrijs2005/posync/internal/client/storage/sqlite"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

func (c *fakeConn) set(v bool) { c.online.Store(v) }

// fakeRemote records every call and answers through the scripted funcs.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []models.ReplayRequest
	batches []models.BatchRequest
	replay  func(ctx context.Context, n int, req models.ReplayRequest) (*models.ReplayResponse, error)
	batch   func(req models.BatchRequest) (*models.BatchResponse, error)
}

func (f *fakeRemote) Replay(ctx context.Context, req models.ReplayRequest) (*models.ReplayResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	fn := f.replay
	f.mu.Unlock()
	if fn == nil {
		return &models.ReplayResponse{}, nil
	}
	return fn(ctx, n, req)
}

func (f *fakeRemote) Batch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error) {
	f.mu.Lock()
	f.batches = append(f.batches, req)
	fn := f.batch
	f.mu.Unlock()
	if fn == nil {
		return &models.BatchResponse{}, nil
	}
	return fn(req)
}

func (f *fakeRemote) Calls() []models.ReplayRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ReplayRequest{}, f.calls...)
}

var dbSeq atomic.Int64

func engines() map[string]func(t *testing.T) storage.Adapter {
	return map[string]func(t *testing.T) storage.Adapter{
		"docstore": func(t *testing.T) storage.Adapter {
			return docstore.NewMemory()
		},
		"sqlite": func(t *testing.T) storage.Adapter {
			a, err := sqlite.Open(context.Background(), fmt.Sprintf("file:queue_test_%d?mode=memory", dbSeq.Add(1)))
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			return a
		},
	}
}

type fixture struct {
	store  storage.Adapter
	remote *fakeRemote
	conn   *fakeConn
	clock  *fakeClock
	proc   *Processor
}

func newFixture(t *testing.T, store storage.Adapter, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: store, remote: &fakeRemote{}, conn: &fakeConn{}, clock: newClock()}
	f.conn.set(true)
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.proc = NewProcessor(store, f.remote, f.conn, cfg, opts...)
	f.proc.persistBackoff = time.Millisecond
	return f
}

// enqueue builds an intent through the default registry and stores it.
func (f *fixture) enqueue(t *testing.T, e models.Entity, op models.Operation, entityID string, payload any) *models.QueueItem {
	t.Helper()
	item, err := models.DefaultRegistry().Build(e, op, entityID, payload)
	require.NoError(t, err)
	require.NoError(t, f.proc.Enqueue(context.Background(), item))
	f.clock.Advance(time.Millisecond)
	return item
}

func (f *fixture) item(t *testing.T, id int64) *models.QueueItem {
	t.Helper()
	it, err := f.store.SyncQueue().GetByID(context.Background(), id)
	require.NoError(t, err)
	return it
}

// offlineParty stores a party created offline and returns it.
func offlineParty(t *testing.T, s storage.Adapter, name string) *models.Party {
	t.Helper()
	id := models.NewTempID()
	p := &models.Party{
		RecordMeta: models.RecordMeta{ID: id, TempID: id, IsOffline: true, UpdatedAt: t0},
		Name:       name,
		Kind:       models.PartyCustomer,
	}
	require.NoError(t, s.Parties().Create(context.Background(), p))
	return p
}
