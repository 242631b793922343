// Package services holds the write path of the till: sales, stock
// adjustments and parties.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/client"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/ownership"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Remote is the direct write endpoint. Replay doubles as the online write
// so a timed out attempt and its queued replay share one idempotency key.
type Remote interface {
	Replay(ctx context.Context, req models.ReplayRequest) (*models.ReplayResponse, error)
}

type Connectivity interface {
	IsOnline() bool
}

// Queue stores intents that could not be written directly.
type Queue interface {
	Prepare(item *models.QueueItem) error
	EnqueueIn(ctx context.Context, r storage.Repositories, item *models.QueueItem) error
}

// Outcome is how a write ended from the caller's point of view.
type Outcome string

const (
	// OutcomeSynced: the server accepted the write and the local copy carries
	// the server id.
	OutcomeSynced Outcome = "synced"
	// OutcomeQueued: the write is stored locally and queued for replay.
	OutcomeQueued Outcome = "queued"
	// OutcomeFailed: nothing was written. Kind says why.
	OutcomeFailed Outcome = "failed"
)

// Result is the classified outcome of a write.
type Result struct {
	Outcome Outcome          `json:"outcome"`
	Kind    common.ErrorKind `json:"kind"`
	// ID is the server id when synced and the local id otherwise.
	ID     string `json:"id,omitempty"`
	TempID string `json:"tempId,omitempty"`
	// ItemID is the queue item holding a queued write.
	ItemID     int64           `json:"itemId,omitempty"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
	Err        error           `json:"-"`
}

// Accepted reports whether the write is durable locally or remotely.
func (r Result) Accepted() bool {
	return r.Outcome == OutcomeSynced || r.Outcome == OutcomeQueued
}

// Mutation is one write. Record is required for CREATE and UPDATE. For a
// CREATE its id is replaced by a fresh temp id.
type Mutation struct {
	Entity    models.Entity
	Operation models.Operation
	EntityID  string
	Record    models.Record
}

// Writer implements the online-first write path with offline fallback.
type Writer struct {
	store          storage.Adapter
	remote         Remote
	conn           Connectivity
	queue          Queue
	registry       *models.Registry
	guard          *ownership.Guard
	log            logging.Logger
	now            func() time.Time
	requestTimeout time.Duration
}

type Option func(*Writer)

func WithLogger(l logging.Logger) Option {
	return func(w *Writer) { w.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

func WithGuard(g *ownership.Guard) Option {
	return func(w *Writer) { w.guard = g }
}

func WithRegistry(r *models.Registry) Option {
	return func(w *Writer) { w.registry = r }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(w *Writer) { w.requestTimeout = d }
}

func NewWriter(store storage.Adapter, remote Remote, conn Connectivity, q Queue, opts ...Option) *Writer {
	w := &Writer{
		store:          store,
		remote:         remote,
		conn:           conn,
		queue:          q,
		registry:       models.DefaultRegistry(),
		guard:          ownership.New(),
		log:            logging.NewNop(),
		now:            time.Now,
		requestTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("component", "writer")
	return w
}

// Write attempts m against the server when online and falls back to the
// local queue when the attempt fails for connectivity reasons. The returned
// error is non-nil only when the write was not accepted.
func (w *Writer) Write(ctx context.Context, m Mutation) (Result, error) {
	now := w.now().UTC()

	entityID := m.EntityID
	var tempID string
	if m.Operation == models.OperationCreate {
		if m.Record == nil {
			return w.invalid(fmt.Errorf("%w: create needs a record", models.ErrInvalidPayload))
		}
		tempID = models.NewTempID()
		entityID = tempID
		meta := m.Record.Meta()
		meta.ID, meta.TempID, meta.ServerID = tempID, tempID, ""
	}
	if entityID == "" {
		return w.invalid(fmt.Errorf("%w: %s needs an entity id", models.ErrInvalidPayload, m.Operation))
	}
	if m.Record != nil {
		meta := m.Record.Meta()
		meta.ID = entityID
		meta.UpdatedAt = now
	}

	var payload any
	if m.Operation != models.OperationDelete {
		payload = m.Record
	}
	item, err := w.registry.Build(m.Entity, m.Operation, entityID, payload)
	if err != nil {
		return w.invalid(err)
	}
	if err := w.queue.Prepare(item); err != nil {
		return w.invalid(err)
	}

	unlock := w.guard.Lock(item.EntityKey())
	defer unlock()

	// Earlier intents for the record must reach the server first.
	owned, err := w.store.SyncQueue().HasActive(ctx, m.Entity, entityID)
	if err != nil {
		return w.failed(common.KindStorage, err)
	}

	kind := common.KindOffline
	switch {
	case owned || (models.IsTempID(entityID) && m.Operation != models.OperationCreate):
		kind = common.KindPending
	case w.conn.IsOnline():
		resp, err := w.attempt(ctx, item)
		if err == nil && m.Operation == models.OperationCreate && (resp == nil || resp.ServerID == "") {
			// The queued replay shares the key and gets the id back.
			err = fmt.Errorf("%w: create acknowledged without a server id", common.ErrServer)
		}
		kind = common.Classify(err)
		switch {
		case kind == common.KindNone:
			return w.synced(ctx, m, item, resp, tempID, now)
		case kind == common.KindCanceled:
			return w.failed(kind, err)
		case !kind.OfflineCaused():
			res, err := w.failed(kind, err)
			res.ServerData = client.ServerCopy(err)
			return res, err
		}
		w.log.Info(ctx, "direct write failed, queueing", "key", item.IdempotencyKey, "kind", kind, "error", err)
	}

	return w.enqueue(ctx, m, item, tempID, kind)
}

func (w *Writer) attempt(ctx context.Context, item *models.QueueItem) (*models.ReplayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()
	return w.remote.Replay(ctx, models.ReplayRequest{
		Method:         item.Method,
		Endpoint:       item.Endpoint,
		IdempotencyKey: item.IdempotencyKey,
		Payload:        item.Payload,
	})
}

func (w *Writer) synced(ctx context.Context, m Mutation, item *models.QueueItem, resp *models.ReplayResponse, tempID string, now time.Time) (Result, error) {
	id := item.EntityID
	if m.Operation == models.OperationCreate && resp != nil && resp.ServerID != "" {
		id = resp.ServerID
	}

	var doc json.RawMessage
	if m.Operation != models.OperationDelete {
		meta := m.Record.Meta()
		if m.Operation == models.OperationCreate {
			meta.Reconcile(id, now)
		} else {
			meta.MarkSynced(now)
		}
		if resp != nil && hasID(resp.Body) {
			doc = resp.Body
		} else {
			b, err := json.Marshal(m.Record)
			if err != nil {
				return w.failed(common.KindStorage, err)
			}
			doc = b
		}
	}

	err := w.store.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		coll, err := storage.CollectionFor(r, m.Entity)
		if err != nil {
			return err
		}
		if m.Operation == models.OperationDelete {
			return coll.Delete(ctx, []string{id})
		}
		return coll.Apply(ctx, doc, now)
	})
	if err != nil {
		// The server has the write; the next sync brings the local copy.
		w.log.Warn(ctx, "local apply after direct write failed", "entity", m.Entity, "id", id, "error", err)
	}

	w.log.Debug(ctx, "written online", "entity", m.Entity, "op", m.Operation, "id", id)
	return Result{Outcome: OutcomeSynced, Kind: common.KindNone, ID: id, TempID: tempID}, nil
}

func (w *Writer) enqueue(ctx context.Context, m Mutation, item *models.QueueItem, tempID string, kind common.ErrorKind) (Result, error) {
	var doc json.RawMessage
	if m.Operation != models.OperationDelete {
		meta := m.Record.Meta()
		meta.IsSynced = false
		if models.IsTempID(meta.ID) {
			meta.IsOffline = true
		}
		b, err := json.Marshal(m.Record)
		if err != nil {
			return w.failed(common.KindStorage, err)
		}
		doc = b
	}

	err := w.store.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		coll, err := storage.CollectionFor(r, m.Entity)
		if err != nil {
			return err
		}
		if m.Operation == models.OperationDelete {
			err = coll.Delete(ctx, []string{item.EntityID})
		} else {
			err = coll.Import(ctx, []json.RawMessage{doc})
		}
		if err != nil {
			return err
		}
		return w.queue.EnqueueIn(ctx, r, item)
	})
	if err != nil {
		return w.failed(common.KindStorage, common.WrapStorage("queue write", err))
	}

	w.log.Info(ctx, "write queued", "entity", m.Entity, "op", m.Operation, "id", item.EntityID, "item", item.ID)
	return Result{Outcome: OutcomeQueued, Kind: kind, ID: item.EntityID, TempID: tempID, ItemID: item.ID}, nil
}

func (w *Writer) invalid(err error) (Result, error) {
	return w.failed(common.KindRejected, err)
}

func (w *Writer) failed(kind common.ErrorKind, err error) (Result, error) {
	return Result{Outcome: OutcomeFailed, Kind: kind, Err: err}, err
}

func hasID(body json.RawMessage) bool {
	var doc struct {
		ID models.FlexibleID `json:"id"`
	}
	if len(body) == 0 || json.Unmarshal(body, &doc) != nil {
		return false
	}
	return doc.ID != ""
}
