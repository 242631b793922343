package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/ownership"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Remote is the part of the backend client used for pulling changes.
type Remote interface {
	Full(ctx context.Context, entities []string) (*models.SyncResponse, error)
	Changes(ctx context.Context, since string, entities []string) (*models.SyncResponse, error)
}

type Connectivity interface {
	IsOnline() bool
}

// Result describes one sync round. Adopted counts records created here whose
// server copy arrived before the create was acknowledged; they are re-keyed
// rather than inserted a second time.
type Result struct {
	Full       bool   `json:"full"`
	Upserted   int    `json:"upserted"`
	Deleted    int    `json:"deleted"`
	Pruned     int    `json:"pruned"`
	Skipped    int    `json:"skipped"`
	Adopted    int    `json:"adopted"`
	Checkpoint string `json:"checkpoint"`
}

// Changed reports whether the round touched any local record.
func (r Result) Changed() bool {
	return r.Upserted+r.Deleted+r.Pruned+r.Adopted > 0
}

type Coordinator struct {
	store          storage.Adapter
	remote         Remote
	conn           Connectivity
	guard          *ownership.Guard
	registry       *models.Registry
	log            logging.Logger
	now            func() time.Time
	entities       []string
	requestTimeout time.Duration
}

type Option func(*Coordinator)

func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithGuard shares the record lock with the queue processor.
func WithGuard(g *ownership.Guard) Option {
	return func(c *Coordinator) { c.guard = g }
}

// WithEntities sets the collections synced when none are given.
func WithEntities(names []string) Option {
	return func(c *Coordinator) { c.entities = names }
}

func WithRegistry(r *models.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.requestTimeout = d }
}

func NewCoordinator(store storage.Adapter, remote Remote, conn Connectivity, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		remote:         remote,
		conn:           conn,
		guard:          ownership.New(),
		registry:       models.DefaultRegistry(),
		log:            logging.NewNop(),
		now:            time.Now,
		entities:       slices.Clone(models.SyncCollections),
		requestTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "syncer")
	return c
}

// PerformSync runs one sync round and reports whether anything changed
// locally.
func (c *Coordinator) PerformSync(ctx context.Context, entities []string) (bool, error) {
	res, err := c.Sync(ctx, entities)
	if err != nil {
		return false, err
	}
	return res.Changed(), nil
}

// NeedsSync reports whether a sync would change anything. Without a
// checkpoint the answer is yes. Otherwise, lacking a dedicated endpoint, it
// performs the sync and reports whether it was a no-op.
func (c *Coordinator) NeedsSync(ctx context.Context) (bool, error) {
	cp, err := c.Checkpoint(ctx)
	if err != nil {
		return false, err
	}
	if cp == "" {
		return true, nil
	}
	return c.PerformSync(ctx, nil)
}

// ResetSync forgets the checkpoint; the next round is a full resync.
func (c *Coordinator) ResetSync(ctx context.Context) error {
	return c.store.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		if err := r.Metadata().Delete(ctx, storage.KeyCheckpoint); err != nil {
			return err
		}
		return r.Metadata().Delete(ctx, storage.KeyLastSyncAt)
	})
}

func (c *Coordinator) Checkpoint(ctx context.Context) (string, error) {
	b, err := c.store.Metadata().Get(ctx, storage.KeyCheckpoint)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LastSyncAt returns when a round last completed, or nil.
func (c *Coordinator) LastSyncAt(ctx context.Context) (*time.Time, error) {
	b, err := c.store.Metadata().Get(ctx, storage.KeyLastSyncAt)
	if err != nil || len(b) == 0 {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", storage.KeyLastSyncAt, err)
	}
	return &t, nil
}

// Sync runs one round: delta since the checkpoint, or a full snapshot when
// there is none or the server rejects it.
func (c *Coordinator) Sync(ctx context.Context, entities []string) (Result, error) {
	if !c.conn.IsOnline() {
		return Result{}, common.ErrOffline
	}
	if len(entities) == 0 {
		entities = c.entities
	}
	for _, name := range entities {
		if _, ok := models.EntityForCollection(name); !ok {
			return Result{}, fmt.Errorf("unknown collection %q", name)
		}
	}

	cp, err := c.Checkpoint(ctx)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.fetch(ctx, cp, entities)
	if errors.Is(err, common.ErrCheckpointInvalid) && cp != "" {
		c.log.Warn(ctx, "checkpoint rejected, falling back to full resync", "checkpoint", cp, "error", err)
		resp, err = c.fetch(ctx, "", entities)
	}
	if err != nil {
		return Result{}, err
	}

	res, err := c.apply(ctx, resp)
	if err != nil {
		return Result{}, err
	}
	c.log.Info(ctx, "sync applied", "full", res.Full, "upserted", res.Upserted, "deleted", res.Deleted,
		"pruned", res.Pruned, "skipped", res.Skipped, "checkpoint", res.Checkpoint)
	return res, nil
}

func (c *Coordinator) fetch(ctx context.Context, since string, entities []string) (*models.SyncResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if since == "" {
		return c.remote.Full(ctx, entities)
	}
	return c.remote.Changes(ctx, since, entities)
}

type docID struct {
	ID     models.FlexibleID `json:"id"`
	TempID string            `json:"tempId"`
}

// touchedKeys lists the record keys a response writes, for locking.
func touchedKeys(resp *models.SyncResponse) []string {
	var keys []string
	for name, cs := range resp.Changes {
		e, ok := models.EntityForCollection(name)
		if !ok {
			continue
		}
		for _, docs := range [][]json.RawMessage{cs.Added, cs.Updated} {
			for _, d := range docs {
				var id docID
				if json.Unmarshal(d, &id) == nil && id.ID != "" {
					keys = append(keys, models.EntityKey(e, string(id.ID)))
					if models.IsTempID(id.TempID) {
						keys = append(keys, models.EntityKey(e, id.TempID))
					}
				}
			}
		}
		for _, id := range cs.Deleted {
			keys = append(keys, models.EntityKey(e, id))
		}
	}
	return keys
}

func (c *Coordinator) apply(ctx context.Context, resp *models.SyncResponse) (Result, error) {
	unlock := c.guard.Lock(touchedKeys(resp)...)
	defer unlock()

	now := c.now().UTC()
	res := Result{Full: resp.Full, Checkpoint: resp.Checkpoint}

	err := c.store.WithTx(ctx, func(ctx context.Context, r storage.Repositories) error {
		res = Result{Full: resp.Full, Checkpoint: resp.Checkpoint}

		active, err := r.SyncQueue().ListActive(ctx)
		if err != nil {
			return err
		}
		owned := make(map[string]bool, len(active))
		for _, it := range active {
			owned[it.EntityKey()] = true
		}

		cols := storage.Collections(r)
		for _, name := range models.SyncCollections {
			cs, ok := resp.Changes[name]
			if !ok {
				continue
			}
			e, _ := models.EntityForCollection(name)
			coll := cols[name]
			isOwned := func(id string) bool {
				if owned[models.EntityKey(e, id)] {
					res.Skipped++
					return true
				}
				return false
			}

			docs := append(append([]json.RawMessage{}, cs.Added...), cs.Updated...)
			adopted, err := c.adopt(ctx, r, e, coll, docs, owned, now)
			if err != nil {
				return err
			}
			res.Adopted += adopted

			written, err := coll.Upsert(ctx, docs, now, isOwned)
			if err != nil {
				return err
			}
			res.Upserted += len(written)

			var dels []string
			for _, id := range cs.Deleted {
				if !isOwned(id) {
					dels = append(dels, id)
				}
			}
			if err := coll.Delete(ctx, dels); err != nil {
				return err
			}
			res.Deleted += len(dels)

			if resp.Full {
				n, err := prune(ctx, coll, written, cs.Deleted, func(id string) bool { return owned[models.EntityKey(e, id)] })
				if err != nil {
					return err
				}
				res.Pruned += n
			}
		}
		for name := range resp.Changes {
			if _, ok := cols[name]; !ok {
				c.log.Warn(ctx, "ignoring changes for unknown collection", "collection", name)
			}
		}

		if resp.Checkpoint != "" {
			if err := r.Metadata().Set(ctx, storage.KeyCheckpoint, []byte(resp.Checkpoint)); err != nil {
				return err
			}
		}
		return r.Metadata().Set(ctx, storage.KeyLastSyncAt, []byte(now.Format(time.RFC3339Nano)))
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// adopt re-keys local records still held under a temp id whose server copy
// is among docs. Unfinished UPDATE and DELETE items follow the record to its
// server id; while any remain the record stays owned and keeps its local
// content. The CREATE item itself is left to its replay, which the server
// acknowledges as a duplicate.
func (c *Coordinator) adopt(ctx context.Context, r storage.Repositories, e models.Entity, coll storage.Collection,
	docs []json.RawMessage, owned map[string]bool, now time.Time) (int, error) {
	n := 0
	for _, d := range docs {
		var ref docID
		if json.Unmarshal(d, &ref) != nil || ref.ID == "" {
			continue
		}
		id, tmp := string(ref.ID), ref.TempID
		if !models.IsTempID(tmp) || tmp == id {
			continue
		}

		all, err := r.SyncQueue().ListByEntity(ctx, e, tmp)
		if err != nil {
			return n, err
		}
		var items []*models.QueueItem
		for _, it := range all {
			if it.Status != models.StatusCompleted {
				items = append(items, it)
			}
		}
		if len(items) == 0 {
			// Created elsewhere, or already reconciled.
			continue
		}
		if err := coll.Reconcile(ctx, tmp, id, now); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return n, err
		}

		version := models.DocVersion(d)
		for _, it := range items {
			if it.Operation == models.OperationCreate {
				continue
			}
			if err := c.registry.Rebind(it, id); err != nil {
				return n, err
			}
			if it.Operation == models.OperationUpdate && version > 0 && models.PayloadVersion(it) == 0 {
				if err := c.registry.Rebase(it, version); err != nil {
					return n, err
				}
			}
			if err := r.SyncQueue().Update(ctx, it); err != nil {
				return n, err
			}
			owned[models.EntityKey(e, id)] = true
		}
		c.log.Info(ctx, "adopted record created here", "entity", e, "temp_id", tmp, "id", id)
		n++
	}
	return n, nil
}

// prune removes synced records a full snapshot no longer contains.
func prune(ctx context.Context, coll storage.Collection, kept, deleted []string, owned func(string) bool) (int, error) {
	keep := make(map[string]bool, len(kept)+len(deleted))
	for _, id := range kept {
		keep[id] = true
	}
	for _, id := range deleted {
		keep[id] = true
	}
	synced, err := coll.SyncedIDs(ctx)
	if err != nil {
		return 0, err
	}
	var gone []string
	for _, id := range synced {
		if !keep[id] && !owned(id) {
			gone = append(gone, id)
		}
	}
	return len(gone), coll.Delete(ctx, gone)
}
