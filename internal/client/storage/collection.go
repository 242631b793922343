package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/common"
)

// Collection is an untyped view of an EntityRepository used by code that
// works on collection names: sync apply, reconciliation and migration.
type Collection interface {
	Name() string
	// Upsert decodes raw server documents and upserts them, stamping
	// lastSyncedAt. IDs listed in skip are left alone. It returns the ids
	// written.
	Upsert(ctx context.Context, docs []json.RawMessage, syncedAt time.Time, skip func(id string) bool) ([]string, error)
	Delete(ctx context.Context, ids []string) error
	// SyncedIDs returns ids of records confirmed by the server.
	SyncedIDs(ctx context.Context) ([]string, error)
	// Reconcile re-keys a record from tempID to serverID. It is a no-op when
	// the record was already reconciled.
	Reconcile(ctx context.Context, tempID, serverID string, at time.Time) error
	// Apply overwrites the local record with a server document unless the
	// local copy is based on a newer server version.
	Apply(ctx context.Context, doc json.RawMessage, syncedAt time.Time) error
	// Export encodes every record; Import upserts encoded records as-is.
	Export(ctx context.Context) ([]json.RawMessage, error)
	Import(ctx context.Context, docs []json.RawMessage) error
}

type collection[T models.Record] struct {
	name   string
	repo   EntityRepository[T]
	newRec func() T
}

func (c *collection[T]) Name() string { return c.name }

func (c *collection[T]) decode(doc json.RawMessage) (T, error) {
	rec := c.newRec()
	if err := json.Unmarshal(doc, rec); err != nil {
		fixed, ok := stringifyID(doc)
		if !ok {
			return rec, fmt.Errorf("decode %s document: %w", c.name, err)
		}
		rec = c.newRec()
		if err := json.Unmarshal(fixed, rec); err != nil {
			return rec, fmt.Errorf("decode %s document: %w", c.name, err)
		}
	}
	if rec.Meta().ID == "" {
		return rec, fmt.Errorf("decode %s document: %w", c.name, models.ErrInvalidRecord)
	}
	return rec, nil
}

// stringifyID rewrites a numeric top-level id as a string.
func stringifyID(doc json.RawMessage) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, false
	}
	var id models.FlexibleID
	raw, ok := fields["id"]
	if !ok || len(raw) == 0 || raw[0] == '"' || json.Unmarshal(raw, &id) != nil || id == "" {
		return nil, false
	}
	fields["id"], _ = json.Marshal(string(id))
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (c *collection[T]) Upsert(ctx context.Context, docs []json.RawMessage, syncedAt time.Time, skip func(string) bool) ([]string, error) {
	recs := make([]T, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		rec, err := c.decode(d)
		if err != nil {
			return nil, err
		}
		m := rec.Meta()
		if skip != nil && skip(m.ID) {
			continue
		}
		m.ServerID = m.ID
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = syncedAt.UTC()
		}
		m.MarkSynced(syncedAt)
		recs = append(recs, rec)
		ids = append(ids, m.ID)
	}
	if len(recs) == 0 {
		return ids, nil
	}
	return ids, c.repo.BulkUpsert(ctx, recs)
}

func (c *collection[T]) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := c.repo.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *collection[T]) SyncedIDs(ctx context.Context) ([]string, error) {
	all, err := c.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, r := range all {
		if m := r.Meta(); m.IsSynced && !models.IsTempID(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (c *collection[T]) Reconcile(ctx context.Context, tempID, serverID string, at time.Time) error {
	if tempID == serverID {
		rec, err := c.repo.GetByID(ctx, serverID)
		if err != nil {
			return err
		}
		rec.Meta().MarkSynced(at)
		return c.repo.Update(ctx, rec)
	}

	rec, err := c.repo.GetByID(ctx, tempID)
	if errors.Is(err, common.ErrorNotFound) {
		// Already reconciled by an earlier delivery of the same intent.
		if _, err := c.repo.GetByID(ctx, serverID); err == nil {
			return nil
		}
		return fmt.Errorf("reconcile %s %s: %w", c.name, tempID, common.ErrorNotFound)
	}
	if err != nil {
		return err
	}

	if err := c.repo.Delete(ctx, tempID); err != nil {
		return err
	}
	rec.Meta().Reconcile(serverID, at)
	return c.repo.BulkUpsert(ctx, []T{rec})
}

func (c *collection[T]) Apply(ctx context.Context, doc json.RawMessage, syncedAt time.Time) error {
	rec, err := c.decode(doc)
	if err != nil {
		return err
	}
	cur, err := c.repo.GetByID(ctx, rec.Meta().ID)
	switch {
	case err == nil && cur.Meta().Version > rec.Meta().Version:
		return nil
	case err != nil && !errors.Is(err, common.ErrorNotFound):
		return err
	}
	_, err = c.Upsert(ctx, []json.RawMessage{doc}, syncedAt, nil)
	return err
}

func (c *collection[T]) Export(ctx context.Context) ([]json.RawMessage, error) {
	all, err := c.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(all))
	for _, r := range all {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", c.name, r.Meta().ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *collection[T]) Import(ctx context.Context, docs []json.RawMessage) error {
	recs := make([]T, 0, len(docs))
	for _, d := range docs {
		rec, err := c.decode(d)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil
	}
	return c.repo.BulkUpsert(ctx, recs)
}

func newCollection[T models.Record](name string, repo EntityRepository[T], newRec func() T) Collection {
	return &collection[T]{name: name, repo: repo, newRec: newRec}
}

// Collections returns the untyped views of r keyed by collection name.
func Collections(r Repositories) map[string]Collection {
	return map[string]Collection{
		models.CollectionProducts:         newCollection(models.CollectionProducts, r.Products(), func() *models.Product { return &models.Product{} }),
		models.CollectionCategories:       newCollection(models.CollectionCategories, r.Categories(), func() *models.Category { return &models.Category{} }),
		models.CollectionParties:          newCollection(models.CollectionParties, r.Parties(), func() *models.Party { return &models.Party{} }),
		models.CollectionSales:            newCollection(models.CollectionSales, r.Sales(), func() *models.Sale { return &models.Sale{} }),
		models.CollectionStockAdjustments: newCollection(models.CollectionStockAdjustments, r.StockAdjustments(), func() *models.StockAdjustment { return &models.StockAdjustment{} }),
	}
}

// CollectionFor returns the collection storing records of entity e.
func CollectionFor(r Repositories, e models.Entity) (Collection, error) {
	c, ok := Collections(r)[e.Collection()]
	if !ok {
		return nil, fmt.Errorf("no collection for entity %q", e)
	}
	return c, nil
}
