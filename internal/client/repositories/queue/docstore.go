package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
)

var _ storage.QueueRepository = (*DocRepository)(nil)

const (
	collection     = "syncQueue"
	keysCollection = "syncQueueKeys"
	sequenceName   = "syncQueue"
)

// DocRepository keeps queue items as JSON documents keyed by their numeric
// id, plus an idempotency key index.
type DocRepository struct {
	sess docdb.Session
}

func NewDocRepository(sess docdb.Session) *DocRepository {
	return &DocRepository{sess: sess}
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (r *DocRepository) all(ctx context.Context, keep func(*models.QueueItem) bool) ([]*models.QueueItem, error) {
	docs, err := r.sess.All(ctx, collection)
	if err != nil {
		return nil, common.WrapStorage("list queue items", err)
	}
	items := make([]*models.QueueItem, 0, len(docs))
	for id, data := range docs {
		var item models.QueueItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, common.WrapStorage("decode queue item "+id, err)
		}
		if keep == nil || keep(&item) {
			items = append(items, &item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func getItem(ctx context.Context, s docdb.Session, id int64) (*models.QueueItem, error) {
	data, err := s.Get(ctx, collection, docID(id))
	if errors.Is(err, docdb.ErrNoDocument) {
		return nil, fmt.Errorf("queue item %d: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, common.WrapStorage(fmt.Sprintf("get queue item %d", id), err)
	}
	var item models.QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, common.WrapStorage(fmt.Sprintf("decode queue item %d", id), err)
	}
	return &item, nil
}

func putItem(tx *docdb.Tx, item *models.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	tx.Put(collection, docID(item.ID), data)
	tx.Put(keysCollection, item.IdempotencyKey, []byte(docID(item.ID)))
	return nil
}

func (r *DocRepository) Enqueue(ctx context.Context, item *models.QueueItem) error {
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = models.DefaultMaxAttempts
	}

	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		_, err := tx.Get(ctx, keysCollection, item.IdempotencyKey)
		if err == nil {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateIntent, item.IdempotencyKey)
		}
		if !errors.Is(err, docdb.ErrNoDocument) {
			return err
		}
		id, err := tx.NextSequence(ctx, sequenceName)
		if err != nil {
			return err
		}
		item.ID = id
		return putItem(tx, item)
	})
	if errors.Is(err, storage.ErrDuplicateIntent) {
		return err
	}
	return common.WrapStorage("enqueue", err)
}

func (r *DocRepository) Put(ctx context.Context, item *models.QueueItem) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		return putItem(tx, item)
	})
	return common.WrapStorage(fmt.Sprintf("put queue item %d", item.ID), err)
}

func (r *DocRepository) GetByID(ctx context.Context, id int64) (*models.QueueItem, error) {
	return getItem(ctx, r.sess, id)
}

func (r *DocRepository) GetPending(ctx context.Context) ([]*models.QueueItem, error) {
	return r.ListByStatus(ctx, models.StatusPending)
}

func (r *DocRepository) ListActive(ctx context.Context) ([]*models.QueueItem, error) {
	return r.all(ctx, func(q *models.QueueItem) bool { return q.Status != models.StatusCompleted })
}

func (r *DocRepository) ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueItem, error) {
	return r.all(ctx, func(q *models.QueueItem) bool { return q.Status == status })
}

func (r *DocRepository) ListByEntity(ctx context.Context, entity models.Entity, entityID string) ([]*models.QueueItem, error) {
	return r.all(ctx, func(q *models.QueueItem) bool { return q.Entity == entity && q.EntityID == entityID })
}

func (r *DocRepository) Update(ctx context.Context, item *models.QueueItem) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		if _, err := getItem(ctx, tx, item.ID); err != nil {
			return err
		}
		return putItem(tx, item)
	})
	return common.WrapStorage(fmt.Sprintf("update queue item %d", item.ID), err)
}

func (r *DocRepository) ClaimPending(ctx context.Context, id int64, at time.Time) (bool, error) {
	claimed := false
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		item, err := getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != models.StatusPending {
			return nil
		}
		ts := at.UTC()
		item.Status = models.StatusProcessing
		item.LastAttemptAt = &ts
		claimed = true
		return putItem(tx, item)
	})
	if err != nil {
		return false, common.WrapStorage(fmt.Sprintf("claim queue item %d", id), err)
	}
	return claimed, nil
}

func (r *DocRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		items, err := (&DocRepository{sess: tx}).ListByStatus(ctx, models.StatusProcessing)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.LastAttemptAt != nil && !item.LastAttemptAt.Before(cutoff) {
				continue
			}
			item.Status = models.StatusPending
			if err := putItem(tx, item); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, common.WrapStorage("reclaim stale queue items", err)
	}
	return n, nil
}

func (r *DocRepository) HasActive(ctx context.Context, entity models.Entity, entityID string) (bool, error) {
	items, err := r.ListByEntity(ctx, entity, entityID)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.Status != models.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (r *DocRepository) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	items, err := r.all(ctx, nil)
	if err != nil {
		return stats, err
	}
	for _, item := range items {
		stats.Add(item.Status, 1)
	}
	return stats, nil
}

func (r *DocRepository) Delete(ctx context.Context, id int64) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		item, err := getItem(ctx, tx, id)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		tx.Delete(collection, docID(id))
		tx.Delete(keysCollection, item.IdempotencyKey)
		return nil
	})
	return common.WrapStorage(fmt.Sprintf("delete queue item %d", id), err)
}

func (r *DocRepository) DeleteCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		items, err := (&DocRepository{sess: tx}).ListByStatus(ctx, models.StatusCompleted)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.CompletedAt == nil || !item.CompletedAt.Before(cutoff) {
				continue
			}
			tx.Delete(collection, docID(item.ID))
			tx.Delete(keysCollection, item.IdempotencyKey)
			n++
		}
		return nil
	})
	if err != nil {
		return 0, common.WrapStorage("prune completed queue items", err)
	}
	return n, nil
}
