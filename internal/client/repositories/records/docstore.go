package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/common"
)

// DocRepository stores records of one collection as JSON documents.
type DocRepository[T models.Record] struct {
	sess       docdb.Session
	collection string
	newRec     func() T
}

func NewDocRepository[T models.Record](sess docdb.Session, collection string, newRec func() T) *DocRepository[T] {
	return &DocRepository[T]{sess: sess, collection: collection, newRec: newRec}
}

func (r *DocRepository[T]) decode(id string, data []byte) (T, error) {
	rec := r.newRec()
	if err := json.Unmarshal(data, rec); err != nil {
		var zero T
		return zero, common.WrapStorage(fmt.Sprintf("decode %s %s", r.collection, id), err)
	}
	return rec, nil
}

func (r *DocRepository[T]) encode(rec T) ([]byte, error) {
	if rec.Meta().ID == "" {
		return nil, fmt.Errorf("%s: %w: empty id", r.collection, models.ErrInvalidRecord)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", r.collection, rec.Meta().ID, err)
	}
	return b, nil
}

func (r *DocRepository[T]) filter(ctx context.Context, keep func(T) bool) ([]T, error) {
	all, err := r.sess.All(ctx, r.collection)
	if err != nil {
		return nil, common.WrapStorage("list "+r.collection, err)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := []T{}
	for _, id := range ids {
		rec, err := r.decode(id, all[id])
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(rec) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (r *DocRepository[T]) GetAll(ctx context.Context) ([]T, error) {
	return r.filter(ctx, nil)
}

func (r *DocRepository[T]) GetByID(ctx context.Context, id string) (T, error) {
	data, err := r.sess.Get(ctx, r.collection, id)
	if errors.Is(err, docdb.ErrNoDocument) {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", r.collection, id, common.ErrorNotFound)
	}
	if err != nil {
		var zero T
		return zero, common.WrapStorage(fmt.Sprintf("get %s %s", r.collection, id), err)
	}
	return r.decode(id, data)
}

type putMode int

const (
	putCreate putMode = iota
	putUpdate
)

func (r *DocRepository[T]) put(ctx context.Context, rec T, mode putMode) error {
	data, err := r.encode(rec)
	if err != nil {
		return err
	}
	id := rec.Meta().ID
	err = r.sess.Update(ctx, func(tx *docdb.Tx) error {
		_, err := tx.Get(ctx, r.collection, id)
		exists := err == nil
		if err != nil && !errors.Is(err, docdb.ErrNoDocument) {
			return err
		}
		if mode == putUpdate && !exists {
			return fmt.Errorf("%s %s: %w", r.collection, id, common.ErrorNotFound)
		}
		if mode == putCreate && exists {
			return fmt.Errorf("%s %s: %w", r.collection, id, common.ErrAlreadyExists)
		}
		tx.Put(r.collection, id, data)
		return nil
	})
	return common.WrapStorage(fmt.Sprintf("put %s %s", r.collection, id), err)
}

func (r *DocRepository[T]) Create(ctx context.Context, rec T) error {
	return r.put(ctx, rec, putCreate)
}

func (r *DocRepository[T]) Update(ctx context.Context, rec T) error {
	return r.put(ctx, rec, putUpdate)
}

func (r *DocRepository[T]) Delete(ctx context.Context, id string) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		tx.Delete(r.collection, id)
		return nil
	})
	return common.WrapStorage(fmt.Sprintf("delete %s %s", r.collection, id), err)
}

func (r *DocRepository[T]) BulkUpsert(ctx context.Context, recs []T) error {
	docs := make(map[string][]byte, len(recs))
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		data, err := r.encode(rec)
		if err != nil {
			return err
		}
		id := rec.Meta().ID
		if _, seen := docs[id]; !seen {
			order = append(order, id)
		}
		docs[id] = data
	}
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		for _, id := range order {
			tx.Put(r.collection, id, docs[id])
		}
		return nil
	})
	return common.WrapStorage("bulk upsert "+r.collection, err)
}

func (r *DocRepository[T]) GetOffline(ctx context.Context) ([]T, error) {
	return r.filter(ctx, func(rec T) bool {
		m := rec.Meta()
		return m.IsOffline && !m.IsSynced
	})
}

func (r *DocRepository[T]) Count(ctx context.Context) (int, error) {
	all, err := r.sess.All(ctx, r.collection)
	if err != nil {
		return 0, common.WrapStorage("count "+r.collection, err)
	}
	return len(all), nil
}
