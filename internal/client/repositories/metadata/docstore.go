package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/posync/internal/client/docdb"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
)

var _ storage.MetadataRepository = (*DocRepository)(nil)

const collection = "metadata"

type DocRepository struct {
	sess docdb.Session
}

func NewDocRepository(sess docdb.Session) *DocRepository {
	return &DocRepository{sess: sess}
}

func (r *DocRepository) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.sess.Get(ctx, collection, key)
	if errors.Is(err, docdb.ErrNoDocument) {
		return nil, nil
	}
	if err != nil {
		return nil, common.WrapStorage(fmt.Sprintf("get metadata[%s]", key), err)
	}
	return v, nil
}

func (r *DocRepository) Set(ctx context.Context, key string, value []byte) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		tx.Put(collection, key, value)
		return nil
	})
	return common.WrapStorage(fmt.Sprintf("set metadata[%s]", key), err)
}

func (r *DocRepository) Delete(ctx context.Context, key string) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		tx.Delete(collection, key)
		return nil
	})
	return common.WrapStorage(fmt.Sprintf("delete metadata[%s]", key), err)
}

func (r *DocRepository) Clear(ctx context.Context) error {
	err := r.sess.Update(ctx, func(tx *docdb.Tx) error {
		all, err := tx.All(ctx, collection)
		if err != nil {
			return err
		}
		for k := range all {
			tx.Delete(collection, k)
		}
		return nil
	})
	return common.WrapStorage("clear metadata", err)
}

func (r *DocRepository) List(ctx context.Context) (map[string][]byte, error) {
	all, err := r.sess.All(ctx, collection)
	if err != nil {
		return nil, common.WrapStorage("list metadata", err)
	}
	return all, nil
}
