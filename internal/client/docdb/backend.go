// Package docdb is the document layer behind the docstore engine: JSON
// documents grouped in collections and addressed by id, stored on a
// key/value Backend, with a single-writer transactional session on top.
package docdb

import (
	"context"
	"errors"
)

var ErrNoDocument = errors.New("document not found")

// Op is one write of a commit. Delete ignores Value.
type Op struct {
	Collection string
	ID         string
	Value      []byte
	Delete     bool
}

// Backend stores raw documents. Commit must apply all ops or none.
type Backend interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	All(ctx context.Context, collection string) (map[string][]byte, error)
	Commit(ctx context.Context, ops []Op) error
	NextSequence(ctx context.Context, name string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
