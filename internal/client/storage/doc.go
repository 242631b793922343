// Package storage defines the local persistence abstraction of the sync
// engine.
//
// # Overview
//
// An Adapter exposes one repository per read-model collection (products,
// categories, parties, sales, stock adjustments), the durable operation queue
// and a metadata key/value store. Two engines implement it identically:
//
//   - sqlite: an embedded relational store (modernc.org/sqlite + goose).
//   - docstore: JSON documents on a key/value backend (memory or Redis).
//
// The engine is chosen once at startup by the factory package. Code outside
// the engines only sees the interfaces declared here.
//
// # Transactions
//
// Adapter.WithTx runs a function against a transactional Repositories view.
// Everything written through that view commits or rolls back together, which
// is how queue transitions and local reconciliation stay atomic.
//
// # Collections
//
// Collections wraps the typed repositories into name-keyed untyped views so
// the sync coordinator and the migration can work on raw server documents.
//
// # Errors
//
// Repositories return common.ErrorNotFound, common.ErrAlreadyExists,
// ErrDuplicateIntent or a *common.StorageError for engine failures.
package storage
