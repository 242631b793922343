// Package records implements the read-model repositories (products,
// categories, parties, sales, stock adjustments) for both storage engines.
//
// Records are stored as their full JSON document. The SQLite implementation
// additionally keeps the bookkeeping fields of models.RecordMeta in indexed
// columns so that offline and synced records can be queried without decoding
// every row. Both implementations are generic over the record type and are
// instantiated once per collection by the storage adapters.
package records
