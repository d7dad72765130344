// Package sink persists feature records. Every implementation upserts by
// transaction id so redelivered messages overwrite rather than duplicate.
package sink

import "errors"

var (
	// ErrSchemaMissing means the feature table has not been created.
	ErrSchemaMissing = errors.New("sink: transaction_features table does not exist; run migrations first")

	// ErrNotFound is returned by lookups for an unknown transaction.
	ErrNotFound = errors.New("sink: feature record not found")
)

// Table is the feature table name in every backend.
const Table = "transaction_features"
