// Package storage provides the key-value abstraction the block store, the
// ledger and the ban store are built on.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in key order.
	// The callback receives copies. A non-nil error from fn stops iteration.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	// NewBatch starts a write set that becomes visible all at once on Commit.
	NewBatch() Batch
	Close() error
}

// Batch buffers writes for a single atomic commit. A batch that is never
// committed leaves the database untouched.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
