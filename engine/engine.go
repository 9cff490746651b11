// Package engine is the boundary to the embedded ordered-map hosting the
// store's tables. It requires multi-reader/single-writer MVCC: read
// snapshots stay valid across concurrent write commits, and a write
// transaction commits or aborts atomically.
//
// Exactly one goroutine may run Update at a time; that discipline is owned
// by the caller (the space writer), not enforced here.
package engine

import (
	"errors"
	"syscall"

	"golang.org/x/xerrors"
)

// Logical tables. Keys and values are raw bytes.
const (
	// Values maps 8-byte-BE address -> value frame
	Values = "values"
	// Roots maps full name bytes -> 8-byte-BE address
	Roots = "vroots"
	// Hashes maps content hash -> length-prefixed address list
	Hashes = "caddrs"
	// Refcts maps 8-byte-BE address -> 8-byte-BE refcount; absent means
	// zero and pending reclamation
	Refcts = "refcts"
	// Refct0 is the reclamation queue: 8-byte-BE sequence -> address
	Refct0 = "refct0"
	// Meta holds the address allocator high-water mark and queue counters
	Meta = "meta"
)

// Tables is every logical table, created at open.
var Tables = []string{Values, Roots, Hashes, Refcts, Refct0, Meta}

// ErrFull marks a write transaction refused for lack of space. Callers may
// retry once space has been freed; the store itself is intact.
var ErrFull = errors.New("backing engine full")

// wrapFull tags capacity errors so the writer can tell a full store from a
// broken one.
func wrapFull(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return xerrors.Errorf("%w: %s", ErrFull, err)
	}
	return err
}

type Engine interface {
	// View runs fn over a read snapshot. Writes through the Tx fail.
	View(fn func(Tx) error) error

	// Update runs fn in a write transaction, committing on nil return and
	// discarding on error. Single caller only.
	Update(fn func(Tx) error) error

	// Sync makes every committed write durable.
	Sync() error

	Close() error
}

type Tx interface {
	// Get returns the value at key, nil if absent. The slice is owned by
	// the caller.
	Get(table string, key []byte) ([]byte, error)

	Put(table string, key, val []byte) error

	Delete(table string, key []byte) error

	// Scan iterates the table in ascending key order from the start,
	// stopping when fn returns false.
	Scan(table string, fn func(key, val []byte) (bool, error)) error
}
