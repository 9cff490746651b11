package vcache

import (
	"errors"

	"github.com/vcache-db/vcache/codec"
)

var (
	// ErrLockContention means another process holds the store lock.
	// Fatal at open.
	ErrLockContention = errors.New("store locked by another process")

	// ErrClosed is returned by operations on a closed space.
	ErrClosed = errors.New("space is closed")

	// ErrStoreFull means the backing engine refused writes for lack of
	// space. The writer pauses and stays up: durable waiters of the
	// dropped batch get this error, the next operation observes it once,
	// and later batches retry after space is freed.
	ErrStoreFull = errors.New("backing store full")

	// ErrWriterHalted means the writer hit an unrecoverable invariant
	// violation, a failed fsync, or exhausted commit retries. All pending and future
	// durable waiters observe it.
	ErrWriterHalted = errors.New("writer halted")
)

// TypeMismatchError reports a persistent variable resolved under two
// incompatible element types. Re-opening an address as a wrong type
// surfaces as a codec.ParseError instead, from the parser.
type TypeMismatchError struct {
	Name string
	Have string
	Want string
}

func (e *TypeMismatchError) Error() string {
	return "pvar " + e.Name + " already loaded as " + e.Have + ", not " + e.Want
}

// IsParseError reports whether err is a recoverable parse failure.
func IsParseError(err error) bool {
	var pe *codec.ParseError
	return errors.As(err, &pe)
}
