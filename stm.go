package vcache

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/vcache-db/vcache/codec"
)

// Minimal optimistic STM over versioned cells: transactions read freely,
// recording versions, then lock their footprint in id order, validate, and
// apply. It supports exactly what VTx needs - nothing more.

// cell is a versioned transactional cell. Persistent cells additionally
// carry their name, address and writer function; equality of pvars/svars is
// identity of the cell.
type cell struct {
	id uint64

	mu      sync.Mutex
	version uint64
	val     any

	// persistent cells only
	space *Space
	addr  Address
	name  string
	typ   reflect.Type
	put   func(*codec.Put, any)
}

var cellIDs atomic.Uint64

func newCell(v any) *cell {
	return &cell{
		id:  cellIDs.Add(1),
		val: v,
	}
}

func (c *cell) read() (any, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.version
}

// SVar is a non-persistent transactional variable; it participates in a VTx
// alongside pvar reads and writes but never touches the store.
type SVar[T any] struct {
	c *cell
}

func NewSVar[T any](v T) SVar[T] {
	return SVar[T]{c: newCell(v)}
}

// Get reads the variable outside any transaction.
func (v SVar[T]) Get() T {
	x, _ := v.c.read()
	return x.(T)
}
