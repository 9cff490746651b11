package vcache

import (
	"reflect"
	"runtime"
	"sync"
	"weak"

	"github.com/cespare/xxhash/v2"
)

// The ephemeron tables index live in-memory handles without keeping them
// alive: entries hold weak pointers, and a cleanup attached to the strong
// handle prunes its entry once the handle is collected.
//
// Refs are keyed by (address, element type) - two refs of different declared
// types at one address get distinct slots - and pvars by full name.

const ephShards = 64

type ephKey struct {
	addr Address
	name string
	typ  reflect.Type
}

type weakHandle interface {
	value() (any, bool)
}

type weakOf[T any] struct {
	p weak.Pointer[T]
}

func (w weakOf[T]) value() (any, bool) {
	s := w.p.Value()
	if s == nil {
		return nil, false
	}
	return s, true
}

type ephShard struct {
	mu sync.Mutex
	m  map[ephKey]weakHandle
}

type ephTable struct {
	shards [ephShards]ephShard
}

func newEphTable() *ephTable {
	t := &ephTable{}
	for i := range t.shards {
		t.shards[i].m = map[ephKey]weakHandle{}
	}
	return t
}

// shard buckets by a hash mixing the address with the type identifier, so
// structurally identical empty values of different types spread out.
func (t *ephTable) shard(k ephKey) *ephShard {
	h := xxhash.New()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(k.addr >> (56 - 8*i))
	}
	_, _ = h.Write(b[:])
	if k.typ != nil {
		_, _ = h.WriteString(k.typ.String())
	}
	_, _ = h.WriteString(k.name)
	return &t.shards[h.Sum64()%ephShards]
}

// ephGet resolves the entry at k, or registers the handle built by mk. mk
// runs under the shard lock, so concurrent resolutions of one key see a
// single handle.
func ephGet[T any](t *ephTable, k ephKey, mk func() (*T, error)) (*T, error) {
	sh := t.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if h, ok := sh.m[k]; ok {
		if v, ok := h.value(); ok {
			return v.(*T), nil
		}
	}

	s, err := mk()
	if err != nil {
		return nil, err
	}

	sh.m[k] = weakOf[T]{p: weak.Make(s)}
	runtime.AddCleanup(s, func(k ephKey) { t.drop(k) }, k)

	return s, nil
}

// drop removes the entry at k if its referent is gone. A live entry is left
// alone: a new handle may have taken the key before the old one's cleanup
// ran.
func (t *ephTable) drop(k ephKey) {
	sh := t.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if h, ok := sh.m[k]; ok {
		if _, alive := h.value(); !alive {
			delete(sh.m, k)
		}
	}
}

// each visits the strong referent of every live entry.
func (t *ephTable) each(fn func(k ephKey, v any)) {
	for i := range t.shards {
		sh := &t.shards[i]

		sh.mu.Lock()
		keys := make([]ephKey, 0, len(sh.m))
		vals := make([]any, 0, len(sh.m))
		for k, h := range sh.m {
			if v, ok := h.value(); ok {
				keys = append(keys, k)
				vals = append(vals, v)
			}
		}
		sh.mu.Unlock()

		for j := range keys {
			fn(keys[j], vals[j])
		}
	}
}

/* live handle accounting */

// handleSet counts live in-memory handles per address: ref slots for their
// lifetime, plus transient pins taken while a dedup hit is being registered.
// The GC never reclaims an address with a nonzero count.
type handleSet struct {
	mu sync.Mutex
	n  map[Address]int
}

func newHandleSet() *handleSet {
	return &handleSet{n: map[Address]int{}}
}

func (h *handleSet) inc(a Address) {
	h.mu.Lock()
	h.n[a]++
	h.mu.Unlock()
}

func (h *handleSet) dec(a Address) {
	h.mu.Lock()
	if h.n[a] <= 1 {
		delete(h.n, a)
	} else {
		h.n[a]--
	}
	h.mu.Unlock()
}

func (h *handleSet) live(a Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n[a] > 0
}
