package vcache

import (
	"reflect"
	"runtime"

	"golang.org/x/xerrors"

	"github.com/vcache-db/vcache/codec"
	"github.com/vcache-db/vcache/engine"
)

// Address identifies a stored value within a space. 0 is reserved.
type Address = codec.Address

// Put and Get are the serializer and parser states; see the codec package.
type (
	Put = codec.Put
	Get = codec.Get
)

// Codec declares how values of a type serialize: Put emits payload bytes and
// child refs, Get parses them back. Get(Put(v)) must yield a value
// equivalent to v, consuming exactly the produced bytes and children.
type Codec[T any] struct {
	Put func(*Put, T)
	Get func(*Get) (T, error)
}

// Ref is an immutable reference: a typed handle to a content-addressed
// value. Equal values dedup to one address, and two refs of one type at one
// address share a cache slot - comparing refs compares slot identity.
type Ref[T any] struct {
	s *slot[T]
}

func (r Ref[T]) Defined() bool { return r.s != nil }

func (r Ref[T]) Addr() Address {
	if r.s == nil {
		return 0
	}
	return r.s.addr
}

func (r Ref[T]) Space() *Space { return r.s.space }

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// VRef stores v and returns its reference. The serialized form is hashed and
// deduplicated against the store; a fresh value is enqueued to the writer
// and readable immediately.
func VRef[T any](sp *Space, v T, c Codec[T]) (Ref[T], error) {
	var zero Ref[T]

	if sp.isClosed() {
		return zero, ErrClosed
	}
	if err := sp.opErr(); err != nil {
		return zero, err
	}

	p := codec.NewPut()
	if err := codec.RunPut(p, func(p *Put) { c.Put(p, v) }); err != nil {
		return zero, xerrors.Errorf("serialize: %w", err)
	}
	payload, children := p.Bytes(), p.Children()
	frame := codec.AppendFrame(nil, payload, children)
	h := hashFrame(frame)

	addr, pinned, err := sp.internContent(h, frame, p.Deps())
	if err != nil {
		return zero, err
	}
	if pinned {
		// the transient pin spans registration; the slot holds its own
		// count from then on
		defer sp.handles.dec(addr)
	}

	r, err := registerRef[T](sp, addr, c)
	if err != nil {
		return zero, err
	}

	// the caller clearly has the value at hand
	r.s.fill(v, len(payload), len(children))

	return r, nil
}

// RefAt rebuilds a handle from a bare address, e.g. inside a child parser or
// after reopening a store. The address is not validated here; a dangling one
// fails at Deref.
func RefAt[T any](sp *Space, a Address, c Codec[T]) (Ref[T], error) {
	var zero Ref[T]
	if a == 0 {
		return zero, xerrors.Errorf("ref at null address")
	}
	return registerRef[T](sp, a, c)
}

// PutRef emits a child reference. The ref is retained strongly until the
// parent value is committed, so the child cannot be reclaimed first. An
// undefined ref aborts the serialization - encode optionality in the
// payload, not with null addresses.
func PutRef[T any](p *Put, r Ref[T]) {
	if r.s == nil {
		p.Abort(codec.Failf("undefined ref in Put"))
		return
	}
	p.Child(r.s.addr, r.s)
}

// GetRef parses the next child as a typed reference.
func GetRef[T any](g *Get, c Codec[T]) (Ref[T], error) {
	var zero Ref[T]
	a, err := g.Child()
	if err != nil {
		return zero, err
	}
	sp, ok := g.Env().(*Space)
	if !ok {
		return zero, xerrors.Errorf("ref parsed outside a space")
	}
	return RefAt[T](sp, a, c)
}

// registerRef resolves or creates the ephemeron entry at (addr, T). Slot
// lifetime keeps a live-handle count on the address; cleanups release it.
func registerRef[T any](sp *Space, addr Address, c Codec[T]) (Ref[T], error) {
	k := ephKey{addr: addr, typ: typeOf[T]()}

	s, err := ephGet(sp.ivrs, k, func() (*slot[T], error) {
		s := &slot[T]{space: sp, addr: addr, get: c.Get}
		s.setMode(CacheLong, 0, 0)
		sp.handles.inc(addr)
		runtime.AddCleanup(s, func(a Address) { sp.handles.dec(a) }, addr)
		return s, nil
	})
	if err != nil {
		return Ref[T]{}, err
	}
	return Ref[T]{s: s}, nil
}

// Deref returns the referenced value, from cache when possible, otherwise by
// reading and parsing the stored form. May block on disk I/O.
func (r Ref[T]) Deref() (T, error) {
	var zero T
	if r.s == nil {
		return zero, xerrors.Errorf("deref of undefined ref")
	}
	s := r.s
	sp := s.space

	if v, ok := s.cached(); ok {
		sp.stats.cacheHits.Add(1)
		return v, nil
	}
	sp.stats.cacheMisses.Add(1)

	frame, err := sp.readFrame(s.addr)
	if err != nil {
		return zero, err
	}

	payload, children, err := codec.DecodeFrame(frame)
	if err != nil {
		return zero, xerrors.Errorf("deref %d: %w", s.addr, err)
	}

	g := codec.NewGet(payload, children, sp)
	v, err := s.get(g)
	if err != nil {
		return zero, xerrors.Errorf("deref %d: %w", s.addr, err)
	}
	if g.Remaining() != 0 || g.ChildrenLeft() != 0 {
		return zero, xerrors.Errorf("deref %d: %w", s.addr,
			codec.Failf("%d bytes, %d children left over", g.Remaining(), g.ChildrenLeft()))
	}

	s.fill(v, len(payload), len(children))
	return v, nil
}

// readFrame fetches a value's stored form, preferring writes still in the
// writer queue over the engine. Reads run on engine snapshots and never wait
// on the writer.
func (sp *Space) readFrame(a Address) ([]byte, error) {
	if f, ok := sp.pending.frame(a); ok {
		return f, nil
	}

	var frame []byte
	err := sp.eng.View(func(tx engine.Tx) error {
		b, err := tx.Get(engine.Values, addrKey(a))
		if err != nil {
			return err
		}
		frame = b
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("read value %d: %w", a, err)
	}
	if frame != nil {
		return frame, nil
	}

	// the writer may have committed between the two checks; pending
	// entries are only dropped after commit
	if f, ok := sp.pending.frame(a); ok {
		return f, nil
	}
	return nil, xerrors.Errorf("value %d not found", a)
}

// internContent dedups a serialized form against pending writes and the
// store, or allocates a fresh address and enqueues the value. The address
// is returned pinned (live-handle count held) so the GC cannot reclaim it
// before the caller registers a handle.
func (sp *Space) internContent(h contentHash, frame []byte, deps []any) (Address, bool, error) {
	sp.internLk.Lock()
	defer sp.internLk.Unlock()

	for {
		addr, found, err := sp.lookupContent(h, frame)
		if err != nil {
			return 0, false, err
		}

		if !found {
			addr = sp.allocAddr()
			// pinned through registration: the pending entry alone can
			// drop at commit before the caller registers its handle
			sp.handles.inc(addr)
			sp.pending.add(addr, h, frame)
			if err := sp.send(putValue{addr: addr, hash: h, frame: frame, deps: deps}); err != nil {
				sp.pending.drop(addr, h)
				sp.handles.dec(addr)
				return 0, false, err
			}
			return addr, true, nil
		}

		sp.handles.inc(addr)
		ok, err := sp.contentAt(addr, frame)
		if err != nil {
			sp.handles.dec(addr)
			return 0, false, err
		}
		if ok {
			return addr, true, nil
		}

		// reclaimed between lookup and pin; retry
		sp.handles.dec(addr)
	}
}

func (sp *Space) lookupContent(h contentHash, frame []byte) (Address, bool, error) {
	if a, ok := sp.pending.byHash(h, frame); ok {
		return a, true, nil
	}

	var match Address
	var found bool
	err := sp.eng.View(func(tx engine.Tx) error {
		bucket, err := tx.Get(engine.Hashes, h[:])
		if err != nil {
			return err
		}
		addrs, err := parseBucket(bucket)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			stored, err := tx.Get(engine.Values, addrKey(a))
			if err != nil {
				return err
			}
			if stored != nil && string(stored) == string(frame) {
				match, found = a, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, xerrors.Errorf("content lookup: %w", err)
	}
	return match, found, nil
}

// contentAt re-checks that addr still stores frame.
func (sp *Space) contentAt(a Address, frame []byte) (bool, error) {
	if f, ok := sp.pending.frame(a); ok {
		return string(f) == string(frame), nil
	}
	var ok bool
	err := sp.eng.View(func(tx engine.Tx) error {
		stored, err := tx.Get(engine.Values, addrKey(a))
		if err != nil {
			return err
		}
		ok = stored != nil && string(stored) == string(frame)
		return nil
	})
	return ok, err
}
