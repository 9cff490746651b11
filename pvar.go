package vcache

import (
	"golang.org/x/xerrors"

	"github.com/vcache-db/vcache/codec"
	"github.com/vcache-db/vcache/engine"
)

// PVar is a persistent variable: a named mutable cell whose current value
// lives in an STM cell and reaches disk through the owning space's writer.
// Equality of pvars is identity of the cell; a name resolves to one cell per
// space (per process) at a time.
type PVar[T any] struct {
	c *cell
}

func (p PVar[T]) Defined() bool { return p.c != nil }

// Name returns the full root name, prefix included.
func (p PVar[T]) Name() string { return p.c.name }

func (p PVar[T]) Space() *Space { return p.c.space }

// LoadRoot resolves the named root against the store, creating it with
// initial if absent. Concurrent loads of one name yield the same pvar; a
// load under a different element type fails with TypeMismatchError.
func LoadRoot[T any](vc *VCache, name string, initial T, c Codec[T]) (PVar[T], error) {
	var zero PVar[T]
	sp := vc.sp

	if sp.isClosed() {
		return zero, ErrClosed
	}
	if err := sp.opErr(); err != nil {
		return zero, err
	}

	full := string(vc.prefix) + name
	typ := typeOf[T]()

	cl, err := ephGet(sp.pvs, ephKey{name: full}, func() (*cell, error) {
		addr, frame, err := sp.readRoot(full)
		if err != nil {
			return nil, err
		}

		put := func(p *Put, v any) { c.Put(p, v.(T)) }

		if addr != 0 {
			payload, children, err := codec.DecodeFrame(frame)
			if err != nil {
				return nil, xerrors.Errorf("root %s: %w", full, err)
			}
			g := codec.NewGet(payload, children, sp)
			v, err := c.Get(g)
			if err != nil {
				return nil, xerrors.Errorf("root %s: %w", full, err)
			}
			if g.Remaining() != 0 || g.ChildrenLeft() != 0 {
				return nil, xerrors.Errorf("root %s: %w", full,
					codec.Failf("leftover content"))
			}

			cl := newCell(v)
			cl.space, cl.addr, cl.name, cl.typ, cl.put = sp, addr, full, typ, put
			return cl, nil
		}

		// fresh root: bind name and write the initial value in one
		// writer command; the command holds the cell strongly until
		// committed
		addr = sp.allocAddr()
		cl := newCell(initial)
		cl.space, cl.addr, cl.name, cl.typ, cl.put = sp, addr, full, typ, put

		if err := sp.send(rootBind{name: full, addr: addr, c: cl, val: initial}); err != nil {
			return nil, err
		}
		return cl, nil
	})
	if err != nil {
		return zero, err
	}

	if cl.typ != typ {
		return zero, &TypeMismatchError{Name: full, Have: cl.typ.String(), Want: typ.String()}
	}
	return PVar[T]{c: cl}, nil
}

// readRoot resolves a root name to its address and current frame. Address 0
// means unbound.
func (sp *Space) readRoot(full string) (Address, []byte, error) {
	var addr Address
	var frame []byte

	err := sp.eng.View(func(tx engine.Tx) error {
		b, err := tx.Get(engine.Roots, []byte(full))
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		a, ok := parseAddr(b)
		if !ok {
			return xerrors.Errorf("root %s: malformed address", full)
		}

		f, err := tx.Get(engine.Values, addrKey(a))
		if err != nil {
			return err
		}
		if f == nil {
			return xerrors.Errorf("root %s: no value at %d", full, a)
		}
		addr, frame = a, f
		return nil
	})
	if err != nil {
		return 0, nil, xerrors.Errorf("read root: %w", err)
	}
	return addr, frame, nil
}

// DeleteRoot unbinds a named root; its value tree becomes garbage unless
// still referenced. A live pvar for the name keeps its in-memory cell but
// future writes to it are lost to readers of the store - drop the handle.
func (vc *VCache) DeleteRoot(name string) error {
	sp := vc.sp
	if err := sp.opErr(); err != nil {
		return err
	}
	full := string(vc.prefix) + name
	return sp.send(rootUnbind{name: full})
}
