package codec

import (
	"encoding/binary"
	"fmt"
)

// ParseError is a recoverable parse failure: Alt restarts from the saved
// cursor state when its left branch fails with one.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string {
	return "parse: " + e.msg
}

func Failf(format string, args ...interface{}) error {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// Get is a recursive-descent parser over a payload cursor bounded by a limit,
// together with a queue of incoming child addresses.
type Get struct {
	buf []byte
	pos int
	lim int

	children []Address
	cpos     int
	clim     int

	// env carries the dereferencing context (the owning space) for
	// ref-valued parsers; opaque at this layer
	env any
}

func NewGet(payload []byte, children []Address, env any) *Get {
	return &Get{
		buf:      payload,
		lim:      len(payload),
		children: children,
		clim:     len(children),
		env:      env,
	}
}

func (g *Get) Env() any { return g.env }

// Remaining reports payload bytes left before the current limit.
func (g *Get) Remaining() int { return g.lim - g.pos }

// ChildrenLeft reports child addresses left in the current window.
func (g *Get) ChildrenLeft() int { return g.clim - g.cpos }

// Read consumes exactly n payload bytes. The returned slice aliases the
// payload buffer and is only valid until the buffer owner reuses it.
func (g *Get) Read(n int) ([]byte, error) {
	if n < 0 || g.pos+n > g.lim {
		return nil, Failf("need %d bytes, have %d", n, g.lim-g.pos)
	}
	b := g.buf[g.pos : g.pos+n]
	g.pos += n
	return b, nil
}

func (g *Get) Byte() (byte, error) {
	if g.pos >= g.lim {
		return 0, Failf("need 1 byte, have 0")
	}
	b := g.buf[g.pos]
	g.pos++
	return b, nil
}

func (g *Get) Uvarint() (uint64, error) {
	x, n := binary.Uvarint(g.buf[g.pos:g.lim])
	if n <= 0 {
		return 0, Failf("bad uvarint")
	}
	g.pos += n
	return x, nil
}

func (g *Get) Varint() (int64, error) {
	x, n := binary.Varint(g.buf[g.pos:g.lim])
	if n <= 0 {
		return 0, Failf("bad varint")
	}
	g.pos += n
	return x, nil
}

func (g *Get) Uint64() (uint64, error) {
	b, err := g.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Child consumes the next child address.
func (g *Get) Child() (Address, error) {
	if g.cpos >= g.clim {
		return 0, Failf("no child addresses left")
	}
	a := g.children[g.cpos]
	g.cpos++
	return a, nil
}

// Isolate runs fn with the payload limit set n bytes ahead and the child
// window limited to k entries. It fails unless fn consumes exactly n bytes
// and exactly k children.
func (g *Get) Isolate(n, k int, fn func(*Get) error) error {
	if g.pos+n > g.lim {
		return Failf("isolate: need %d bytes, have %d", n, g.lim-g.pos)
	}
	if g.cpos+k > g.clim {
		return Failf("isolate: need %d children, have %d", k, g.clim-g.cpos)
	}

	lim, clim := g.lim, g.clim
	g.lim, g.clim = g.pos+n, g.cpos+k

	err := fn(g)

	ilim, iclim := g.lim, g.clim
	g.lim, g.clim = lim, clim

	if err != nil {
		return err
	}
	if g.pos != ilim {
		return Failf("isolate: %d payload bytes left over", ilim-g.pos)
	}
	if g.cpos != iclim {
		return Failf("isolate: %d children left over", iclim-g.cpos)
	}
	return nil
}

// Alt tries each parser in turn, restarting from the saved cursor state when
// one fails with a ParseError. Non-parse errors propagate immediately.
func (g *Get) Alt(alts ...func(*Get) error) error {
	pos, cpos := g.pos, g.cpos

	var err error
	for _, alt := range alts {
		g.pos, g.cpos = pos, cpos
		err = alt(g)
		if err == nil {
			return nil
		}
		if _, ok := err.(*ParseError); !ok {
			return err
		}
	}
	if err == nil {
		err = Failf("alt: no alternatives")
	}
	return err
}
