package vcache

// Ready-made codecs for common element types. Application types compose
// these the same way: fixed fields first, then length-prefixed variable
// parts, child refs in declaration order.

// BytesCodec stores a byte string as-is. It consumes the rest of the
// payload on parse; embed it under Isolate when it isn't the last field.
var BytesCodec = Codec[[]byte]{
	Put: func(p *Put, v []byte) {
		p.Write(v)
	},
	Get: func(g *Get) ([]byte, error) {
		b, err := g.Read(g.Remaining())
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	},
}

// StringCodec stores a string's bytes.
var StringCodec = Codec[string]{
	Put: func(p *Put, v string) {
		p.Write([]byte(v))
	},
	Get: func(g *Get) (string, error) {
		b, err := g.Read(g.Remaining())
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
}

// Uint64Codec stores an unsigned integer as a uvarint.
var Uint64Codec = Codec[uint64]{
	Put: func(p *Put, v uint64) {
		p.Uvarint(v)
	},
	Get: func(g *Get) (uint64, error) {
		return g.Uvarint()
	},
}

// Int64Codec stores a signed integer as a zigzag varint.
var Int64Codec = Codec[int64]{
	Put: func(p *Put, v int64) {
		p.Varint(v)
	},
	Get: func(g *Get) (int64, error) {
		return g.Varint()
	},
}

// SliceOf derives a codec for slices: a uvarint count followed by the
// elements.
func SliceOf[T any](el Codec[T]) Codec[[]T] {
	return Codec[[]T]{
		Put: func(p *Put, v []T) {
			p.Uvarint(uint64(len(v)))
			for _, x := range v {
				el.Put(p, x)
			}
		},
		Get: func(g *Get) ([]T, error) {
			n, err := g.Uvarint()
			if err != nil {
				return nil, err
			}
			out := make([]T, 0, n)
			for i := uint64(0); i < n; i++ {
				x, err := el.Get(g)
				if err != nil {
					return nil, err
				}
				out = append(out, x)
			}
			return out, nil
		},
	}
}

// RefCodec derives a codec for a child reference itself, letting values
// nest without inlining.
func RefCodec[T any](el Codec[T]) Codec[Ref[T]] {
	return Codec[Ref[T]]{
		Put: func(p *Put, r Ref[T]) {
			PutRef(p, r)
		},
		Get: func(g *Get) (Ref[T], error) {
			return GetRef(g, el)
		},
	}
}
