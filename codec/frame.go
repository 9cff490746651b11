package codec

import "encoding/binary"

// On-disk frame for one stored value:
//
//	uvarint(len(payload)) || payload || uvarint(n) || n * 8-byte-BE address
//
// Child addresses sit after the payload at fixed width so a GC walk can pick
// them out without parsing user bytes.

// AppendFrame appends the frame for (payload, children) to dst.
func AppendFrame(dst, payload []byte, children []Address) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	dst = append(dst, payload...)
	dst = binary.AppendUvarint(dst, uint64(len(children)))
	for _, c := range children {
		dst = binary.BigEndian.AppendUint64(dst, uint64(c))
	}
	return dst
}

// DecodeFrame splits a frame into payload and child list. The payload slice
// aliases b.
func DecodeFrame(b []byte) ([]byte, []Address, error) {
	plen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < plen {
		return nil, nil, Failf("frame: bad payload length")
	}
	payload := b[n : n+int(plen)]
	rest := b[n+int(plen):]

	cn, m := binary.Uvarint(rest)
	if m <= 0 || uint64(len(rest)-m) != cn*8 {
		return nil, nil, Failf("frame: bad child count")
	}
	rest = rest[m:]

	children := make([]Address, cn)
	for i := range children {
		children[i] = Address(binary.BigEndian.Uint64(rest[i*8:]))
	}
	return payload, children, nil
}

// FrameChildren decodes only the child list, skipping over the payload.
func FrameChildren(b []byte) ([]Address, error) {
	plen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < plen {
		return nil, Failf("frame: bad payload length")
	}
	rest := b[n+int(plen):]

	cn, m := binary.Uvarint(rest)
	if m <= 0 || uint64(len(rest)-m) != cn*8 {
		return nil, Failf("frame: bad child count")
	}
	rest = rest[m:]

	children := make([]Address, cn)
	for i := range children {
		children[i] = Address(binary.BigEndian.Uint64(rest[i*8:]))
	}
	return children, nil
}
