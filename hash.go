package vcache

import (
	"encoding/binary"

	sha256 "github.com/minio/sha256-simd"

	"github.com/vcache-db/vcache/codec"
)

// Content hashes key the caddrs table. Hashing the whole frame covers both
// payload bytes and the child list, so values differing only in a child
// address land in different buckets. Collisions are still legal: lookups
// byte-compare the stored frame before claiming a dedup hit.

const hashSize = sha256.Size

type contentHash [hashSize]byte

func hashFrame(frame []byte) contentHash {
	return sha256.Sum256(frame)
}

func addrKey(a Address) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(a))
	return b[:]
}

func parseAddr(b []byte) (Address, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return Address(binary.BigEndian.Uint64(b)), true
}

// Hash buckets hold a length-prefixed address list, appended in insertion
// order.

func appendBucket(dst []byte, addrs []Address) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(addrs)))
	for _, a := range addrs {
		dst = binary.BigEndian.AppendUint64(dst, uint64(a))
	}
	return dst
}

func parseBucket(b []byte) ([]Address, error) {
	if len(b) == 0 {
		return nil, nil
	}
	n, m := binary.Uvarint(b)
	if m <= 0 || uint64(len(b)-m) != n*8 {
		return nil, codec.Failf("caddrs bucket: bad address list")
	}
	b = b[m:]
	out := make([]Address, n)
	for i := range out {
		out[i] = Address(binary.BigEndian.Uint64(b[i*8:]))
	}
	return out, nil
}
