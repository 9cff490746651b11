package vcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testOpts(o ...OpenOption) []OpenOption {
	// tight timings so batches and sweeps happen within test patience
	return append([]OpenOption{WithTick(time.Millisecond), WithGCStep(64)}, o...)
}

var int64sCodec = SliceOf(Int64Codec)

func TestRefRoundtrip(t *testing.T) {
	td := t.TempDir()

	vc, err := Open(td, testOpts()...)
	require.NoError(t, err)
	sp := vc.Space()

	r, err := VRef(sp, []int64{1, 2, 3}, int64sCodec)
	require.NoError(t, err)
	require.NotZero(t, r.Addr())

	// reads before the writer commits hit the pending set
	got, err := r.Deref()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, got)

	addr := r.Addr()
	require.NoError(t, vc.Close())

	// reopen; rebuild the handle from the bare address
	vc, err = Open(td, testOpts()...)
	require.NoError(t, err)

	r, err = RefAt(vc.Space(), addr, int64sCodec)
	require.NoError(t, err)
	got, err = r.Deref()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, got)

	require.NoError(t, vc.Close())
}

func TestRefDedup(t *testing.T) {
	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	r1, err := VRef(sp, "hello", StringCodec)
	require.NoError(t, err)
	r2, err := VRef(sp, "hello", StringCodec)
	require.NoError(t, err)

	require.Equal(t, r1.Addr(), r2.Addr())
	require.True(t, r1.s == r2.s, "equal values share one cache slot")

	r3, err := VRef(sp, "world", StringCodec)
	require.NoError(t, err)
	require.NotEqual(t, r1.Addr(), r3.Addr())

	// committed values dedup too
	require.NoError(t, vc.Sync(context.Background()))
	r4, err := VRef(sp, "hello", StringCodec)
	require.NoError(t, err)
	require.Equal(t, r1.Addr(), r4.Addr())
}

func TestRefDedupConcurrent(t *testing.T) {
	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	const n = 32
	addrs := make([]Address, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := VRef(sp, []byte("same bytes"), BytesCodec)
			require.NoError(t, err)
			addrs[i] = r.Addr()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, addrs[0], addrs[i])
	}
}

func TestRefTypesDistinct(t *testing.T) {
	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	// same serialized bytes, different declared types: one address, two
	// slots
	rb, err := VRef(sp, []byte("x"), BytesCodec)
	require.NoError(t, err)
	rs, err := VRef(sp, "x", StringCodec)
	require.NoError(t, err)

	require.Equal(t, rb.Addr(), rs.Addr())

	vb, err := rb.Deref()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), vb)

	vs, err := rs.Deref()
	require.NoError(t, err)
	require.Equal(t, "x", vs)
}

type pair struct {
	label string
	data  Ref[[]byte]
}

var pairCodec = Codec[pair]{
	Put: func(p *Put, v pair) {
		p.Uvarint(uint64(len(v.label)))
		p.Write([]byte(v.label))
		PutRef(p, v.data)
	},
	Get: func(g *Get) (pair, error) {
		n, err := g.Uvarint()
		if err != nil {
			return pair{}, err
		}
		b, err := g.Read(int(n))
		if err != nil {
			return pair{}, err
		}
		data, err := GetRef(g, BytesCodec)
		if err != nil {
			return pair{}, err
		}
		return pair{label: string(b), data: data}, nil
	},
}

func TestRefNested(t *testing.T) {
	td := t.TempDir()

	vc, err := Open(td, testOpts()...)
	require.NoError(t, err)
	sp := vc.Space()

	blob, err := VRef(sp, []byte("payload bytes"), BytesCodec)
	require.NoError(t, err)

	outer, err := VRef(sp, pair{label: "p", data: blob}, pairCodec)
	require.NoError(t, err)
	outerAddr := outer.Addr()

	require.NoError(t, vc.Close())

	vc, err = Open(td, testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck

	outer, err = RefAt(vc.Space(), outerAddr, pairCodec)
	require.NoError(t, err)

	v, err := outer.Deref()
	require.NoError(t, err)
	require.Equal(t, "p", v.label)

	inner, err := v.data.Deref()
	require.NoError(t, err)
	require.Equal(t, []byte("payload bytes"), inner)
}

func TestDerefBadAddress(t *testing.T) {
	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck

	r, err := RefAt(vc.Space(), 0xdead, StringCodec)
	require.NoError(t, err)

	_, err = r.Deref()
	require.Error(t, err)
}

func TestCacheLockAndPolicy(t *testing.T) {
	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	r, err := VRef(sp, "cached", StringCodec)
	require.NoError(t, err)
	r = r.WithCachePolicy(CacheShort)

	// a locked slot survives any number of sweeps
	r.Lock()
	for i := 0; i < 10; i++ {
		sp.sweepCache()
	}
	_, ok := r.s.cached()
	require.True(t, ok)
	r.Unlock()

	// dropping the last lock reverts to the default policy; untouched
	// slots then age out
	for i := 0; i < 10; i++ {
		sp.sweepCache()
	}
	_, ok = r.s.cached()
	require.False(t, ok)

	// deref refills
	v, err := r.Deref()
	require.NoError(t, err)
	require.Equal(t, "cached", v)

	// values count as written once their batch commits
	require.NoError(t, vc.Sync(context.Background()))

	st := sp.Stats()
	require.NotZero(t, st.CacheMisses)
	require.NotZero(t, st.ValuesWritten)
}
