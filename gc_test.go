package vcache

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Overwriting the only root reference to a blob must eventually reclaim the
// blob's address: value, refcount row and hash-bucket entry all go, once no
// in-process handle is left.
func TestGCReclaimsUnrooted(t *testing.T) {
	ctx := context.Background()

	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	b, err := VRef(sp, []byte("blob B"), BytesCodec)
	require.NoError(t, err)
	addrB := b.Addr()

	p, err := LoadRoot(vc, "blob", b, RefCodec(BytesCodec))
	require.NoError(t, err)
	require.NoError(t, vc.Sync(ctx))

	has, err := sp.HasValue(addrB)
	require.NoError(t, err)
	require.True(t, has)

	// point the root elsewhere; B's refcount drops to zero
	c, err := VRef(sp, []byte("blob C"), BytesCodec)
	require.NoError(t, err)
	require.NoError(t, p.Write(ctx, true, c))

	// drop our handle on B and let the ephemeron entry die
	b = Ref[[]byte]{}
	_ = b

	require.Eventually(t, func() bool {
		runtime.GC()
		// each sync closes a batch, advancing the incremental GC
		if err := vc.Sync(ctx); err != nil {
			return false
		}
		has, err := sp.HasValue(addrB)
		return err == nil && !has
	}, 30*time.Second, 50*time.Millisecond)

	require.NotZero(t, sp.Stats().Reclaimed)

	// C stays: still rooted
	has, err = sp.HasValue(c.Addr())
	require.NoError(t, err)
	require.True(t, has)
}

// A reclaimed parent releases its children; an unrelated live tree is
// untouched.
func TestGCCascade(t *testing.T) {
	ctx := context.Background()

	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	inner, err := VRef(sp, []byte("inner"), BytesCodec)
	require.NoError(t, err)
	outer, err := VRef(sp, pair{label: "o", data: inner}, pairCodec)
	require.NoError(t, err)

	keep, err := VRef(sp, []byte("kept"), BytesCodec)
	require.NoError(t, err)

	pOuter, err := LoadRoot(vc, "outer", outer, RefCodec(pairCodec))
	require.NoError(t, err)
	pKeep, err := LoadRoot(vc, "keep", keep, RefCodec(BytesCodec))
	require.NoError(t, err)
	require.NoError(t, vc.Sync(ctx))

	innerAddr, outerAddr := inner.Addr(), outer.Addr()

	// unroot the pair tree
	empty, err := VRef(sp, []byte{}, BytesCodec)
	require.NoError(t, err)
	emptyPair, err := VRef(sp, pair{label: "", data: empty}, pairCodec)
	require.NoError(t, err)
	require.NoError(t, pOuter.Write(ctx, true, emptyPair))

	inner, outer = Ref[[]byte]{}, Ref[pair]{}
	_, _ = inner, outer

	require.Eventually(t, func() bool {
		runtime.GC()
		if err := vc.Sync(ctx); err != nil {
			return false
		}
		hasI, err1 := sp.HasValue(innerAddr)
		hasO, err2 := sp.HasValue(outerAddr)
		return err1 == nil && err2 == nil && !hasI && !hasO
	}, 30*time.Second, 50*time.Millisecond)

	// the unrelated root survived
	v, err := pKeep.Read().Deref()
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), v)
}

// Re-storing a value that reached the reclamation queue but is still held
// in-process must resurrect the same address, not corrupt the queue.
func TestGCSparesLiveHandles(t *testing.T) {
	ctx := context.Background()

	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	// never rooted: refcount is zero on disk from the start
	r, err := VRef(sp, []byte("floating"), BytesCodec)
	require.NoError(t, err)
	addr := r.Addr()

	for i := 0; i < 5; i++ {
		require.NoError(t, vc.Sync(ctx))
	}

	// the live handle kept it readable
	has, err := sp.HasValue(addr)
	require.NoError(t, err)
	require.True(t, has)

	v, err := r.Deref()
	require.NoError(t, err)
	require.Equal(t, []byte("floating"), v)

	// and dedup still finds it
	r2, err := VRef(sp, []byte("floating"), BytesCodec)
	require.NoError(t, err)
	require.Equal(t, addr, r2.Addr())
}

func TestDeleteRoot(t *testing.T) {
	ctx := context.Background()

	vc, err := Open(t.TempDir(), testOpts()...)
	require.NoError(t, err)
	defer vc.Close() //nolint:errcheck
	sp := vc.Space()

	p, err := LoadRoot(vc, "tmp", []byte("tree"), BytesCodec)
	require.NoError(t, err)
	require.NoError(t, vc.Sync(ctx))
	addr := p.c.addr

	require.NoError(t, vc.DeleteRoot("tmp"))

	// the pvar cell itself still pins nothing once dropped
	p = PVar[[]byte]{}
	_ = p

	require.Eventually(t, func() bool {
		runtime.GC()
		if err := vc.Sync(ctx); err != nil {
			return false
		}
		has, err := sp.HasValue(addr)
		return err == nil && !has
	}, 30*time.Second, 50*time.Millisecond)
}
