// Package vcache is a persistent, content-addressed value store with
// transactionally updated named variables. Immutable values page in from
// disk on demand, deduplicate by serialized form, and share structure
// through per-address cache slots; mutable state lives in named pvars
// committed by a single background writer per store.
package vcache

import (
	"context"

	"golang.org/x/xerrors"
)

// VCache is a handle on a space scoped by a root-name prefix; Subdir
// derives nested handles so sub-applications share one file without name
// collisions.
type VCache struct {
	sp     *Space
	prefix []byte
}

// Open opens (or creates) the store directory, taking its exclusive lock
// and starting the writer. A directory already held by another process
// fails with ErrLockContention.
func Open(dir string, opts ...OpenOption) (*VCache, error) {
	sp, err := openSpace(dir, opts...)
	if err != nil {
		return nil, err
	}
	return &VCache{sp: sp}, nil
}

func (vc *VCache) Space() *Space { return vc.sp }

// Subdir narrows the root namespace by a prefix. The returned handle shares
// the space; closing either closes both.
func (vc *VCache) Subdir(name string) *VCache {
	p := make([]byte, 0, len(vc.prefix)+len(name)+1)
	p = append(p, vc.prefix...)
	p = append(p, name...)
	p = append(p, '/')
	return &VCache{sp: vc.sp, prefix: p}
}

// Sync blocks until everything enqueued before the call is durable on
// disk.
func (vc *VCache) Sync(ctx context.Context) error {
	sp := vc.sp
	if err := sp.opErr(); err != nil {
		return err
	}

	done := make(chan error, 1)
	if err := sp.send(txCommit{done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			return xerrors.Errorf("sync: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the queue, stops the writer and releases the store lock.
func (vc *VCache) Close() error {
	return vc.sp.close()
}
