package vcache

import (
	"context"
	"runtime"
	"sort"
)

// VTx is a transaction over STM cells plus a log of persistent writes. The
// STM part validates and commits atomically; the log of pvar writes is
// handed to each touched space's writer in commit order. Serialization is
// lazy - the writer runs the Put functions, not the committer.
type VTx struct {
	reads  map[*cell]readRec
	writes map[*cell]any
}

type readRec struct {
	version uint64
	val     any
}

func (tx *VTx) readCell(c *cell) any {
	if v, ok := tx.writes[c]; ok {
		return v
	}
	if r, ok := tx.reads[c]; ok {
		return r.val
	}
	v, ver := c.read()
	tx.reads[c] = readRec{version: ver, val: v}
	return v
}

func (tx *VTx) writeCell(c *cell, v any) {
	// re-writes coalesce; only the last prevails
	tx.writes[c] = v
}

// ReadPV reads a pvar within the transaction.
func ReadPV[T any](tx *VTx, p PVar[T]) T {
	return tx.readCell(p.c).(T)
}

// WritePV writes a pvar within the transaction. The new value reaches disk
// after commit, through the owning space's writer.
func WritePV[T any](tx *VTx, p PVar[T], v T) {
	tx.writeCell(p.c, v)
}

func ReadSV[T any](tx *VTx, v SVar[T]) T {
	return tx.readCell(v.c).(T)
}

func WriteSV[T any](tx *VTx, v SVar[T], x T) {
	tx.writeCell(v.c, x)
}

// RunVTx runs fn transactionally, retrying on contention. With durable set
// it blocks until every space touched has fsynced the commit; otherwise it
// returns as soon as the STM commit is visible, and the writes reach disk
// with the writer's next batch.
//
// Transactions may span spaces; each space commits independently, so a
// crash between two space commits can leave them mutually inconsistent.
func RunVTx(ctx context.Context, sp *Space, durable bool, fn func(*VTx) error) error {
	if err := sp.opErr(); err != nil {
		return err
	}

	for {
		tx := &VTx{
			reads:  map[*cell]readRec{},
			writes: map[*cell]any{},
		}

		if err := fn(tx); err != nil {
			return err
		}

		done, committed, err := tx.commit(sp, durable)
		if err != nil {
			return err
		}
		if !committed {
			// validation failed, retry from scratch
			runtime.Gosched()
			continue
		}

		for _, ch := range done {
			select {
			case err := <-ch:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				// the write still happens; only the wait is abandoned
				return ctx.Err()
			}
		}
		return nil
	}
}

// commit locks the transaction footprint in id order, validates read
// versions, applies writes, and hands per-space logs to the writers while
// holding each space's commit lock so queue order matches commit order.
func (tx *VTx) commit(sp *Space, durable bool) (done []chan error, committed bool, err error) {
	cells := make([]*cell, 0, len(tx.reads)+len(tx.writes))
	seen := map[*cell]struct{}{}
	for c := range tx.reads {
		cells = append(cells, c)
		seen[c] = struct{}{}
	}
	for c := range tx.writes {
		if _, ok := seen[c]; !ok {
			cells = append(cells, c)
		}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].id < cells[j].id })

	for _, c := range cells {
		c.mu.Lock()
	}
	unlockCells := func() {
		for _, c := range cells {
			c.mu.Unlock()
		}
	}

	for c, r := range tx.reads {
		if c.version != r.version {
			unlockCells()
			return nil, false, nil
		}
	}

	// group persistent writes per space
	logs := map[*Space][]pvWrite{}
	for c, v := range tx.writes {
		if c.space != nil {
			logs[c.space] = append(logs[c.space], pvWrite{c: c, val: v})
		}
	}
	if durable && len(logs) == 0 {
		// a durable transaction with no persistent writes still waits
		// out the primary space's queue
		logs[sp] = nil
	}

	spaces := make([]*Space, 0, len(logs))
	for s := range logs {
		spaces = append(spaces, s)
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i].id < spaces[j].id })

	for _, s := range spaces {
		s.commitLk.Lock()
	}
	defer func() {
		for _, s := range spaces {
			s.commitLk.Unlock()
		}
	}()

	// nothing is applied until every touched space can take the log
	for _, s := range spaces {
		if s.isClosed() {
			unlockCells()
			return nil, false, ErrClosed
		}
		if werr := s.failed(); werr != nil {
			unlockCells()
			return nil, false, werr
		}
	}

	for c, v := range tx.writes {
		c.val = v
		c.version++
	}
	unlockCells()

	for _, s := range spaces {
		msg := txCommit{writes: logs[s]}
		if durable {
			msg.done = make(chan error, 1)
			done = append(done, msg.done)
		}
		s.wch <- msg
		s.stats.txCommits.Add(1)
	}

	return done, true, nil
}

// Read returns the pvar's current committed in-memory value.
func (p PVar[T]) Read() T {
	v, _ := p.c.read()
	return v.(T)
}

// Write is a one-write durable-optional convenience around RunVTx.
func (p PVar[T]) Write(ctx context.Context, durable bool, v T) error {
	return RunVTx(ctx, p.c.space, durable, func(tx *VTx) error {
		WritePV(tx, p, v)
		return nil
	})
}
