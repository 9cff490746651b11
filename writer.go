package vcache

import (
	"encoding/binary"
	"errors"
	"runtime"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/vcache-db/vcache/codec"
	"github.com/vcache-db/vcache/engine"
)

var log = logging.Logger("vcache")

// Exactly one writer owns all mutating access to the backing engine. It
// drains the space's queue into batches bounded by a tick, commits each
// batch as one engine transaction, advances the incremental refcount GC,
// and signals durability waiters after fsync.

type wmsg any

// putValue stores a fresh content-addressed value. deps pin the child
// handles until the batch commits.
type putValue struct {
	addr  Address
	hash  contentHash
	frame []byte
	deps  []any
}

// pvWrite is one pvar update; the value serializes lazily, on the writer.
type pvWrite struct {
	c   *cell
	val any
}

// txCommit carries a committed transaction's persistent writes. done, if
// non-nil, receives the batch outcome after fsync.
type txCommit struct {
	writes []pvWrite
	done   chan error
}

// rootBind creates a named root: binds the name and writes the initial
// value. Holds the cell strongly until committed.
type rootBind struct {
	name string
	addr Address
	c    *cell
	val  any
}

type rootUnbind struct {
	name string
}

// meta table keys
const (
	metaNext = "next"
	metaQSeq = "qseq"
)

var (
	errInvariant = errors.New("internal invariant violated")

	// errFsync marks a batch that committed but could not be made
	// durable; re-running the commit would double-apply refcount deltas,
	// so it is never retried
	errFsync = errors.New("fsync failed")
)

const commitRetries = 3

// storeFullPause is how long the writer idles after dropping a batch on a
// full store.
const storeFullPause = 250 * time.Millisecond

func (sp *Space) writer() {
	runtime.LockOSThread()
	defer close(sp.wdone)

	qseq, err := sp.loadMeta(metaQSeq)
	if err != nil {
		sp.halt(xerrors.Errorf("load gc queue seq: %w", err))
		sp.drain()
		return
	}

	sweep := time.NewTicker(sp.opts.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case m, ok := <-sp.wch:
			if !ok {
				return
			}
			if !sp.runBatch(m, &qseq) {
				sp.drain()
				return
			}
		case <-sweep.C:
			sp.sweepCache()
		}
	}
}

// drain keeps consuming after a halt so producers don't wedge; durable
// waiters get the halt error.
func (sp *Space) drain() {
	err := sp.failed()
	for m := range sp.wch {
		if tc, ok := m.(txCommit); ok && tc.done != nil {
			tc.done <- err
		}
	}
}

// runBatch accumulates a batch starting from first and commits it. Returns
// false once the writer has halted.
func (sp *Space) runBatch(first wmsg, qseq *uint64) bool {
	batch := []wmsg{first}
	durable := needsDurability(first)

	tick := time.NewTimer(sp.opts.tick)
	defer tick.Stop()

collect:
	for {
		select {
		case m, ok := <-sp.wch:
			if !ok {
				break collect
			}
			batch = append(batch, m)
			durable = durable || needsDurability(m)
		case <-tick.C:
			break collect
		default:
			if !durable {
				break collect
			}
			// give a durable batch a short grace window to amortize
			// the fsync over stragglers
			select {
			case m, ok := <-sp.wch:
				if !ok {
					break collect
				}
				batch = append(batch, m)
				durable = durable || needsDurability(m)
				continue
			case <-time.After(sp.opts.grace):
			case <-tick.C:
			}
			break collect
		}
	}

	var err error
	for attempt := 0; attempt <= commitRetries; attempt++ {
		if attempt > 0 {
			log.Warnw("retrying batch commit", "attempt", attempt, "error", err)
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}

		err = sp.commitBatch(batch, qseq, durable)
		if err == nil {
			sp.finishBatch(batch, nil)
			return true
		}
		if errors.Is(err, errInvariant) || errors.Is(err, errFsync) ||
			errors.Is(err, engine.ErrFull) {
			break
		}
	}

	if errors.Is(err, engine.ErrFull) {
		// a full store is not fatal: drop the batch, re-raise to its
		// durable waiters, surface once to the next operation, and pause
		// before taking new work
		serr := xerrors.Errorf("%w: %s", ErrStoreFull, err)
		sp.lastErr.Store(&serr)
		sp.finishBatch(batch, serr)
		log.Warnw("backing store full; batch dropped", "error", err)
		time.Sleep(storeFullPause)
		return true
	}

	sp.halt(err)
	sp.finishBatch(batch, sp.failed())
	return false
}

func needsDurability(m wmsg) bool {
	tc, ok := m.(txCommit)
	return ok && tc.done != nil
}

func (sp *Space) halt(err error) {
	werr := xerrors.Errorf("%w: %s", ErrWriterHalted, err)
	sp.werr.Store(&werr)
	log.Errorw("writer halted", "error", err)
}

// finishBatch signals durability waiters and releases pending-set entries.
// A nil outcome means the batch committed (and fsynced if needed); on
// failure the entries drop too - the values never reached disk, so reads
// and dedup must stop serving them.
func (sp *Space) finishBatch(batch []wmsg, outcome error) {
	for _, m := range batch {
		switch m := m.(type) {
		case putValue:
			sp.pending.drop(m.addr, m.hash)
		case txCommit:
			if m.done != nil {
				m.done <- outcome
			}
		}
	}
}

// commitBatch runs the full commit sequence in one engine transaction:
// values, root changes, pvar writes, refcount deltas, the bounded GC step,
// and the allocator/queue meta. Then fsyncs if anything in the batch asked
// for durability.
func (sp *Space) commitBatch(batch []wmsg, qseq *uint64, durable bool) error {
	startSeq := *qseq
	endSeq := startSeq

	var putN, putBytes, reclaimed int64

	err := sp.eng.Update(func(tx engine.Tx) error {
		refDelta := map[Address]int64{}
		newAddrs := map[Address]struct{}{}

		// pvar writes coalesce: only the last write per cell serializes
		pvOrder := make([]*cell, 0, len(batch))
		pvLatest := map[*cell]any{}
		notePV := func(c *cell, v any) {
			if _, ok := pvLatest[c]; !ok {
				pvOrder = append(pvOrder, c)
			}
			pvLatest[c] = v
		}

		for _, m := range batch {
			switch m := m.(type) {
			case putValue:
				if err := sp.applyPutValue(tx, m, refDelta, newAddrs); err != nil {
					return err
				}
				putN++
				putBytes += int64(len(m.frame))

			case rootBind:
				if err := tx.Put(engine.Roots, []byte(m.name), addrKey(m.addr)); err != nil {
					return xerrors.Errorf("bind root %s: %w", m.name, err)
				}
				refDelta[m.addr]++
				newAddrs[m.addr] = struct{}{}
				notePV(m.c, m.val)

			case rootUnbind:
				b, err := tx.Get(engine.Roots, []byte(m.name))
				if err != nil {
					return err
				}
				if b == nil {
					continue
				}
				a, ok := parseAddr(b)
				if !ok {
					return xerrors.Errorf("root %s: malformed address: %w", m.name, errInvariant)
				}
				if err := tx.Delete(engine.Roots, []byte(m.name)); err != nil {
					return err
				}
				refDelta[a]--

			case txCommit:
				for _, w := range m.writes {
					notePV(w.c, w.val)
				}
			}
		}

		for _, c := range pvOrder {
			if err := sp.applyPVWrite(tx, c, pvLatest[c], refDelta, newAddrs); err != nil {
				return err
			}
		}

		if err := sp.applyRefDeltas(tx, refDelta, newAddrs, &endSeq); err != nil {
			return err
		}

		n, err := sp.gcStep(tx, startSeq, &endSeq)
		if err != nil {
			return err
		}
		reclaimed = n

		if err := sp.putMeta(tx, metaNext, sp.next.Load()); err != nil {
			return err
		}
		return sp.putMeta(tx, metaQSeq, endSeq)
	})
	if err != nil {
		return err
	}

	if durable {
		if err := sp.eng.Sync(); err != nil {
			return xerrors.Errorf("%w: %s", errFsync, err)
		}
	}

	*qseq = endSeq
	sp.stats.batches.Add(1)
	sp.stats.valuesWritten.Add(putN)
	sp.stats.bytesWritten.Add(putBytes)
	sp.stats.reclaimed.Add(reclaimed)
	return nil
}

func (sp *Space) applyPutValue(tx engine.Tx, m putValue, refDelta map[Address]int64, newAddrs map[Address]struct{}) error {
	if m.addr == 0 {
		return xerrors.Errorf("put at null address: %w", errInvariant)
	}

	if err := tx.Put(engine.Values, addrKey(m.addr), m.frame); err != nil {
		return xerrors.Errorf("write value %d: %w", m.addr, err)
	}

	// register in the hash bucket; insertion order, no dups
	bucket, err := tx.Get(engine.Hashes, m.hash[:])
	if err != nil {
		return err
	}
	addrs, err := parseBucket(bucket)
	if err != nil {
		return xerrors.Errorf("hash bucket: %w: %s", errInvariant, err)
	}
	present := false
	for _, a := range addrs {
		if a == m.addr {
			present = true
			break
		}
	}
	if !present {
		addrs = append(addrs, m.addr)
		if err := tx.Put(engine.Hashes, m.hash[:], appendBucket(nil, addrs)); err != nil {
			return err
		}
	}

	children, err := codec.FrameChildren(m.frame)
	if err != nil {
		return xerrors.Errorf("put frame: %w: %s", errInvariant, err)
	}
	for _, c := range children {
		refDelta[c]++
	}

	if _, ok := refDelta[m.addr]; !ok {
		refDelta[m.addr] = 0 // force a refcount row decision below
	}
	newAddrs[m.addr] = struct{}{}
	return nil
}

// applyPVWrite serializes a pvar's latest value at its stable address and
// shifts child refcounts by the diff against the prior stored form.
func (sp *Space) applyPVWrite(tx engine.Tx, c *cell, val any, refDelta map[Address]int64, newAddrs map[Address]struct{}) error {
	p := codec.NewPut()
	if err := codec.RunPut(p, func(p *Put) { c.put(p, val) }); err != nil {
		return xerrors.Errorf("serialize pvar %s: %w", c.name, err)
	}
	frame := codec.AppendFrame(nil, p.Bytes(), p.Children())

	old, err := tx.Get(engine.Values, addrKey(c.addr))
	if err != nil {
		return err
	}
	if old != nil {
		oldChildren, err := codec.FrameChildren(old)
		if err != nil {
			return xerrors.Errorf("pvar %s old frame: %w: %s", c.name, errInvariant, err)
		}
		for _, ch := range oldChildren {
			refDelta[ch]--
		}
	}
	for _, ch := range p.Children() {
		refDelta[ch]++
	}

	if err := tx.Put(engine.Values, addrKey(c.addr), frame); err != nil {
		return xerrors.Errorf("write pvar %s: %w", c.name, err)
	}
	return nil
}

// applyRefDeltas folds the batch's refcount movement into the refcts table,
// feeding addresses that reached zero to the reclamation queue.
func (sp *Space) applyRefDeltas(tx engine.Tx, refDelta map[Address]int64, newAddrs map[Address]struct{}, endSeq *uint64) error {
	for a, d := range refDelta {
		b, err := tx.Get(engine.Refcts, addrKey(a))
		if err != nil {
			return err
		}

		var cur int64
		if b != nil {
			v, ok := parseAddr(b)
			if !ok {
				return xerrors.Errorf("refct %d: malformed: %w", a, errInvariant)
			}
			cur = int64(v)
		} else if _, fresh := newAddrs[a]; !fresh && d < 0 {
			return xerrors.Errorf("refct underflow at %d: %w", a, errInvariant)
		}

		nv := cur + d
		switch {
		case nv < 0:
			return xerrors.Errorf("refct underflow at %d: %w", a, errInvariant)
		case nv == 0:
			if b != nil {
				if err := tx.Delete(engine.Refcts, addrKey(a)); err != nil {
					return err
				}
			}
			if err := sp.enqueueZero(tx, a, endSeq); err != nil {
				return err
			}
		default:
			if err := tx.Put(engine.Refcts, addrKey(a), addrKey(Address(nv))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sp *Space) enqueueZero(tx engine.Tx, a Address, endSeq *uint64) error {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], *endSeq)
	*endSeq++
	return tx.Put(engine.Refct0, k[:], addrKey(a))
}

// gcStep pops up to K addresses that were already queued before this batch
// and reclaims the dead ones: value, hash-bucket entry and refcount row go;
// children lose a reference and may join the queue. Addresses with live
// in-process handles are requeued rather than reclaimed.
func (sp *Space) gcStep(tx engine.Tx, fence uint64, endSeq *uint64) (int64, error) {
	type qent struct {
		key  []byte
		addr Address
	}
	var ents []qent

	err := tx.Scan(engine.Refct0, func(k, v []byte) (bool, error) {
		if len(k) != 8 {
			return false, xerrors.Errorf("refct0 key: malformed: %w", errInvariant)
		}
		if binary.BigEndian.Uint64(k) >= fence {
			return false, nil
		}
		a, ok := parseAddr(v)
		if !ok {
			return false, xerrors.Errorf("refct0 entry: malformed: %w", errInvariant)
		}
		ents = append(ents, qent{key: append([]byte(nil), k...), addr: a})
		return len(ents) < sp.opts.gcStep, nil
	})
	if err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, e := range ents {
		if err := tx.Delete(engine.Refct0, e.key); err != nil {
			return 0, err
		}

		// resurrected since queued?
		b, err := tx.Get(engine.Refcts, addrKey(e.addr))
		if err != nil {
			return 0, err
		}
		if b != nil {
			continue
		}

		// still referenced by a live in-process handle or in flight
		if sp.handles.live(e.addr) || sp.pending.has(e.addr) {
			if err := sp.enqueueZero(tx, e.addr, endSeq); err != nil {
				return 0, err
			}
			continue
		}

		frame, err := tx.Get(engine.Values, addrKey(e.addr))
		if err != nil {
			return 0, err
		}
		if frame == nil {
			continue // already reclaimed
		}

		children, err := codec.FrameChildren(frame)
		if err != nil {
			return 0, xerrors.Errorf("gc frame %d: %w: %s", e.addr, errInvariant, err)
		}
		for _, c := range children {
			if err := sp.gcDecChild(tx, c, endSeq); err != nil {
				return 0, err
			}
		}

		if err := tx.Delete(engine.Values, addrKey(e.addr)); err != nil {
			return 0, err
		}
		if err := sp.dropFromBucket(tx, hashFrame(frame), e.addr); err != nil {
			return 0, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (sp *Space) gcDecChild(tx engine.Tx, a Address, endSeq *uint64) error {
	b, err := tx.Get(engine.Refcts, addrKey(a))
	if err != nil {
		return err
	}
	if b == nil {
		return xerrors.Errorf("gc: missing child refct at %d: %w", a, errInvariant)
	}
	v, ok := parseAddr(b)
	if !ok || v == 0 {
		return xerrors.Errorf("gc: bad child refct at %d: %w", a, errInvariant)
	}
	if v == 1 {
		if err := tx.Delete(engine.Refcts, addrKey(a)); err != nil {
			return err
		}
		return sp.enqueueZero(tx, a, endSeq)
	}
	return tx.Put(engine.Refcts, addrKey(a), addrKey(v-1))
}

func (sp *Space) dropFromBucket(tx engine.Tx, h contentHash, a Address) error {
	bucket, err := tx.Get(engine.Hashes, h[:])
	if err != nil {
		return err
	}
	addrs, err := parseBucket(bucket)
	if err != nil {
		return xerrors.Errorf("hash bucket: %w: %s", errInvariant, err)
	}
	out := addrs[:0]
	for _, x := range addrs {
		if x != a {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return tx.Delete(engine.Hashes, h[:])
	}
	return tx.Put(engine.Hashes, h[:], appendBucket(nil, out))
}

/* cache sweep */

// sweepCache ages every cached slot, then sheds untouched ones while over
// the weight budget. The budget is a soft hint: a burst between sweeps can
// overshoot it.
func (sp *Space) sweepCache() {
	var total int64
	sp.ivrs.each(func(_ ephKey, v any) {
		if s, ok := v.(sweeper); ok {
			total += s.sweep()
		}
	})

	lim := sp.opts.weightLim
	if lim <= 0 || total <= lim {
		return
	}
	sp.ivrs.each(func(_ ephKey, v any) {
		if total <= lim {
			return
		}
		if s, ok := v.(sweeper); ok {
			total -= s.shed()
		}
	})
}

/* meta */

func (sp *Space) loadMeta(key string) (uint64, error) {
	var out uint64
	err := sp.eng.View(func(tx engine.Tx) error {
		b, err := tx.Get(engine.Meta, []byte(key))
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		v, ok := parseAddr(b)
		if !ok {
			return xerrors.Errorf("meta %s: malformed", key)
		}
		out = uint64(v)
		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("load meta: %w", err)
	}
	return out, nil
}

func (sp *Space) putMeta(tx engine.Tx, key string, v uint64) error {
	return tx.Put(engine.Meta, []byte(key), addrKey(Address(v)))
}
