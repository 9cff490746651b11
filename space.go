package vcache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/vcache-db/vcache/engine"
)

// Space is the per-file address domain: the backing engine, the writer, the
// ephemeron tables, and the allocator. One process opens one space per file;
// an exclusive flock keeps other processes out.
type Space struct {
	id  uint64
	dir string

	eng   engine.Engine
	lockf *os.File

	opts spaceOptions

	ivrs    *ephTable
	pvs     *ephTable
	handles *handleSet
	pending *pendingSet

	// next is the address allocator high-water mark; the writer persists
	// it with every batch
	next atomic.Uint64

	// internLk makes content lookup and pending registration atomic, so
	// two racing stores of one value dedup to one address
	internLk sync.Mutex

	// commitLk serializes STM commit order with writer queue order
	commitLk sync.Mutex
	wch      chan wmsg
	closed   atomic.Bool
	wdone    chan struct{}

	// werr is set once when the writer halts
	werr atomic.Pointer[error]

	// lastErr holds a store-full condition from a dropped batch; it is
	// reported to one subsequent operation and cleared, and the writer
	// stays up to take new batches once space is freed
	lastErr atomic.Pointer[error]

	stats spaceStats
}

var spaceIDs atomic.Uint64

type spaceOptions struct {
	eng        engine.Engine
	level      bool
	mmapSize   int
	tick       time.Duration
	grace      time.Duration
	gcStep     int
	weightLim  int64
	sweepEvery time.Duration
	queueLen   int
}

type OpenOption func(*spaceOptions)

// WithLevelEngine backs the store with the LSM engine instead of the
// default memory-mapped B+tree.
func WithLevelEngine() OpenOption {
	return func(o *spaceOptions) { o.level = true }
}

// WithEngine supplies an already-open backing engine instead of opening one
// under the store directory. The space takes ownership and closes it.
func WithEngine(e engine.Engine) OpenOption {
	return func(o *spaceOptions) { o.eng = e }
}

// WithMapSize presizes the engine's memory map.
func WithMapSize(n int) OpenOption {
	return func(o *spaceOptions) { o.mmapSize = n }
}

// WithTick bounds how long the writer accumulates a batch.
func WithTick(d time.Duration) OpenOption {
	return func(o *spaceOptions) { o.tick = d }
}

// WithGCStep sets how many reclamation-queue entries one batch processes.
func WithGCStep(k int) OpenOption {
	return func(o *spaceOptions) { o.gcStep = k }
}

// WithCacheWeight sets a soft in-memory budget for cached values. The sweep
// sheds untouched values while over it; a burst between sweeps may
// overshoot. Zero disables the budget.
func WithCacheWeight(n int64) OpenOption {
	return func(o *spaceOptions) { o.weightLim = n }
}

// WithSweepInterval sets the cache sweep period.
func WithSweepInterval(d time.Duration) OpenOption {
	return func(o *spaceOptions) { o.sweepEvery = d }
}

const lockFileName = "lock"

func openSpace(dir string, opts ...OpenOption) (*Space, error) {
	opt := spaceOptions{
		tick:       10 * time.Millisecond,
		grace:      500 * time.Microsecond,
		gcStep:     256,
		sweepEvery: 10 * time.Second,
		queueLen:   1024,
	}
	for _, o := range opts {
		o(&opt)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("make store dir: %w", err)
	}

	lockf, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, xerrors.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(lockf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockf.Close()
		if err == unix.EWOULDBLOCK {
			return nil, xerrors.Errorf("open %s: %w", dir, ErrLockContention)
		}
		return nil, xerrors.Errorf("lock store: %w", err)
	}

	var eng engine.Engine
	switch {
	case opt.eng != nil:
		eng = opt.eng
	case opt.level:
		eng, err = engine.OpenLevel(filepath.Join(dir, "store.level"))
	default:
		eng, err = engine.OpenBolt(filepath.Join(dir, "store.bolt"), engine.BoltOptions{
			InitialMmapSize: opt.mmapSize,
		})
	}
	if err != nil {
		_ = lockf.Close()
		return nil, xerrors.Errorf("open engine: %w", err)
	}

	sp := &Space{
		id:      spaceIDs.Add(1),
		dir:     dir,
		eng:     eng,
		lockf:   lockf,
		opts:    opt,
		ivrs:    newEphTable(),
		pvs:     newEphTable(),
		handles: newHandleSet(),
		pending: newPendingSet(),
		wch:     make(chan wmsg, opt.queueLen),
		wdone:   make(chan struct{}),
	}

	next, err := sp.loadMeta(metaNext)
	if err != nil {
		_ = eng.Close()
		_ = lockf.Close()
		return nil, err
	}
	if next == 0 {
		next = 1 // address 0 is the null sentinel
	}
	sp.next.Store(next)

	go sp.writer()

	return sp, nil
}

func (sp *Space) Dir() string { return sp.dir }

// allocAddr hands out the next address. Monotonic; a crash can abandon
// allocated-but-unwritten addresses, which simply stay unused.
func (sp *Space) allocAddr() Address {
	return Address(sp.next.Add(1) - 1)
}

func (sp *Space) send(m wmsg) error {
	sp.commitLk.Lock()
	defer sp.commitLk.Unlock()

	if sp.closed.Load() {
		return ErrClosed
	}
	if err := sp.failed(); err != nil {
		return err
	}
	sp.wch <- m
	return nil
}

func (sp *Space) isClosed() bool { return sp.closed.Load() }

// failed reports the writer's halt error, if any.
func (sp *Space) failed() error {
	if p := sp.werr.Load(); p != nil {
		return *p
	}
	return nil
}

// opErr gates new operations. A halt is permanent; a store-full condition
// is reported to exactly one caller and cleared, so later operations can
// retry once space has been freed.
func (sp *Space) opErr() error {
	if err := sp.failed(); err != nil {
		return err
	}
	if p := sp.lastErr.Swap(nil); p != nil {
		return *p
	}
	return nil
}

func (sp *Space) close() error {
	sp.commitLk.Lock()
	if sp.closed.Swap(true) {
		sp.commitLk.Unlock()
		return nil
	}
	close(sp.wch)
	sp.commitLk.Unlock()

	<-sp.wdone

	if err := sp.eng.Close(); err != nil {
		return xerrors.Errorf("close engine: %w", err)
	}

	if err := unix.Flock(int(sp.lockf.Fd()), unix.LOCK_UN); err != nil {
		return xerrors.Errorf("unlock store: %w", err)
	}
	return sp.lockf.Close()
}

// HasValue reports whether an address currently stores a value, counting
// writes still in the queue. Diagnostic surface, racy by nature.
func (sp *Space) HasValue(a Address) (bool, error) {
	if _, ok := sp.pending.frame(a); ok {
		return true, nil
	}
	var has bool
	err := sp.eng.View(func(tx engine.Tx) error {
		v, err := tx.Get(engine.Values, addrKey(a))
		if err != nil {
			return err
		}
		has = v != nil
		return nil
	})
	return has, err
}

/* pending writes */

// pendingSet tracks values enqueued but not yet committed, for reads and
// dedup against in-flight writes. Entries drop after their batch commits.
type pendingSet struct {
	mu     sync.Mutex
	frames map[Address][]byte
	hashes map[contentHash][]Address
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		frames: map[Address][]byte{},
		hashes: map[contentHash][]Address{},
	}
}

func (p *pendingSet) add(a Address, h contentHash, frame []byte) {
	p.mu.Lock()
	p.frames[a] = frame
	p.hashes[h] = append(p.hashes[h], a)
	p.mu.Unlock()
}

func (p *pendingSet) drop(a Address, h contentHash) {
	p.mu.Lock()
	delete(p.frames, a)
	addrs := p.hashes[h]
	for i, x := range addrs {
		if x == a {
			addrs = append(addrs[:i], addrs[i+1:]...)
			break
		}
	}
	if len(addrs) == 0 {
		delete(p.hashes, h)
	} else {
		p.hashes[h] = addrs
	}
	p.mu.Unlock()
}

func (p *pendingSet) has(a Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.frames[a]
	return ok
}

func (p *pendingSet) frame(a Address) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[a]
	return f, ok
}

// byHash finds a pending value with the given serialized form.
func (p *pendingSet) byHash(h contentHash, frame []byte) (Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.hashes[h] {
		if string(p.frames[a]) == string(frame) {
			return a, true
		}
	}
	return 0, false
}
