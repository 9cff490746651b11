package engine

import (
	"bytes"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"
)

// LevelEngine is an LSM alternative to the bolt engine, for stores living on
// filesystems where mmap growth behaves badly. Tables become single-byte key
// prefixes; snapshots provide reader isolation; a write transaction buffers
// into an overlay and commits as one batch.
type LevelEngine struct {
	db *leveldb.DB

	// sync counter key writes force WAL fsync of everything prior
	syncSeq uint64
}

var levelPrefix = map[string]byte{
	Values: 'v',
	Roots:  'r',
	Hashes: 'h',
	Refcts: 'c',
	Refct0: 'q',
	Meta:   'm',
}

func levelKey(table string, key []byte) ([]byte, error) {
	p, ok := levelPrefix[table]
	if !ok {
		return nil, xerrors.Errorf("no table %s", table)
	}
	out := make([]byte, 1+len(key))
	out[0] = p
	copy(out[1:], key)
	return out, nil
}

func OpenLevel(path string) (*LevelEngine, error) {
	o := &opt.Options{
		Compression: opt.NoCompression, // frames are dense
		Filter:      filter.NewBloomFilter(10),
	}

	db, err := leveldb.OpenFile(path, o)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, xerrors.Errorf("open leveldb (%s): %w", path, err)
	}

	return &LevelEngine{db: db}, nil
}

func (e *LevelEngine) View(fn func(Tx) error) error {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return xerrors.Errorf("get snapshot: %w", err)
	}
	defer snap.Release()

	return fn(&levelViewTx{snap: snap})
}

func (e *LevelEngine) Update(fn func(Tx) error) error {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return xerrors.Errorf("get snapshot: %w", err)
	}
	defer snap.Release()

	tx := &levelWriteTx{
		levelViewTx: levelViewTx{snap: snap},
		overlay:     map[string][]byte{},
	}
	if err := fn(tx); err != nil {
		return err
	}

	b := new(leveldb.Batch)
	for k, v := range tx.overlay {
		if v == nil {
			b.Delete([]byte(k))
		} else {
			b.Put([]byte(k), v)
		}
	}
	if err := wrapFull(e.db.Write(b, nil)); err != nil {
		return xerrors.Errorf("write batch: %w", err)
	}
	return nil
}

func (e *LevelEngine) Sync() error {
	// a synced write fsyncs the WAL behind all prior writes
	e.syncSeq++
	k, _ := levelKey(Meta, []byte("levelsync"))
	v := make([]byte, 8)
	for i := 0; i < 8; i++ {
		v[i] = byte(e.syncSeq >> (56 - 8*i))
	}
	if err := e.db.Put(k, v, &opt.WriteOptions{Sync: true}); err != nil {
		return xerrors.Errorf("sync write: %w", err)
	}
	return nil
}

func (e *LevelEngine) Close() error {
	return e.db.Close()
}

/* read side */

type levelViewTx struct {
	snap *leveldb.Snapshot
}

func (t *levelViewTx) Get(table string, key []byte) ([]byte, error) {
	k, err := levelKey(table, key)
	if err != nil {
		return nil, err
	}
	v, err := t.snap.Get(k, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *levelViewTx) Put(string, []byte, []byte) error {
	return xerrors.Errorf("put in read-only tx")
}

func (t *levelViewTx) Delete(string, []byte) error {
	return xerrors.Errorf("delete in read-only tx")
}

func (t *levelViewTx) Scan(table string, fn func(key, val []byte) (bool, error)) error {
	prefix, err := levelKey(table, nil)
	if err != nil {
		return err
	}

	it := t.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		k := make([]byte, len(it.Key())-1)
		copy(k, it.Key()[1:])
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())

		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

/* write side */

type levelWriteTx struct {
	levelViewTx

	// overlay holds uncommitted writes by full key; nil marks a delete
	overlay map[string][]byte
}

func (t *levelWriteTx) Get(table string, key []byte) ([]byte, error) {
	k, err := levelKey(table, key)
	if err != nil {
		return nil, err
	}
	if v, ok := t.overlay[string(k)]; ok {
		if v == nil {
			return nil, nil
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	return t.levelViewTx.Get(table, key)
}

func (t *levelWriteTx) Put(table string, key, val []byte) error {
	k, err := levelKey(table, key)
	if err != nil {
		return err
	}
	v := make([]byte, len(val))
	copy(v, val)
	t.overlay[string(k)] = v
	return nil
}

func (t *levelWriteTx) Delete(table string, key []byte) error {
	k, err := levelKey(table, key)
	if err != nil {
		return err
	}
	t.overlay[string(k)] = nil
	return nil
}

func (t *levelWriteTx) Scan(table string, fn func(key, val []byte) (bool, error)) error {
	prefix, err := levelKey(table, nil)
	if err != nil {
		return err
	}

	// merge the snapshot iterator with sorted overlay keys of this table
	var okeys []string
	for k := range t.overlay {
		if len(k) > 0 && k[0] == prefix[0] {
			okeys = append(okeys, k)
		}
	}
	sort.Strings(okeys)

	it := t.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	// iterator buffers die on Next, so snapshot entries are copied out
	// before advancing
	var itK, itV []byte
	advance := func() bool {
		if !it.Next() {
			itK, itV = nil, nil
			return false
		}
		itK = append(itK[:0], it.Key()...)
		itV = append(itV[:0], it.Value()...)
		return true
	}
	have := advance()

	oi := 0
	for have || oi < len(okeys) {
		var emitK, emitV []byte

		switch {
		case have && oi < len(okeys):
			cmp := bytes.Compare(itK, []byte(okeys[oi]))
			switch {
			case cmp < 0:
				emitK = append([]byte(nil), itK...)
				emitV = append([]byte(nil), itV...)
				have = advance()
			case cmp > 0:
				emitK, emitV = []byte(okeys[oi]), t.overlay[okeys[oi]]
				oi++
			default:
				// overlay shadows the snapshot
				emitK, emitV = []byte(okeys[oi]), t.overlay[okeys[oi]]
				oi++
				have = advance()
			}
		case have:
			emitK = append([]byte(nil), itK...)
			emitV = append([]byte(nil), itV...)
			have = advance()
		default:
			emitK, emitV = []byte(okeys[oi]), t.overlay[okeys[oi]]
			oi++
		}

		if emitV == nil {
			continue // deleted in overlay
		}

		k := make([]byte, len(emitK)-1)
		copy(k, emitK[1:])
		v := make([]byte, len(emitV))
		copy(v, emitV)

		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

var _ Engine = &LevelEngine{}
