package engine

import (
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// BoltEngine is the default backing engine: a memory-mapped B+tree with
// named buckets, one writer, and free pages reused only once no read
// transaction can still observe them. Opened with NoSync so commit and fsync
// stay separate; the writer calls Sync for durable batches.
type BoltEngine struct {
	db *bolt.DB
}

type BoltOptions struct {
	// InitialMmapSize presizes the map so early growth doesn't block
	// readers; the file still grows past it on demand.
	InitialMmapSize int
}

func OpenBolt(path string, opts BoltOptions) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{
		InitialMmapSize: opts.InitialMmapSize,
	})
	if err != nil {
		return nil, xerrors.Errorf("open bolt (%s): %w", path, err)
	}
	db.NoSync = true

	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return xerrors.Errorf("create bucket %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("create tables: %w", err)
	}

	return &BoltEngine{db: db}, nil
}

func (e *BoltEngine) View(fn func(Tx) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (e *BoltEngine) Update(fn func(Tx) error) error {
	return wrapFull(e.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	}))
}

func (e *BoltEngine) Sync() error {
	if err := e.db.Sync(); err != nil {
		return xerrors.Errorf("bolt sync: %w", err)
	}
	return nil
}

func (e *BoltEngine) Close() error {
	return e.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(table string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, xerrors.Errorf("no table %s", table)
	}
	return b, nil
}

func (t *boltTx) Get(table string, key []byte) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	// bolt slices alias the mmap and die with the tx
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTx) Put(table string, key, val []byte) error {
	if !t.tx.Writable() {
		return xerrors.Errorf("put in read-only tx")
	}
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Put(key, val)
}

func (t *boltTx) Delete(table string, key []byte) error {
	if !t.tx.Writable() {
		return xerrors.Errorf("delete in read-only tx")
	}
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *boltTx) Scan(table string, fn func(key, val []byte) (bool, error)) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		ck := make([]byte, len(k))
		copy(ck, k)
		cv := make([]byte, len(v))
		copy(cv, v)

		cont, err := fn(ck, cv)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

var _ Engine = &BoltEngine{}
