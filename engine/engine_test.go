package engine

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]func() Engine {
	return map[string]func() Engine{
		"bolt": func() Engine {
			// presized: bolt holds back a map-growing commit until open
			// read transactions finish, and the snapshot isolation test
			// commits while a view is open
			e, err := OpenBolt(filepath.Join(t.TempDir(), "store.bolt"), BoltOptions{InitialMmapSize: 1 << 20})
			require.NoError(t, err)
			return e
		},
		"level": func() Engine {
			e, err := OpenLevel(filepath.Join(t.TempDir(), "store.level"))
			require.NoError(t, err)
			return e
		},
	}
}

func TestEngineBasic(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close() //nolint:errcheck

			err := e.Update(func(tx Tx) error {
				require.NoError(t, tx.Put(Values, []byte("a"), []byte("1")))
				require.NoError(t, tx.Put(Values, []byte("b"), []byte("2")))
				require.NoError(t, tx.Put(Roots, []byte("a"), []byte("root")))
				return nil
			})
			require.NoError(t, err)

			err = e.View(func(tx Tx) error {
				v, err := tx.Get(Values, []byte("a"))
				require.NoError(t, err)
				require.Equal(t, []byte("1"), v)

				// tables don't bleed into each other
				v, err = tx.Get(Roots, []byte("a"))
				require.NoError(t, err)
				require.Equal(t, []byte("root"), v)

				v, err = tx.Get(Values, []byte("missing"))
				require.NoError(t, err)
				require.Nil(t, v)

				return nil
			})
			require.NoError(t, err)

			err = e.Update(func(tx Tx) error {
				return tx.Delete(Values, []byte("a"))
			})
			require.NoError(t, err)

			err = e.View(func(tx Tx) error {
				v, err := tx.Get(Values, []byte("a"))
				require.NoError(t, err)
				require.Nil(t, v)
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, e.Sync())
		})
	}
}

func TestEngineScanOrder(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close() //nolint:errcheck

			err := e.Update(func(tx Tx) error {
				for _, k := range []string{"c", "a", "b"} {
					if err := tx.Put(Refct0, []byte(k), []byte(k)); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, err)

			var got []string
			err = e.View(func(tx Tx) error {
				return tx.Scan(Refct0, func(k, v []byte) (bool, error) {
					got = append(got, string(k))
					return true, nil
				})
			})
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b", "c"}, got)

			// early stop
			got = got[:0]
			err = e.View(func(tx Tx) error {
				return tx.Scan(Refct0, func(k, v []byte) (bool, error) {
					got = append(got, string(k))
					return len(got) < 2, nil
				})
			})
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, got)
		})
	}
}

func TestEngineUpdateReadsOwnWrites(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close() //nolint:errcheck

			err := e.Update(func(tx Tx) error {
				return tx.Put(Refct0, []byte("b"), []byte("old"))
			})
			require.NoError(t, err)

			err = e.Update(func(tx Tx) error {
				require.NoError(t, tx.Put(Refct0, []byte("a"), []byte("new")))
				require.NoError(t, tx.Put(Refct0, []byte("b"), []byte("new")))
				require.NoError(t, tx.Put(Refct0, []byte("c"), []byte("gone")))
				require.NoError(t, tx.Delete(Refct0, []byte("c")))

				v, err := tx.Get(Refct0, []byte("b"))
				require.NoError(t, err)
				require.Equal(t, []byte("new"), v)

				var keys []string
				err = tx.Scan(Refct0, func(k, v []byte) (bool, error) {
					keys = append(keys, string(k))
					require.Equal(t, []byte("new"), v)
					return true, nil
				})
				require.NoError(t, err)
				require.Equal(t, []string{"a", "b"}, keys)

				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestEngineUpdateAbort(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close() //nolint:errcheck

			boom := require.New(t)

			err := e.Update(func(tx Tx) error {
				boom.NoError(tx.Put(Values, []byte("k"), []byte("v")))
				return errAbort
			})
			require.ErrorIs(t, err, errAbort)

			err = e.View(func(tx Tx) error {
				v, err := tx.Get(Values, []byte("k"))
				require.NoError(t, err)
				require.Nil(t, v)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestEngineSnapshotIsolation(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e := open()
			defer e.Close() //nolint:errcheck

			err := e.Update(func(tx Tx) error {
				return tx.Put(Values, []byte("k"), []byte("old"))
			})
			require.NoError(t, err)

			inView := make(chan struct{})
			wrote := make(chan struct{})

			go func() {
				<-inView
				err := e.Update(func(tx Tx) error {
					return tx.Put(Values, []byte("k"), []byte("new"))
				})
				require.NoError(t, err)
				close(wrote)
			}()

			err = e.View(func(tx Tx) error {
				v, err := tx.Get(Values, []byte("k"))
				require.NoError(t, err)
				require.Equal(t, []byte("old"), v)

				close(inView)
				<-wrote

				// the snapshot must not observe the concurrent commit
				v, err = tx.Get(Values, []byte("k"))
				require.NoError(t, err)
				require.Equal(t, []byte("old"), v)
				return nil
			})
			require.NoError(t, err)

			err = e.View(func(tx Tx) error {
				v, err := tx.Get(Values, []byte("k"))
				require.NoError(t, err)
				require.Equal(t, []byte("new"), v)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

var errAbort = errors.New("abort")
