package kv

import (
	"fmt"

	. "github.com/stevegt/goadapt"
	bolt "go.etcd.io/bbolt"
)

// Table is a named key-value table inside an environment.  A Table is
// only a name bound to its environment, so it may be shared freely
// between goroutines.
type Table struct {
	env  *Environment
	name string
}

func checkTableName(name string) error {
	if name == "" || name == metaBucket {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}

// countTables counts user tables, leaving out the meta bucket.
func countTables(tx *bolt.Tx) (n int) {
	tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		if string(name) != metaBucket {
			n++
		}
		return nil
	})
	return
}

// CreateTable opens name, creating it if it does not exist.  Creation
// holds the environment exclusively; call it once, up front, and not
// while holding a WriteTxn, which would deadlock on the writer lock.
func (env *Environment) CreateTable(name string) (t *Table, err error) {
	err = checkTableName(name)
	if err != nil {
		return
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	h, err := env.retain(true)
	if err != nil {
		return
	}
	defer h.drop()

	err = env.bdb.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) != nil {
			return nil
		}
		if n := countTables(tx); n >= env.cfg.MaxTables {
			return fmt.Errorf("%w: %d of %d in use, cannot create %q", ErrTooManyTables, n, env.cfg.MaxTables, name)
		}
		Debug("creating table %s", name)
		_, err := tx.CreateBucket([]byte(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Table{env: env, name: name}, nil
}

// OpenTable opens an existing table.  It is safe to call from any
// number of goroutines; it fails with ErrTableNotFound if the table
// was never created.
func (env *Environment) OpenTable(name string) (t *Table, err error) {
	err = checkTableName(name)
	if err != nil {
		return
	}
	env.mu.RLock()
	defer env.mu.RUnlock()
	h, err := env.retain(false)
	if err != nil {
		return
	}
	defer h.drop()

	err = env.bdb.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return fmt.Errorf("%w: %q", ErrTableNotFound, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Table{env: env, name: name}, nil
}

// Tables lists the user tables.
func (env *Environment) Tables() (names []string, err error) {
	defer Return(&err)
	err = env.bdb.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if string(name) != metaBucket {
				names = append(names, string(name))
			}
			return nil
		})
	})
	Ck(err)
	return
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Env returns the table's environment.
func (t *Table) Env() *Environment {
	return t.env
}

// View runs fn in a read transaction that is released when fn
// returns, errors, or panics.
func (t *Table) View(fn func(*ReadTxn) error) (err error) {
	txn, err := t.BeginRead()
	if err != nil {
		return
	}
	defer txn.Release()
	return fn(txn)
}

// Update runs fn in a write transaction and commits it if fn returns
// nil.  On error or panic the transaction is aborted.
func (t *Table) Update(fn func(*WriteTxn) error) (err error) {
	txn, err := t.BeginWrite()
	if err != nil {
		return
	}
	defer txn.Abort()
	err = fn(txn)
	if err != nil {
		return
	}
	return txn.Commit()
}
