package kv

import (
	"fmt"
	"io"
	"os"

	. "github.com/stevegt/goadapt"
	bolt "go.etcd.io/bbolt"
)

// Stat is a point-in-time view of an environment's page accounting.
// PendingPages is the number of pages freed by committed writers but
// withheld from reuse because an older reader may still see them.
type Stat struct {
	Path     string
	Flags    Flags
	PageSize int
	FileSize int64
	MapSize  int

	// Readers and Writers count open transactions held through
	// this package.
	Readers int
	Writers int

	FreePages    int
	PendingPages int
	FreeAlloc    int
	// EngineOpenTxns and EngineReadTxns come from the engine and
	// include its own internal transactions.
	EngineOpenTxns int
	EngineReadTxns int
}

// Stat returns the environment's current page accounting.
func (env *Environment) Stat() (st Stat, err error) {
	defer Return(&err)
	env.refmu.Lock()
	st.Readers = env.readers
	st.Writers = env.writers
	closed := env.closed
	env.refmu.Unlock()
	if closed {
		return st, fmt.Errorf("%w: %s", ErrEnvironmentClosed, env.path)
	}

	fi, err := os.Stat(env.bdb.Path())
	Ck(err)
	bs := env.bdb.Stats()
	st.Path = env.path
	st.Flags = env.cfg.Flags
	st.PageSize = env.bdb.Info().PageSize
	st.FileSize = fi.Size()
	st.MapSize = env.cfg.MapSize
	st.FreePages = bs.FreePageN
	st.PendingPages = bs.PendingPageN
	st.FreeAlloc = bs.FreeAlloc
	st.EngineOpenTxns = bs.OpenTxN
	st.EngineReadTxns = bs.TxN
	return
}

// TableStat is the page layout of one table.
type TableStat struct {
	Name          string
	Keys          int
	Depth         int
	BranchPages   int
	LeafPages     int
	OverflowPages int
	LeafInuse     int
	LeafAlloc     int
}

// TableStat returns the page layout of the named table.
func (env *Environment) TableStat(name string) (ts TableStat, err error) {
	err = env.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return fmt.Errorf("%w: %q", ErrTableNotFound, name)
		}
		bs := b.Stats()
		ts = TableStat{
			Name:          name,
			Keys:          bs.KeyN,
			Depth:         bs.Depth,
			BranchPages:   bs.BranchPageN,
			LeafPages:     bs.LeafPageN,
			OverflowPages: bs.BranchOverflowN + bs.LeafOverflowN,
			LeafInuse:     bs.LeafInuse,
			LeafAlloc:     bs.LeafAlloc,
		}
		return nil
	})
	return
}

// WriteTo writes st in the key: value layout of mdb_stat -e.
func (st Stat) WriteTo(w io.Writer) (n int64, err error) {
	c, err := fmt.Fprintf(w, "Environment Info\n"+
		"  Path: %s\n"+
		"  Flags: %s\n"+
		"  Map size: %d\n"+
		"  File size: %d\n"+
		"  Page size: %d\n"+
		"  Readers: %d\n"+
		"  Writers: %d\n"+
		"Freelist Status\n"+
		"  Free pages: %d\n"+
		"  Pending pages: %d\n"+
		"  Free bytes: %d\n"+
		"  Engine open txns: %d\n"+
		"  Engine read txns: %d\n",
		st.Path, st.Flags, st.MapSize, st.FileSize, st.PageSize,
		st.Readers, st.Writers,
		st.FreePages, st.PendingPages, st.FreeAlloc,
		st.EngineOpenTxns, st.EngineReadTxns)
	return int64(c), err
}

// WriteTo writes ts in the same layout as Stat.WriteTo.
func (ts TableStat) WriteTo(w io.Writer) (n int64, err error) {
	c, err := fmt.Fprintf(w, "Status of %s\n"+
		"  Tree depth: %d\n"+
		"  Branch pages: %d\n"+
		"  Leaf pages: %d\n"+
		"  Overflow pages: %d\n"+
		"  Entries: %d\n"+
		"  Leaf bytes: %d of %d\n",
		ts.Name, ts.Depth, ts.BranchPages, ts.LeafPages, ts.OverflowPages,
		ts.Keys, ts.LeafInuse, ts.LeafAlloc)
	return int64(c), err
}
