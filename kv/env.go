// Package kv is the transaction layer over bbolt used by the harness:
// one shared environment per directory, tables created once and opened
// many times, snapshot read transactions, and a single writer.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/semver"
	bolt "go.etcd.io/bbolt"
)

const (
	// DataFile and LockFile are created inside Config.Path.
	DataFile = "data.db"
	LockFile = "lock"
	// SnapshotFile is where the probe copies the data for outside
	// tools.
	SnapshotFile = "snapshot.db"

	// FormatVersion is the on-disk format written by this code.
	FormatVersion = "1.0.0"

	metaBucket = "__meta"
	formatKey  = "format"

	// leafOverhead is bbolt's per-entry leaf element header.
	leafOverhead = 16
)

// Environment owns one memory-mapped database file.  It is shared by
// every Table and transaction opened against the same path; see
// Manager for how instances are handed out.
type Environment struct {
	path string
	cfg  Config
	bdb  *bolt.DB
	lock *flock.Flock

	// mu is held exclusively while a table is created and shared
	// while one is opened.
	mu sync.RWMutex

	// refmu guards the transaction accounting below.
	refmu   sync.Mutex
	readers int
	writers int
	closed  bool
}

// openEnvironment does the one physical creation for a path.  cfg.Path
// must already be canonical.
func openEnvironment(cfg Config) (env *Environment, err error) {
	var lock *flock.Flock
	var bdb *bolt.DB
	defer func() {
		if err == nil {
			return
		}
		if bdb != nil {
			bdb.Close()
		}
		if lock != nil {
			lock.Unlock()
		}
	}()
	defer Return(&err)

	err = cfg.Validate()
	if err != nil {
		return
	}
	err = os.MkdirAll(cfg.Path, 0755)
	Ck(err)

	// one process per directory; bbolt's own flock only covers the
	// data file and would make a second process wait, not fail
	lock = flock.New(filepath.Join(cfg.Path, LockFile))
	Debug("locking %s...", lock.Path())
	locked, err := lock.TryLock()
	Ck(err)
	if !locked {
		lock = nil
		return nil, fmt.Errorf("%w: %s is in use by another process", ErrEnvironmentBusy, cfg.Path)
	}

	dbfn := filepath.Join(cfg.Path, DataFile)
	opts := boltOptions(cfg)
	Debug("opening %s with flags %s, map size %d", dbfn, cfg.Flags, cfg.MapSize)
	bdb, err = bolt.Open(dbfn, 0600, opts)
	Ck(err)

	env = &Environment{
		path: cfg.Path,
		cfg:  cfg,
		bdb:  bdb,
		lock: lock,
	}
	err = env.checkFormat()
	if err != nil {
		env = nil
	}
	return
}

// boltOptions translates the environment flags into bbolt options.
func boltOptions(cfg Config) *bolt.Options {
	opts := &bolt.Options{
		Timeout:         cfg.Timeout,
		InitialMmapSize: cfg.MapSize,
		PageSize:        cfg.PageSize,
		FreelistType:    bolt.FreelistArrayType,
	}
	if cfg.Flags.Has(MapAsync) {
		opts.NoSync = true
		opts.NoGrowSync = true
	}
	if cfg.Flags.Has(WriteMap) {
		opts.NoFreelistSync = true
		opts.FreelistType = bolt.FreelistMapType
	}
	return opts
}

// checkFormat stamps a new file with FormatVersion and refuses files
// written by a newer format.
func (env *Environment) checkFormat() (err error) {
	code, err := semver.Parse([]byte(FormatVersion))
	if err != nil {
		return
	}
	return env.bdb.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		raw := b.Get([]byte(formatKey))
		if raw == nil {
			return b.Put([]byte(formatKey), []byte(FormatVersion))
		}
		stored, err := semver.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: format %q: %v", ErrIncompatibleFormat, raw, err)
		}
		switch c := semver.Cmp(stored, code); {
		case c > 0:
			return fmt.Errorf("%w: %s is format %s, this code writes %s", ErrIncompatibleFormat, env.path, raw, FormatVersion)
		case c < 0:
			Debug("upgrading format %s to %s", raw, FormatVersion)
			return b.Put([]byte(formatKey), []byte(FormatVersion))
		}
		return nil
	})
}

// Format returns the format version stored in the data file.
func (env *Environment) Format() (format string, err error) {
	err = env.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if b == nil {
			return fmt.Errorf("%w: no meta bucket", ErrIncompatibleFormat)
		}
		format = string(b.Get([]byte(formatKey)))
		return nil
	})
	return
}

// Path returns the canonical environment directory.
func (env *Environment) Path() string {
	return env.path
}

// DataPath returns the path of the data file.
func (env *Environment) DataPath() string {
	return env.bdb.Path()
}

// Config returns the configuration the environment was created with.
func (env *Environment) Config() Config {
	return env.cfg
}

// Sync forces pending writes to disk.  With MapAsync set nothing
// else does.
func (env *Environment) Sync() (err error) {
	defer Return(&err)
	h, err := env.retain(false)
	if err != nil {
		return
	}
	defer h.drop()
	err = env.bdb.Sync()
	Ck(err)
	return
}

// Snapshot writes a consistent copy of the committed data to dst.  The
// copy can be opened by other processes while env is live.
func (env *Environment) Snapshot(dst string) (err error) {
	defer Return(&err)
	h, err := env.retain(false)
	if err != nil {
		return
	}
	defer h.drop()
	err = env.bdb.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dst, 0600)
	})
	Ck(err)
	return
}

// checkRoom refuses a commit of dirty leaf bytes that might grow the
// file past MapSize.  Growing past the mapped region makes bbolt remap,
// and the remap waits for every open reader.
func (env *Environment) checkRoom(tx *bolt.Tx, dirty int64) error {
	if dirty == 0 {
		return nil
	}
	ps := int64(env.bdb.Info().PageSize)
	st := env.bdb.Stats()
	env.refmu.Lock()
	readers := env.readers
	env.refmu.Unlock()

	reusable := int64(st.FreePageN)
	if readers == 0 {
		// nothing pins the pages freed by the last commit
		reusable += int64(st.PendingPageN)
	}
	// split leaves are left half full; dirty/8 covers branches and
	// the freelist
	need := 2*dirty + dirty/8 + 16*ps
	grow := need - reusable*ps
	if grow < 0 {
		grow = 0
	}
	used := tx.Size()
	if used+grow >= int64(env.cfg.MapSize) {
		return fmt.Errorf("%w: %d bytes in use, commit may need %d more, map size is %d",
			ErrMapFull, used, grow, env.cfg.MapSize)
	}
	return nil
}

// close tears the environment down.  It is only reachable through
// Manager.Close.
func (env *Environment) close() (err error) {
	env.refmu.Lock()
	defer env.refmu.Unlock()
	if env.closed {
		return nil
	}
	if env.readers+env.writers > 0 {
		return fmt.Errorf("%w: %d readers, %d writers", ErrEnvironmentBusy, env.readers, env.writers)
	}
	env.closed = true
	err = env.bdb.Close()
	uerr := env.lock.Unlock()
	if err == nil {
		err = uerr
	}
	return
}

// handle is a counted reference to an environment, held by every
// transaction for as long as its engine transaction is open.
type handle struct {
	env      *Environment
	writable bool
	once     sync.Once
}

func (env *Environment) retain(writable bool) (h *handle, err error) {
	env.refmu.Lock()
	defer env.refmu.Unlock()
	if env.closed {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentClosed, env.path)
	}
	if writable {
		env.writers++
	} else {
		env.readers++
	}
	return &handle{env: env, writable: writable}, nil
}

func (h *handle) drop() {
	h.once.Do(func() {
		env := h.env
		env.refmu.Lock()
		defer env.refmu.Unlock()
		if h.writable {
			env.writers--
		} else {
			env.readers--
		}
	})
}
