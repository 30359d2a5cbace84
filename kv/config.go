package kv

import (
	"fmt"
	"strings"
	"time"
)

// Flags are the environment durability flags.  The names follow the
// LMDB environment flags the harness was first written against; see
// boltOptions for how each one maps onto bbolt.
type Flags uint

const (
	// WriteMap asks for writes to go straight to the mapped memory.
	// bbolt maps the file read-only and writes with pwrite, so the
	// closest equivalent is to stop persisting the freelist.
	WriteMap Flags = 1 << iota
	// MapAsync skips the fsync on every commit.  A crash can lose
	// the most recent commits; Environment.Sync flushes explicitly.
	MapAsync
	// NoTLS lets a read transaction move between threads.  bbolt
	// transactions are never tied to an OS thread, so this is
	// always true and the flag is recorded for reporting only.
	NoTLS
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{WriteMap, "WRITE_MAP"},
	{MapAsync, "MAP_ASYNC"},
	{NoTLS, "NO_TLS"},
}

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// ParseFlags parses a "|" or "," separated list of flag names as
// produced by Flags.String.
func ParseFlags(s string) (f Flags, err error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.ToUpper(strings.TrimSpace(part))
		found := false
		for _, fn := range flagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown flag %q", ErrInvalidConfig, part)
		}
	}
	return
}

// Config describes an environment.
type Config struct {
	// Path is the directory holding the data and lock files.
	Path string
	// MapSize is the mmap ceiling in bytes.  The database is
	// mapped at this size up front so that a writer never has to
	// remap, and so never has to wait for open readers, until the
	// file grows past it.
	MapSize int
	// MaxTables is the maximum number of named tables.
	MaxTables int
	Flags     Flags
	// PageSize overrides the engine page size when non-zero.
	PageSize int
	// Timeout bounds the wait for the engine's file lock.
	Timeout time.Duration
}

// DefaultConfig returns the configuration the harness runs with.
func DefaultConfig() Config {
	return Config{
		Path:      "./test",
		MapSize:   1 << 30,
		MaxTables: 32,
		Flags:     WriteMap | MapAsync | NoTLS,
		Timeout:   10 * time.Second,
	}
}

// Validate checks the configuration before anything touches disk.
func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return fmt.Errorf("%w: empty path", ErrInvalidConfig)
	case c.MapSize <= 0:
		return fmt.Errorf("%w: map size %d", ErrInvalidConfig, c.MapSize)
	case c.MaxTables <= 0:
		return fmt.Errorf("%w: max tables %d", ErrInvalidConfig, c.MaxTables)
	case c.PageSize < 0:
		return fmt.Errorf("%w: page size %d", ErrInvalidConfig, c.PageSize)
	}
	return nil
}
