// Package harness drives the write/read cycles that show whether a
// read transaction held across later writes keeps its snapshot or
// starts returning bytes from reused pages.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/zombie/kv"
	"github.com/stevegt/zombie/probe"
)

const (
	// TableName is the single table under test.
	TableName = "ZOMBIE"
	// EntrySize is the size of every value written.
	EntrySize = 400
	// Width is the number of values of each key byte; keys are two
	// bytes, so a full rewrite covers Width*Width entries.
	Width = 256
	// WarmFill is the fill byte of the rewrite before the cycles.
	WarmFill = 255
)

// ProbeKey is the key read back after every rewrite.
var ProbeKey = []byte{1, 2}

// Fills are the fill bytes of the three rewrites in a cycle.
var Fills = []byte{1, 2, 3}

// ErrZombieRead is returned when a reader sees anything other than
// the value that was current when it was opened.
var ErrZombieRead = errors.New("zombie read")

const banner = "---------------------------"

// Observation is one reader's view of the probe key.
type Observation struct {
	// Hint is "keep" or "drop".
	Hint string
	// Want is the fill byte committed just before the reader was
	// opened, Got the first byte it read.
	Want byte
	Got  byte
	// TxnID is the snapshot the reader saw.
	TxnID int
	// Reread is true for the second read of a retained reader,
	// taken after all of the cycle's rewrites.
	Reread bool
}

// Driver runs the cycles against one table.
type Driver struct {
	Table *kv.Table
	// Probe runs before every rewrite; nil skips it.
	Probe     *probe.Probe
	Out       io.Writer
	Width     int
	EntrySize int
}

// New returns a driver with the standard keyspace and value size.
func New(tbl *kv.Table, p *probe.Probe) *Driver {
	return &Driver{
		Table:     tbl,
		Probe:     p,
		Out:       os.Stdout,
		Width:     Width,
		EntrySize: EntrySize,
	}
}

// Setup creates the table under test in env, once, before any
// concurrent access, and reopens it with must-exist semantics.
func Setup(env *kv.Environment) (tbl *kv.Table, err error) {
	_, err = env.CreateTable(TableName)
	if err != nil {
		return
	}
	return env.OpenTable(TableName)
}

// FullRewrite writes fill under every key of the keyspace in a single
// write transaction.
func (d *Driver) FullRewrite(fill byte) (err error) {
	w, err := d.Table.BeginWrite()
	if err != nil {
		return
	}
	defer w.Abort()
	val := make([]byte, d.EntrySize)
	for i := range val {
		val[i] = fill
	}
	for i := 0; i < d.Width; i++ {
		for j := 0; j < d.Width; j++ {
			err = w.Put([]byte{byte(i), byte(j)}, val)
			if err != nil {
				return
			}
		}
	}
	Debug("rewrite %d: committing txn %d", fill, w.ID())
	return w.Commit()
}

// read reads the probe key and checks that the whole value is fill.
func (d *Driver) read(r *kv.ReadTxn, fill byte) (got byte, err error) {
	val, err := r.Get(ProbeKey)
	if err != nil {
		return
	}
	if len(val) != d.EntrySize {
		return 0, fmt.Errorf("%w: txn %d: value is %d bytes, want %d", ErrZombieRead, r.ID(), len(val), d.EntrySize)
	}
	got = val[0]
	for i, b := range val {
		if b != fill {
			return got, fmt.Errorf("%w: txn %d: byte %d is %d, want %d", ErrZombieRead, r.ID(), i, b, fill)
		}
	}
	return
}

func (d *Driver) report(label, hint string, got byte) (err error) {
	defer Return(&err)
	_, err = fmt.Fprintf(d.Out, "%s\n-- %s_%s: %d\n%s\n", banner, label, hint, got, banner)
	Ck(err)
	return
}

// RunCycle probes, rewrites, and reads once for each of Fills.  With
// keepReaders each reader stays open until the end of the cycle and is
// read again after the last rewrite; it must still see its own fill.
// Every reader is released before RunCycle returns.
func (d *Driver) RunCycle(ctx context.Context, keepReaders bool) (obs []Observation, err error) {
	hint := "drop"
	if keepReaders {
		hint = "keep"
	}
	type held struct {
		r    *kv.ReadTxn
		fill byte
	}
	var kept []held
	defer func() {
		for _, h := range kept {
			h.r.Release()
		}
	}()

	for _, fill := range Fills {
		if d.Probe != nil {
			err = d.Probe.FlushAndReport(ctx, d.Table.Name(), d.Table.Env().Path())
			if err != nil {
				return
			}
		}
		err = d.FullRewrite(fill)
		if err != nil {
			return obs, fmt.Errorf("rewrite %d: %w", fill, err)
		}
		var r *kv.ReadTxn
		r, err = d.Table.BeginRead()
		if err != nil {
			return
		}
		got, rerr := d.read(r, fill)
		if rerr != nil {
			r.Release()
			return obs, fmt.Errorf("read_%s after rewrite %d: %w", hint, fill, rerr)
		}
		obs = append(obs, Observation{Hint: hint, Want: fill, Got: got, TxnID: r.ID()})
		err = d.report("read", hint, got)
		if err != nil {
			r.Release()
			return
		}
		if keepReaders {
			kept = append(kept, held{r, fill})
		} else {
			err = r.Release()
			if err != nil {
				return
			}
		}
	}

	for _, h := range kept {
		got, rerr := d.read(h.r, h.fill)
		if rerr != nil {
			return obs, fmt.Errorf("reread_%s of txn %d: %w", hint, h.r.ID(), rerr)
		}
		obs = append(obs, Observation{Hint: hint, Want: h.fill, Got: got, TxnID: h.r.ID(), Reread: true})
		err = d.report("reread", hint, got)
		if err != nil {
			return
		}
	}
	return
}

// Run warms the table, then runs a cycle releasing readers and a cycle
// keeping them.
func (d *Driver) Run(ctx context.Context) (obs []Observation, err error) {
	err = d.FullRewrite(WarmFill)
	if err != nil {
		return nil, fmt.Errorf("warm: %w", err)
	}
	for _, keep := range []bool{false, true} {
		var o []Observation
		o, err = d.RunCycle(ctx, keep)
		obs = append(obs, o...)
		if err != nil {
			return
		}
	}
	return
}
