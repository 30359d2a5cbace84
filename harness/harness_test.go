package harness

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/zombie/kv"
	"github.com/stevegt/zombie/probe"
)

func newDriver(t *testing.T, width int) (d *Driver, out *bytes.Buffer) {
	return newDriverMap(t, width, 512<<20)
}

func newDriverMap(t *testing.T, width, mapSize int) (d *Driver, out *bytes.Buffer) {
	cfg := kv.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "env")
	cfg.MapSize = mapSize
	m := kv.NewManager()
	env, err := m.GetOrCreate(cfg)
	Tassert(t, err == nil, err)
	t.Cleanup(func() {
		err := m.Close(cfg.Path)
		Tassert(t, err == nil, "readers left open: %v", err)
	})
	tbl, err := Setup(env)
	Tassert(t, err == nil, err)

	out = &bytes.Buffer{}
	p := probe.New(env)
	p.Command = ""
	p.Stdout = out
	d = New(tbl, p)
	d.Out = out
	d.Width = width
	return
}

// As a caller, I want the full run to report 1, 2, 3 for released
// readers, and 1, 2, 3 again when retained readers are read back
// after all three rewrites.
func TestRun(t *testing.T) {
	d, out := newDriver(t, 8)
	obs, err := d.Run(context.Background())
	Tassert(t, err == nil, err)
	Tassert(t, len(obs) == 9, len(obs))
	for i := 0; i < 3; i++ {
		Tassert(t, obs[i].Hint == "drop" && !obs[i].Reread, obs[i])
		Tassert(t, obs[i].Got == Fills[i] && obs[i].Want == Fills[i], obs[i])
	}
	for i := 0; i < 3; i++ {
		o := obs[3+i]
		Tassert(t, o.Hint == "keep" && !o.Reread && o.Got == Fills[i], o)
		re := obs[6+i]
		Tassert(t, re.Reread && re.Got == Fills[i] && re.TxnID == o.TxnID, re)
	}
	s := out.String()
	for _, want := range []string{"-- read_drop: 1", "-- read_drop: 3", "-- read_keep: 2", "-- reread_keep: 1", "Environment Info"} {
		Tassert(t, strings.Contains(s, want), "missing %q in:\n%s", want, s)
	}
	st, err := d.Table.Env().Stat()
	Tassert(t, err == nil, err)
	Tassert(t, st.Readers == 0, st.Readers)
}

// As a caller, I want retained readers to hold distinct snapshots.
func TestRunCycleKeep(t *testing.T) {
	d, _ := newDriver(t, 4)
	err := d.FullRewrite(WarmFill)
	Tassert(t, err == nil, err)
	obs, err := d.RunCycle(context.Background(), true)
	Tassert(t, err == nil, err)
	Tassert(t, len(obs) == 6, len(obs))
	Tassert(t, obs[0].TxnID < obs[1].TxnID && obs[1].TxnID < obs[2].TxnID, obs)
}

// As a caller, I want the end-to-end scenario over the whole 256x256
// keyspace.
func TestEndToEnd(t *testing.T) {
	d, _ := newDriver(t, Width)
	err := d.FullRewrite(1)
	Tassert(t, err == nil, err)
	r1, err := d.Table.BeginRead()
	Tassert(t, err == nil, err)
	defer r1.Release()
	got, err := d.read(r1, 1)
	Tassert(t, err == nil && got == 1, got, err)

	err = d.FullRewrite(2)
	Tassert(t, err == nil, err)
	r2, err := d.Table.BeginRead()
	Tassert(t, err == nil, err)
	defer r2.Release()
	got, err = d.read(r2, 2)
	Tassert(t, err == nil && got == 2, got, err)

	got, err = d.read(r1, 1)
	Tassert(t, err == nil && got == 1, got, err)
}

// As a caller, I want a value other than the expected fill reported as
// a zombie read.
func TestZombieDetected(t *testing.T) {
	d, _ := newDriver(t, 4)
	err := d.FullRewrite(5)
	Tassert(t, err == nil, err)
	err = d.Table.View(func(r *kv.ReadTxn) error {
		_, err := d.read(r, 6)
		return err
	})
	Tassert(t, errors.Is(err, ErrZombieRead), err)

	d.EntrySize = 10
	err = d.Table.View(func(r *kv.ReadTxn) error {
		_, err := d.read(r, 5)
		return err
	})
	Tassert(t, errors.Is(err, ErrZombieRead), err)
}

// As a caller, I want a missing probe key to stop the cycle.
func TestMissingKey(t *testing.T) {
	d, _ := newDriver(t, 1)
	_, err := d.RunCycle(context.Background(), false)
	Tassert(t, errors.Is(err, kv.ErrNotFound), err)
}

// As a caller, I want a strict probe failure to stop the cycle before
// anything is written.
func TestStrictProbeFails(t *testing.T) {
	d, _ := newDriver(t, 4)
	d.Probe.Command = "zombie-no-such-utility"
	d.Probe.Strict = true
	_, err := d.RunCycle(context.Background(), true)
	Tassert(t, errors.Is(err, probe.ErrReport), err)
	err = d.Table.View(func(r *kv.ReadTxn) error {
		_, err := r.Get(ProbeKey)
		return err
	})
	Tassert(t, errors.Is(err, kv.ErrNotFound), err)
}

// As a user, I want a map too small for the retained readers' versions
// to stop the run with a map-full error instead of hanging, with every
// reader released.
func TestSmallMap(t *testing.T) {
	d, out := newDriverMap(t, Width, 100<<20)
	_, err := d.Run(context.Background())
	Tassert(t, errors.Is(err, kv.ErrMapFull), "%v\n%s", err, out.String())
}
