// Package probe flushes an environment and reports its page usage
// between harness phases.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/zombie/kv"
)

// ErrReport is returned in strict mode when the reporting utility is
// missing or fails.
var ErrReport = errors.New("report failed")

// DefaultCommand is bbolt's own inspection tool.  The argument
// placeholders {data}, {path}, and {table} are expanded per call.
// {data} names a snapshot of the data file taken for the call: the
// live file is flocked by this process, and bbolt would wait on it
// forever.
var (
	DefaultCommand = "bbolt"
	DefaultArgs    = []string{"stats", "{data}", "{table}"}
)

// Probe flushes an environment and reports on it.  The external
// utility's output is passed through, never parsed.
type Probe struct {
	Env     *kv.Environment
	Command string
	Args    []string
	Stdout  io.Writer
	Stderr  io.Writer
	// Strict makes a missing or failing utility an error rather
	// than a warning.
	Strict bool
}

// New returns a probe for env using the default utility.
func New(env *kv.Environment) *Probe {
	return &Probe{
		Env:     env,
		Command: DefaultCommand,
		Args:    DefaultArgs,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

// FlushAndReport syncs the environment, writes the in-process page
// report for table, then runs the external utility against path.
func (p *Probe) FlushAndReport(ctx context.Context, table, path string) (err error) {
	defer Return(&err)
	err = p.Env.Sync()
	Ck(err)

	st, err := p.Env.Stat()
	Ck(err)
	_, err = st.WriteTo(p.Stdout)
	Ck(err)
	ts, err := p.Env.TableStat(table)
	if err != nil {
		p.warn("%v", err)
	} else {
		_, err = ts.WriteTo(p.Stdout)
		Ck(err)
	}

	return p.runUtility(ctx, table, path)
}

func (p *Probe) runUtility(ctx context.Context, table, path string) error {
	if p.Command == "" {
		return nil
	}
	bin, err := exec.LookPath(p.Command)
	if err != nil {
		return p.fail("%s not found: %v", p.Command, err)
	}
	data := ""
	for _, a := range p.Args {
		if strings.Contains(a, "{data}") {
			data = filepath.Join(path, kv.SnapshotFile)
			break
		}
	}
	if data != "" {
		err = p.Env.Snapshot(data)
		if err != nil {
			return p.fail("snapshot %s: %v", data, err)
		}
		defer os.Remove(data)
	}
	args := expand(p.Args, table, path, data)
	Debug("running %s %s", bin, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	err = cmd.Run()
	if err != nil {
		return p.fail("%s %s: %v", p.Command, strings.Join(args, " "), err)
	}
	return nil
}

// expand fills in the argument placeholders.
func expand(args []string, table, path, data string) (out []string) {
	r := strings.NewReplacer(
		"{data}", data,
		"{path}", path,
		"{table}", table,
	)
	for _, a := range args {
		out = append(out, r.Replace(a))
	}
	return
}

func (p *Probe) fail(format string, args ...interface{}) error {
	if p.Strict {
		return fmt.Errorf("%w: %s", ErrReport, fmt.Sprintf(format, args...))
	}
	p.warn(format, args...)
	return nil
}

func (p *Probe) warn(format string, args ...interface{}) {
	Fpf(p.Stderr, "warning: "+format+"\n", args...)
}
