package zombie

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/zombie/kv"
)

// zombie runs the cli against the environment in dir and returns
// stdout, stderr, and err.  The environment is closed again before
// zombie returns, so each call opens it afresh the way a new process
// would.
func zombie(t *testing.T, dir string, args ...string) (stdout, stderr bytes.Buffer, err error) {
	SetStdio(nil, &stdout, &stderr)
	defer SetStdio(nil, nil, nil)

	config := NewConfig()
	config.Stdout = &stdout
	config.Stderr = &stderr
	var exitRc int
	config.Exit = func(rc int) { exitRc = rc }

	defer func() {
		cerr := kv.Singleton().Close(dir)
		Tassert(t, cerr == nil, "close %s: %v", dir, cerr)
	}()
	defer Return(&err)
	rc, err := Cli(append([]string{"--path", dir}, args...), config)
	if err == nil && (exitRc != 0 || rc != 0) {
		err = fmt.Errorf("rc: %v exitRc: %v\nstderr:\n%s", rc, exitRc, stderr.String())
	}
	return
}

func envDir(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test")
}

// As a user, I want running with no subcommand to run the whole
// sequence and print what each reader saw.
func TestCliRun(t *testing.T) {
	stdout, stderr, err := zombie(t, envDir(t), "--width", "4", "--stat-cmd", "", "--map-size", "67108864")
	Tassert(t, err == nil, "%v\n%s", err, stderr.String())
	out := stdout.String()
	for _, hint := range []string{"drop", "keep"} {
		for _, fill := range []string{"1", "2", "3"} {
			want := "-- read_" + hint + ": " + fill + "\n"
			Tassert(t, strings.Contains(out, want), "missing %q in:\n%s", want, out)
		}
	}
	Tassert(t, strings.Contains(out, "-- reread_keep: 1\n"), out)
	Tassert(t, strings.Count(out, "Environment Info") == 6, out)
}

// As a user, I want the stat subcommand to pass the utility a copy of
// the data file and the table name.
func TestCliStat(t *testing.T) {
	dir := envDir(t)
	stdout, stderr, err := zombie(t, dir, "--stat-cmd", "echo", "--map-size", "67108864", "stat")
	Tassert(t, err == nil, "%v\n%s", err, stderr.String())
	want := "stats " + filepath.Join(dir, kv.SnapshotFile) + " ZOMBIE\n"
	Tassert(t, strings.Contains(stdout.String(), want), stdout.String())
}

// As a user, I want a missing reporting utility to only warn unless I
// ask for strict mode.
func TestCliStrict(t *testing.T) {
	dir := envDir(t)
	_, stderr, err := zombie(t, dir, "--stat-cmd", "zombie-no-such-utility", "--map-size", "67108864", "stat")
	Tassert(t, err == nil, err)
	Tassert(t, strings.Contains(stderr.String(), "warning:"), stderr.String())

	_, _, err = zombie(t, dir, "--stat-cmd", "zombie-no-such-utility", "--strict", "stat")
	Tassert(t, err != nil)
}

// As a user, I want the version subcommand to leave the environment
// directory alone.
func TestCliVersion(t *testing.T) {
	dir := envDir(t)
	stdout, _, err := zombie(t, dir, "version")
	Tassert(t, err == nil, err)
	Tassert(t, strings.Contains(stdout.String(), "zombie "+CodeVersion()), stdout.String())
	Tassert(t, strings.Contains(stdout.String(), "data format "+FormatVersion()), stdout.String())
	_, err = os.Stat(dir)
	Tassert(t, os.IsNotExist(err), err)
}

// As a user, I want an unknown environment flag rejected.
func TestCliBadFlags(t *testing.T) {
	dir := envDir(t)
	_, _, err := zombie(t, dir, "--flags", "NO_SUCH_FLAG", "run")
	Tassert(t, err != nil)
	_, err = os.Stat(dir)
	Tassert(t, os.IsNotExist(err), err)
}
