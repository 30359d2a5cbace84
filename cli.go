package zombie

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/zombie/harness"
	"github.com/stevegt/zombie/kv"
	"github.com/stevegt/zombie/probe"
)

// cmdline is parsed with kong.  Every flag defaults to the fixed
// harness setup, so running with no arguments runs the standard
// sequence.
type cmdline struct {
	Path      string `help:"Environment directory." default:"${path}"`
	MapSize   int    `help:"Map size ceiling in bytes." default:"${mapsize}"`
	MaxTables int    `help:"Maximum number of tables." default:"${maxtables}"`
	Flags     string `help:"Environment flags." default:"${flags}"`
	StatCmd   string `help:"Reporting utility run between phases; empty disables it." default:"${statcmd}"`
	Strict    bool   `help:"Fail if the reporting utility is missing or fails."`
	Width     int    `help:"Values per key byte." default:"${width}" hidden:""`
	Verbose   bool   `short:"v" help:"Show debug information on stderr."`

	Run     struct{} `cmd:"" default:"1" help:"Run the zombie read sequence (default)."`
	Stat    struct{} `cmd:"" help:"Flush the environment and report page usage."`
	Version struct{} `cmd:"" help:"Show version of zombie and its data format."`
}

// Config contains the configuration for the zombie CLI.
type Config struct {
	// Name is the name of the program
	Name string
	// Description is a short description of the program
	Description string
	// Version is the version of the program
	Version string
	// Exit is the function to call to exit the program
	Exit   func(int)
	Stdout io.Writer
	Stderr io.Writer
}

// NewConfig returns a new Config struct with default values populated
func NewConfig() *Config {
	return &Config{
		Name:        "zombie",
		Description: "Checks whether long-lived read transactions see data from reused pages.",
		Version:     CodeVersion(),
		Exit:        func(i int) { os.Exit(i) },
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Cli parses the given arguments and then executes the appropriate
// subcommand.
func Cli(args []string, config *Config) (rc int, err error) {
	defer Return(&err)

	defaults := kv.DefaultConfig()
	options := []kong.Option{
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.Vars{
			"version":   config.Version,
			"path":      defaults.Path,
			"mapsize":   strconv.Itoa(defaults.MapSize),
			"maxtables": strconv.Itoa(defaults.MaxTables),
			"flags":     defaults.Flags.String(),
			"statcmd":   probe.DefaultCommand,
			"width":     strconv.Itoa(harness.Width),
		},
	}

	var cli cmdline
	parser, err := kong.New(&cli, options...)
	Ck(err)
	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	Ck(err)

	if cli.Verbose {
		os.Setenv("DEBUG", "1")
	}
	Debug("ctx: %+v", ctx)

	cfg := defaults
	cfg.Path = cli.Path
	cfg.MapSize = cli.MapSize
	cfg.MaxTables = cli.MaxTables
	cfg.Flags, err = kv.ParseFlags(cli.Flags)
	Ck(err)

	switch ctx.Command() {
	case "run":
		var p *probe.Probe
		var tbl *kv.Table
		p, tbl, err = open(cfg, &cli, config)
		Ck(err)
		d := harness.New(tbl, p)
		d.Out = config.Stdout
		d.Width = cli.Width
		_, err = d.Run(context.Background())
		Ck(err)
	case "stat":
		var p *probe.Probe
		var tbl *kv.Table
		p, tbl, err = open(cfg, &cli, config)
		Ck(err)
		err = p.FlushAndReport(context.Background(), tbl.Name(), p.Env.Path())
		Ck(err)
	case "version":
		Fpf(config.Stdout, "zombie %s\ndata format %s\n", CodeVersion(), FormatVersion())
	default:
		Fpf(config.Stderr, "Error: unrecognized command %q\n", ctx.Command())
		rc = 1
	}
	return
}

// open acquires the shared environment, sets up the table under test,
// and returns a probe configured from the command line.
func open(cfg kv.Config, cli *cmdline, config *Config) (p *probe.Probe, tbl *kv.Table, err error) {
	env, err := kv.Acquire(cfg)
	if err != nil {
		return
	}
	tbl, err = harness.Setup(env)
	if err != nil {
		return
	}
	p = probe.New(env)
	p.Command = cli.StatCmd
	p.Strict = cli.Strict
	p.Stdout = config.Stdout
	p.Stderr = config.Stderr
	return
}
