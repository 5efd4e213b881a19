package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
)

const version = "0.4.0"

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1 // a check, verification or heartbeat failed
	exitRuntime = 2 // usage, configuration or I/O error
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a non-zero exit code out of a command without printing usage.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func failed(format string, args ...any) error {
	return &exitError{code: exitFailed, msg: fmt.Sprintf(format, args...)}
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			_, _ = fmt.Fprintln(stderr, "Error:", ee.msg)
		}
		return ee.code
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return exitRuntime
}

// cli carries per-invocation state shared by the subcommands.
type cli struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "regtruth",
		Short: "Regulatory truth pipeline",
		Long: `regtruth turns fetched regulatory documents into quote-backed, versioned rules.

Evidence is hashed and stored, facts are extracted under a verbatim quote
contract, rules are composed, reviewed, arbitrated and released, and the
store is checked against its integrity invariants.

Configuration hierarchy (highest to lowest priority):
  1. CLI flags
  2. Environment variables (REGTRUTH_*, then DATABASE_URL, LOG_LEVEL, ...)
  3. Config file (--config)
  4. Defaults`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("database-url", "", "database URL (postgres://, sqlite://); empty uses an SQLite file under --data-dir")
	pf.String("data-dir", "", "directory for the embedded database and evidence blobs")
	pf.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("log-format", "", "log format (text, json)")
	for _, name := range []string{"config", "database-url", "data-dir", "log-level", "log-format"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}
	c.v.SetEnvPrefix("REGTRUTH")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.migrateCmd(),
		c.validateCmd(),
		c.heartbeatCmd(),
		c.runCmd(),
		c.repairCmd(),
		c.releaseCmd(),
		c.selectCmd(),
		c.traceCmd(),
		c.tokenCmd(),
		c.approveCmd(),
		c.rejectCmd(),
		c.resolveCmd(),
		c.discoverCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "regtruth v%s\n", version)
			},
		},
	)
	return root
}

// config resolves the configuration: defaults, file, process environment,
// then REGTRUTH_* variables and flags.
func (c *cli) config() (*config.Config, error) {
	var cfg *config.Config
	if path := c.v.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}

	override := func(dst *string, key string) {
		if c.v.IsSet(key) {
			if v := c.v.GetString(key); v != "" {
				*dst = v
			}
		}
	}
	override(&cfg.DatabaseURL, "database-url")
	override(&cfg.DataDir, "data-dir")
	override(&cfg.LogLevel, "log-level")
	override(&cfg.LogFormat, "log-format")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open resolves configuration and wires the application. Logs go to stderr so
// stdout carries only command output.
func (c *cli) open(ctx context.Context, proposer extractor.Proposer) (*app, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, c.stderr)
	return openApp(ctx, cfg, logger, proposer)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
