// Package cli defines the cobra command tree for the claude-control
// binary: rec, play, proxy, and the tapes maintenance subcommands.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/claudecontrol/claude-control/internal/replay"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
)

// Exit codes per the CLI contract.
const (
	ExitOK         = 0
	ExitTapeMiss   = 2
	ExitValidation = 3
	ExitIO         = 4
	ExitUsage      = 64
)

// usageError marks CLI misuse so Execute maps it to exit 64.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

var (
	tapesDir    string
	recordFlag  string
	fallback    string
	latencyFlag string
	errorRate   int
	summaryFlag bool
	silentFlag  bool
	debugFlag   bool
	allowEnv    []string
	ignoreEnv   []string
	ignoreArgs  []string
	ignoreStdin bool
	nameFlag    string
	tagFlag     string
	seedFlag    int64
	seedSet     bool
	faultMode   string
	timeoutMs   int
	idleMs      int
)

var rootCmd = &cobra.Command{
	Use:   "claude-control",
	Short: "Record and replay interactive terminal sessions",
	Long: `claude-control records deterministic "tapes" of interactive
terminal sessions and replays them against callers that expect to
drive a live command-line program.

rec captures live behavior to a tape; play replays stored tapes
without running the program; proxy replays on a hit and falls back to
live execution (recording the result) on a miss. The tapes
subcommands list, validate, redact, and diff tape files.`,
	Example: `  # Record a sqlite session
  claude-control rec --tapes ./tapes -- sqlite3 -batch

  # Replay it without running sqlite3
  claude-control play --tapes ./tapes -- sqlite3 -batch

  # Replay hits, record misses
  claude-control proxy --tapes ./tapes -- sqlite3 -batch

  # Maintenance
  claude-control tapes list
  claude-control tapes validate --strict
  claude-control tapes redact --write
  claude-control tapes diff a.json5 b.json5`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		seedSet = cmd.Flags().Changed("seed")
		configureLogging()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&tapesDir, "tapes", "./tapes", "tape directory")
	pf.StringVar(&recordFlag, "record", "", "record mode: new|overwrite|disabled")
	pf.StringVar(&fallback, "fallback", "", "fallback mode on tape miss: not_found|proxy")
	pf.StringVar(&latencyFlag, "latency", "", "replay latency: <ms> or <min>,<max>")
	pf.IntVar(&errorRate, "error-rate", 0, "probability (0-100) of injecting a fault per chunk")
	pf.BoolVar(&summaryFlag, "summary", true, "print the exit summary of new and unused tapes")
	pf.BoolVar(&silentFlag, "silent", false, "only log errors")
	pf.BoolVar(&debugFlag, "debug", false, "enable debug logging")
	pf.StringSliceVar(&allowEnv, "allow-env", nil, "env vars admitted into the match key")
	pf.StringSliceVar(&ignoreEnv, "ignore-env", nil, "env vars excluded from the match key")
	pf.StringSliceVar(&ignoreArgs, "ignore-args", nil, "argument indices or values (or \"cwd\") to ignore")
	pf.BoolVar(&ignoreStdin, "ignore-stdin", false, "ignore input bytes when matching")
	pf.StringVar(&nameFlag, "name", "", "fixed tape name instead of the generated one")
	pf.BoolVar(&strictFlag, "strict", false, "treat tape schema problems as fatal")
	pf.StringVar(&tagFlag, "tag", "", "tag stored in the tape metadata")
	pf.Int64Var(&seedFlag, "seed", 0, "seed for replay latency and fault injection")
	pf.StringVar(&faultMode, "fault-mode", "truncate", "injected fault shape: truncate|exit")
	pf.IntVar(&timeoutMs, "timeout", 30000, "default expect timeout in milliseconds")
	pf.IntVar(&idleMs, "idle", 1000, "quiet period that ends an exchange, in milliseconds")
}

func configureLogging() {
	level := slog.LevelInfo
	if debugFlag {
		level = slog.LevelDebug
	}
	if silentFlag {
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the CLI and maps error kinds onto the documented exit
// codes.
func Execute(version string) int {
	rootCmd.Version = version
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var miss *replay.MissError
	if errors.As(err, &miss) {
		fmt.Fprintln(os.Stderr, miss.Diff())
		return ExitTapeMiss
	}
	var schema *tape.SchemaError
	if errors.As(err, &schema) {
		return ExitValidation
	}
	var ioErr *store.IOError
	var lockErr *store.LockError
	if errors.As(err, &ioErr) || errors.As(err, &lockErr) {
		return ExitIO
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	return 1
}
