package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/policy"
	"github.com/claudecontrol/claude-control/internal/record"
	"github.com/claudecontrol/claude-control/internal/session"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
	"github.com/claudecontrol/claude-control/internal/transport"
)

var recCmd = &cobra.Command{
	Use:   "rec [flags] -- <program> [args...]",
	Short: "Record a live session to a tape (replaying known exchanges)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args, store.RecordNew, session.FallbackProxy)
	},
}

var playCmd = &cobra.Command{
	Use:   "play [flags] -- <program> [args...]",
	Short: "Replay a recorded session without running the program",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args, store.RecordDisabled, session.FallbackNotFound)
	},
}

var proxyCmd = &cobra.Command{
	Use:   "proxy [flags] -- <program> [args...]",
	Short: "Replay on a tape hit, run live and record on a miss",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args, store.RecordNew, session.FallbackProxy)
	},
}

func init() {
	rootCmd.AddCommand(recCmd, playCmd, proxyCmd)
}

// sessionOptions assembles session options from the shared flags.
// mode and fb are the subcommand defaults; explicit flags win except
// where the subcommand forces a value (play never records).
func sessionOptions(args []string, mode store.RecordMode, fb session.FallbackMode, forced bool) (session.Options, error) {
	if recordFlag != "" && !forced {
		parsed, ok := store.ParseRecordMode(recordFlag)
		if !ok {
			return session.Options{}, &usageError{err: fmt.Errorf("invalid --record value %q", recordFlag)}
		}
		mode = parsed
	}
	if fallback != "" {
		parsed, ok := session.ParseFallbackMode(fallback)
		if !ok {
			return session.Options{}, &usageError{err: fmt.Errorf("invalid --fallback value %q", fallback)}
		}
		fb = parsed
	}

	latency, err := policy.ParseLatency(latencyFlag)
	if err != nil {
		return session.Options{}, &usageError{err: err}
	}
	if errorRate < 0 || errorRate > 100 {
		return session.Options{}, &usageError{err: fmt.Errorf("--error-rate must be in [0, 100], got %d", errorRate)}
	}
	fm, err := policy.ParseFaultMode(faultMode)
	if err != nil {
		return session.Options{}, &usageError{err: err}
	}

	opts := session.Options{
		Program:   args[0],
		Args:      args[1:],
		TapesRoot: tapesDir,
		Record:    mode,
		Fallback:  fb,
		MatchPolicy: match.Policy{
			AllowEnv:    allowEnv,
			IgnoreEnv:   ignoreEnv,
			IgnoreArgs:  ignoreArgs,
			IgnoreStdin: ignoreStdin,
		},
		Latency:        latency,
		FaultMode:      fm,
		Summary:        summaryFlag,
		Tag:            tagFlag,
		Version:        rootCmd.Version,
		DefaultTimeout: time.Duration(timeoutMs) * time.Millisecond,
		LogfileRead:    os.Stdout,
	}
	if errorRate > 0 {
		opts.ErrorRate = policy.ConstErrorRate(float64(errorRate))
	}
	if seedSet {
		seed := seedFlag
		opts.Seed = &seed
	}
	if nameFlag != "" {
		opts.NameGen = record.FixedName(nameFlag)
	}
	// Recording inherits the caller's terminal geometry when stdout is
	// a terminal, so replay matches what the user saw.
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
		opts.Cols = uint16(w)
		opts.Rows = uint16(h)
	}
	return opts, nil
}

// runSession bridges stdin lines into the session and mirrors session
// output onto stdout. Each input line becomes one exchange, closed by
// the configured quiet period or child exit.
func runSession(args []string, mode store.RecordMode, fb session.FallbackMode) error {
	forced := mode == store.RecordDisabled
	opts, err := sessionOptions(args, mode, fb, forced)
	if err != nil {
		return err
	}

	s, err := session.New(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	// Strict mode elevates load-time schema problems to failures.
	if strictFlag {
		if diags := s.Store().Diagnostics(); len(diags) > 0 {
			for _, d := range diags {
				fmt.Fprintf(os.Stderr, "%s: %v\n", d.Path, d.Err)
			}
			return &tape.SchemaError{Reason: fmt.Sprintf("%d tape(s) failed to load", len(diags))}
		}
	}

	idle := time.Duration(idleMs) * time.Millisecond

	// Let the banner settle as the implicit startup exchange.
	s.Expect([]transport.Pattern{transport.Timeout()}, idle)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := s.SendLine(scanner.Text()); err != nil {
			return err
		}
		idx, err := s.Expect([]transport.Pattern{transport.EOF(), transport.Timeout()}, idle)
		if err != nil {
			if errors.Is(err, session.ErrEOF) {
				break
			}
			return err
		}
		if idx == 0 || !s.IsAlive() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading stdin: %w", err)
	}

	return s.Close()
}
