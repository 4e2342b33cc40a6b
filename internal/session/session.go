package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/policy"
	"github.com/claudecontrol/claude-control/internal/record"
	"github.com/claudecontrol/claude-control/internal/replay"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
	"github.com/claudecontrol/claude-control/internal/transport"
)

// ConfigError reports an invalid session option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid session option %s: %s", e.Field, e.Reason)
}

// FallbackMode controls behavior when replay misses.
type FallbackMode string

const (
	// FallbackNotFound raises the miss to the caller.
	FallbackNotFound FallbackMode = "not_found"
	// FallbackProxy spawns a live child and records the rest of the
	// session.
	FallbackProxy FallbackMode = "proxy"
)

// ParseFallbackMode parses a CLI fallback value.
func ParseFallbackMode(s string) (FallbackMode, bool) {
	switch FallbackMode(s) {
	case FallbackNotFound, FallbackProxy:
		return FallbackMode(s), true
	}
	return "", false
}

// Options configures a Session.
type Options struct {
	Program string
	Args    []string
	// Env is the child environment; nil inherits the process env.
	Env map[string]string
	Cwd string

	TapesRoot string
	Record    store.RecordMode
	Fallback  FallbackMode

	MatchPolicy   match.Policy
	Latency       policy.Latency
	ErrorRate     policy.ErrorRate
	FaultMode     policy.FaultMode
	FaultExitCode int
	Seed          *int64

	Rows           uint16
	Cols           uint16
	DefaultTimeout time.Duration

	Summary       bool
	SummaryWriter io.Writer

	Tag     string
	Version string
	NameGen record.NameGenerator

	InputDecorators  []record.InputDecorator
	OutputDecorators []record.OutputDecorator
	TapeDecorators   []record.TapeDecorator

	// LogfileRead observes every output byte, live or replayed.
	LogfileRead io.Writer
}

// Session is the caller-facing facade: it selects a transport per the
// record/fallback modes and routes send/expect/close through it,
// recording exchanges on the live path.
type Session struct {
	opts    Options
	id      string
	store   *store.Store
	builder *match.KeyBuilder
	seed    int64

	mu     sync.Mutex
	tr     transport.Transport
	rec    *record.Recorder
	ctx    match.Context
	live   bool
	closed bool
	// closeErr is remembered so Close stays idempotent.
	closeErr error
}

// New constructs a session: loads and indexes the tape store, then
// instantiates the replay transport (record disabled, or record new with
// proxy fallback) or otherwise spawns the live child.
func New(opts Options) (*Session, error) {
	if opts.Program == "" {
		return nil, &ConfigError{Field: "Program", Reason: "must not be empty"}
	}
	if opts.Record == "" {
		opts.Record = store.RecordNew
	}
	if _, ok := store.ParseRecordMode(string(opts.Record)); !ok {
		return nil, &ConfigError{Field: "Record", Reason: fmt.Sprintf("unknown mode %q", opts.Record)}
	}
	if opts.Fallback == "" {
		opts.Fallback = FallbackNotFound
	}
	if opts.TapesRoot == "" {
		opts.TapesRoot = "./tapes"
	}
	if opts.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		opts.Cwd = cwd
	}
	if opts.Env == nil {
		opts.Env = environMap()
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.SummaryWriter == nil {
		opts.SummaryWriter = os.Stdout
	}

	st := store.New(opts.TapesRoot)
	if err := st.LoadAll(); err != nil {
		return nil, err
	}
	for _, d := range st.Diagnostics() {
		slog.Warn("tape failed to load", "path", d.Path, "error", d.Err)
	}
	builder := match.NewKeyBuilder(opts.MatchPolicy)
	st.BuildIndex(builder)

	day := time.Now().UTC().Format("2006-01-02")
	seed := policy.ResolveSeed(nil, opts.Seed, opts.Program, opts.Args, day)

	s := &Session{
		opts:    opts,
		id:      uuid.NewString(),
		store:   st,
		builder: builder,
		seed:    seed,
		ctx: match.Context{
			Program: opts.Program,
			Args:    opts.Args,
			Env:     opts.Env,
			Cwd:     opts.Cwd,
		},
	}

	// Replay is viable when recording is off, or when proxy fallback
	// lets recorded exchanges satisfy hits while misses go live.
	// Overwrite always runs live: its whole point is re-capturing.
	replayFirst := opts.Record == store.RecordDisabled ||
		(opts.Record == store.RecordNew && opts.Fallback == FallbackProxy)

	if replayFirst {
		rt := replay.New(replay.Options{
			Store:         st,
			Ctx:           s.ctx,
			Latency:       opts.Latency,
			ErrorRate:     opts.ErrorRate,
			FaultMode:     opts.FaultMode,
			FaultExitCode: opts.FaultExitCode,
			Seed:          seed,
		})
		if opts.LogfileRead != nil {
			rt.SetLogfileRead(opts.LogfileRead)
		}
		rt.Start()
		s.tr = rt
		slog.Debug("session started in replay mode",
			"id", s.id, "program", opts.Program, "tapes", st.Len())
		return s, nil
	}

	if err := s.spawnLive(); err != nil {
		return nil, err
	}
	slog.Debug("session started in live mode",
		"id", s.id, "program", opts.Program, "record", string(opts.Record))
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Store exposes the session's tape store, for summaries and tooling.
func (s *Session) Store() *store.Store { return s.store }

// Live reports whether the session currently drives a real child.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Session) spawnLive() error {
	rec := record.New(record.Options{
		Store:            s.store,
		Mode:             s.opts.Record,
		Meta:             s.captureMeta(),
		Session:          s.sessionInfo(),
		NameGen:          s.nameGen(),
		InputDecorators:  s.opts.InputDecorators,
		OutputDecorators: s.opts.OutputDecorators,
		TapeDecorators:   s.opts.TapeDecorators,
	})
	// The startup exchange opens before the child can emit its banner.
	rec.Start(&s.ctx)

	lt, err := SpawnLive(LiveOptions{
		Program:     s.opts.Program,
		Args:        s.opts.Args,
		Env:         s.opts.Env,
		Cwd:         s.opts.Cwd,
		Rows:        s.opts.Rows,
		Cols:        s.opts.Cols,
		LogfileRead: newCompositeWriter(s.opts.LogfileRead, rec.Sink()),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tr = lt
	s.rec = rec
	s.live = true
	s.mu.Unlock()
	return nil
}

func (s *Session) captureMeta() tape.Meta {
	env := map[string]string{}
	for _, kv := range s.builder.FilterEnv(s.opts.Env) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	meta := tape.Meta{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Program:   s.opts.Program,
		Args:      s.opts.Args,
		Env:       env,
		Cwd:       s.opts.Cwd,
		PTY:       &tape.PTYSize{Rows: int(s.opts.Rows), Cols: int(s.opts.Cols)},
		Tag:       s.opts.Tag,
		Latency:   s.opts.Latency.MetaValue(),
		ErrorRate: s.opts.ErrorRate.MetaValue(),
	}
	if s.opts.Seed != nil {
		seed := *s.opts.Seed
		meta.Seed = &seed
	}
	return meta
}

func (s *Session) sessionInfo() tape.SessionInfo {
	return tape.SessionInfo{
		Platform: runtime.GOOS,
		Version:  s.opts.Version,
		Flags: map[string]string{
			"record":   string(s.opts.Record),
			"fallback": string(s.opts.Fallback),
		},
	}
}

func (s *Session) nameGen() record.NameGenerator {
	if s.opts.NameGen != nil {
		return s.opts.NameGen
	}
	return record.DefaultNameGenerator
}

// Send forwards raw bytes: to the child (recording the exchange) or to
// the replay transport. A replay miss under proxy fallback hands the
// session over to a fresh live child.
func (s *Session) Send(data []byte) (int, error) {
	return s.send(data, tape.InputRaw)
}

// SendLine sends a newline-terminated line.
func (s *Session) SendLine(text string) (int, error) {
	return s.send([]byte(text+"\n"), tape.InputLine)
}

func (s *Session) send(data []byte, kind tape.InputKind) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("session is closed")
	}
	tr, live := s.tr, s.live
	s.mu.Unlock()

	if live {
		s.rec.OnSend(&s.ctx, data, kind)
		return tr.Send(data)
	}

	var n int
	var err error
	if kind == tape.InputLine {
		text := strings.TrimSuffix(string(data), "\n")
		n, err = tr.SendLine(text)
	} else {
		n, err = tr.Send(data)
	}
	var miss *replay.MissError
	if err != nil && errors.As(err, &miss) && s.opts.Fallback == FallbackProxy {
		return s.proxyHandoff(data, kind, miss)
	}
	return n, err
}

// proxyHandoff replaces the replay transport with a live child and
// replays the missed input against it.
func (s *Session) proxyHandoff(data []byte, kind tape.InputKind, miss *replay.MissError) (int, error) {
	slog.Info("tape miss, falling back to live child",
		"program", s.opts.Program, "input", miss.Components.Input)

	s.mu.Lock()
	if rt, ok := s.tr.(*replay.Transport); ok {
		// Carry the replay-side prompt context into the live session.
		s.ctx.Prompt = rt.Context().Prompt
		rt.Close()
	}
	s.mu.Unlock()

	if err := s.spawnLive(); err != nil {
		return 0, fmt.Errorf("proxy fallback failed: %w", err)
	}
	s.rec.OnSend(&s.ctx, data, kind)
	return s.tr.Send(data)
}

// Expect waits for one of the patterns on the session's transport and,
// on the live path, signals the recorder's exchange boundary.
func (s *Session) Expect(patterns []transport.Pattern, timeout time.Duration) (int, error) {
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}
	s.mu.Lock()
	tr, live := s.tr, s.live
	s.mu.Unlock()

	idx, err := tr.Expect(patterns, timeout)
	if !live {
		return idx, err
	}

	switch {
	case err == nil:
		reason := record.EndReason{Kind: record.EndPromptMatched}
		switch patterns[idx].Kind {
		case transport.KindEOF:
			reason = s.exitReason(tr)
		case transport.KindTimeout:
			reason.Kind = record.EndTimeout
		default:
			s.mu.Lock()
			s.ctx.Prompt = string(tr.Matched())
			s.mu.Unlock()
		}
		s.rec.OnExchangeEnd(&s.ctx, reason)
	case errors.Is(err, ErrEOF):
		s.rec.OnExchangeEnd(&s.ctx, s.exitReason(tr))
	default:
		var te *transport.ExpectTimeoutError
		if errors.As(err, &te) {
			s.rec.OnExchangeEnd(&s.ctx, record.EndReason{Kind: record.EndTimeout})
		}
	}
	return idx, err
}

func (s *Session) exitReason(tr transport.Transport) record.EndReason {
	reason := record.EndReason{Kind: record.EndChildExited}
	if status := tr.ExitStatus(); status != nil {
		reason.ExitCode = status.Code
		reason.ExitSignal = status.Signal
	}
	return reason
}

// ExpectExact waits for one of the literal strings.
func (s *Session) ExpectExact(literals []string, timeout time.Duration) (int, error) {
	patterns := make([]transport.Pattern, len(literals))
	for i, l := range literals {
		patterns[i] = transport.Exact(l)
	}
	return s.Expect(patterns, timeout)
}

// Before returns the bytes preceding the last match.
func (s *Session) Before() []byte { return s.transport().Before() }

// After returns the bytes following the last match.
func (s *Session) After() []byte { return s.transport().After() }

// Matched returns the last matched bytes.
func (s *Session) Matched() []byte { return s.transport().Matched() }

// IsAlive reports whether the underlying child (real or replayed) is
// still running.
func (s *Session) IsAlive() bool { return s.transport().IsAlive() }

// ExitStatus returns the child's exit status, if latched.
func (s *Session) ExitStatus() *transport.ExitStatus { return s.transport().ExitStatus() }

func (s *Session) transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// Close finalizes recording, shuts the transport down, and prints the
// exit summary when enabled. Idempotent: the first close's outcome is
// remembered.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	tr, rec, live := s.tr, s.rec, s.live
	s.mu.Unlock()

	var closeErr error
	if live {
		if lt, ok := tr.(*Live); ok {
			status := lt.Terminate(500 * time.Millisecond)
			rec.OnExchangeEnd(&s.ctx, record.EndReason{
				Kind:       record.EndChildExited,
				ExitCode:   status.Code,
				ExitSignal: status.Signal,
			})
			lt.Close()
		}
		if err := rec.Finalize(&s.ctx); err != nil {
			closeErr = err
		}
	} else if tr != nil {
		tr.Close()
	}

	if s.opts.Summary {
		store.WriteSummary(s.opts.SummaryWriter, s.store.Summarize())
	}

	s.mu.Lock()
	s.closeErr = closeErr
	s.mu.Unlock()
	slog.Debug("session closed", "id", s.id, "error", closeErr)
	return closeErr
}

// environMap parses the process environment into a map.
func environMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// compositeWriter fans output bytes out to every configured sink, in
// order. A failing sink is skipped, not fatal.
type compositeWriter struct {
	writers []io.Writer
}

func newCompositeWriter(writers ...io.Writer) io.Writer {
	var active []io.Writer
	for _, w := range writers {
		if w != nil {
			active = append(active, w)
		}
	}
	return &compositeWriter{writers: active}
}

func (c *compositeWriter) Write(p []byte) (int, error) {
	for _, w := range c.writers {
		if _, err := w.Write(p); err != nil {
			slog.Warn("output sink write failed", "error", err)
		}
	}
	return len(p), nil
}
