package record

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/normalize"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
)

// EndKind says why an exchange boundary fired.
type EndKind int

const (
	// EndPromptMatched: the session's expect resolved against a prompt.
	EndPromptMatched EndKind = iota
	// EndTimeout: the configured quiet period elapsed.
	EndTimeout
	// EndChildExited: the child terminated.
	EndChildExited
)

// EndReason carries the boundary kind and, for child exit, the status.
type EndReason struct {
	Kind       EndKind
	ExitCode   int
	ExitSignal *int
}

// RedactionError aborts persistence when a recorded payload still
// carries secret-shaped bytes after redaction.
type RedactionError struct {
	Path   string
	Reason string
}

func (e *RedactionError) Error() string {
	return fmt.Sprintf("refusing to persist %s: %s", e.Path, e.Reason)
}

// Options wires a Recorder.
type Options struct {
	Store *store.Store
	Mode  store.RecordMode
	// Meta is captured at session start; env must already be filtered
	// by the session's allow/ignore policy.
	Meta    tape.Meta
	Session tape.SessionInfo
	NameGen NameGenerator

	InputDecorators  []InputDecorator
	OutputDecorators []OutputDecorator
	TapeDecorators   []TapeDecorator
}

// Recorder tees live child output through a ChunkSink and assembles
// exchanges at the boundaries the session facade signals.
type Recorder struct {
	opts Options
	sink *ChunkSink

	mu       sync.Mutex
	pending  []tape.Exchange
	cur      *openExchange
	preview  string
	path     string
	finished bool

	// now is a seam for tests.
	now func() time.Time
}

type openExchange struct {
	pre   tape.Pre
	input tape.Input
	start time.Time
}

// New builds a recorder. The returned recorder's Sink must be attached
// to the live transport's read tee before any output arrives.
func New(opts Options) *Recorder {
	if opts.NameGen == nil {
		opts.NameGen = DefaultNameGenerator
	}
	return &Recorder{
		opts: opts,
		sink: NewChunkSink(),
		now:  time.Now,
	}
}

// Sink returns the byte sink fed by the live transport.
func (r *Recorder) Sink() *ChunkSink { return r.sink }

// Start opens the implicit startup exchange that captures the banner
// the child prints before any input.
func (r *Recorder) Start(ctx *match.Context) {
	r.OnSend(ctx, nil, tape.InputRaw)
}

// OnSend snapshots the pre-exchange context, stores the (decorated)
// input, and resets the sink. An exchange still open from a previous
// send is flushed first.
func (r *Recorder) OnSend(ctx *match.Context, data []byte, kind tape.InputKind) {
	r.mu.Lock()
	if r.cur != nil {
		r.closeCurrentLocked(ctx, EndReason{Kind: EndTimeout})
	}
	r.mu.Unlock()

	decorated := applyInputDecorators(r.opts.InputDecorators, ctx, data)
	// Inputs are persisted too: a caller typing a password must not
	// land on disk verbatim any more than the child echoing one.
	decorated = normalize.Redact(decorated)

	var input tape.Input
	if kind == tape.InputLine {
		text := string(decorated)
		if strings.HasSuffix(text, "\n") {
			text = strings.TrimSuffix(text, "\n")
			text = strings.TrimSuffix(text, "\r")
		}
		input = tape.LineInput(text)
	} else {
		input = tape.RawInput(decorated)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p := printablePreview(decorated, 64); p != "" {
		r.preview = p
	}
	r.cur = &openExchange{
		pre:   tape.Pre{Prompt: ctx.Prompt, StateHash: ctx.StateHash},
		input: input,
		start: r.now(),
	}
	r.sink.Reset()
}

// OnExchangeEnd closes the open exchange and queues it for
// persistence.
func (r *Recorder) OnExchangeEnd(ctx *match.Context, reason EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCurrentLocked(ctx, reason)
}

func (r *Recorder) closeCurrentLocked(ctx *match.Context, reason EndReason) {
	if r.cur == nil {
		return
	}
	chunks := r.sink.Drain()

	// A startup exchange that captured nothing carries no information;
	// dropping it keeps re-recorded tapes free of empty banner entries.
	// A child exit is still worth keeping even with no output.
	if len(chunks) == 0 && r.cur.input.Kind == tape.InputRaw &&
		len(r.cur.input.Data) == 0 && reason.Kind != EndChildExited {
		r.cur = nil
		return
	}

	chunks = applyOutputDecorators(r.opts.OutputDecorators, ctx, chunks)

	durMs := int(r.now().Sub(r.cur.start).Milliseconds())
	var sum int
	for _, c := range chunks {
		sum += c.DelayMs
	}
	if durMs < sum {
		durMs = sum
	}

	ex := tape.Exchange{
		Pre:    r.cur.pre,
		Input:  r.cur.input,
		Output: chunks,
		DurMs:  durMs,
	}
	if reason.Kind == EndChildExited {
		ex.Exit = &tape.Exit{Code: reason.ExitCode, Signal: reason.ExitSignal}
	}
	r.pending = append(r.pending, ex)
	r.cur = nil
}

// Pending reports how many exchanges await persistence.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) + boolToInt(r.cur != nil)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Finalize assembles the tape and persists it through the store under
// the recorder's mode. Called once at session close; calling again is
// a no-op. An empty pending set writes nothing.
func (r *Recorder) Finalize(ctx *match.Context) error {
	r.mu.Lock()
	if r.cur != nil {
		r.closeCurrentLocked(ctx, EndReason{Kind: EndTimeout})
	}
	if r.finished || len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	exchanges := r.pending
	preview := r.preview
	r.mu.Unlock()

	t := &tape.Tape{
		Meta:      r.opts.Meta,
		Session:   r.opts.Session,
		Exchanges: exchanges,
	}
	t = applyTapeDecorators(r.opts.TapeDecorators, ctx, t)

	rel := r.opts.NameGen(&NameContext{
		Program: r.opts.Meta.Program,
		Preview: preview,
		Now:     r.now(),
	})

	if normalize.RedactionEnabled() {
		if err := checkRedacted(rel, t); err != nil {
			return err
		}
	} else {
		slog.Warn("secret redaction is disabled, persisting tape verbatim", "path", rel)
	}

	if err := r.opts.Store.WriteTape(rel, t, r.opts.Mode); err != nil {
		return err
	}

	r.mu.Lock()
	r.pending = nil
	r.path = rel
	r.finished = true
	r.mu.Unlock()
	return nil
}

// Path returns the tape path chosen by the last Finalize, if any.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// checkRedacted verifies no secret-shaped payload survived redaction.
// Raw non-UTF-8 chunks cannot be scanned and are allowed through; the
// check targets text that the masking pass should have handled.
func checkRedacted(rel string, t *tape.Tape) error {
	for i := range t.Exchanges {
		ex := &t.Exchanges[i]
		if normalize.ContainsSecret(ex.Input.Bytes()) {
			return &RedactionError{Path: rel, Reason: fmt.Sprintf("exchange %d input retains a secret", i)}
		}
		for j, c := range ex.Output {
			if normalize.ContainsSecret(c.Data) {
				return &RedactionError{Path: rel, Reason: fmt.Sprintf("exchange %d chunk %d retains a secret", i, j)}
			}
		}
	}
	return nil
}

// printablePreview collects the printable runes of an input, skipping
// non-printable ones, until at least max bytes are gathered, for the
// tape name generator.
func printablePreview(data []byte, max int) string {
	var b strings.Builder
	for _, r := range string(data) {
		if b.Len() >= max {
			break
		}
		if unicode.IsPrint(r) && r != unicode.ReplacementChar {
			b.WriteRune(r)
		}
	}
	return b.String()
}
