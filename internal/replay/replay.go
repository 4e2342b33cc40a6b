// Package replay implements the surrogate child process that resolves
// inputs against the tape store and re-emits recorded output with
// configurable pacing and fault injection.
package replay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/policy"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
	"github.com/claudecontrol/claude-control/internal/transport"
)

// ErrClosed is returned for operations on a closed transport.
var ErrClosed = errors.New("replay transport is closed")

// ErrNotAlive is returned when sending after the replayed child exited.
var ErrNotAlive = errors.New("replayed child has exited")

// Options configures a replay transport.
type Options struct {
	Store *store.Store
	// Ctx is the session's matching context; the prompt component is
	// updated as exchanges resolve.
	Ctx           match.Context
	Latency       policy.Latency
	ErrorRate     policy.ErrorRate
	FaultMode     policy.FaultMode
	FaultExitCode int
	Seed          int64
}

// Transport replays recorded exchanges behind the pexpect-shaped
// transport surface. A dedicated streaming goroutine paces chunk
// emission; the caller's expect blocks on a condition variable it
// feeds.
type Transport struct {
	opts Options

	mu   sync.Mutex
	cond *sync.Cond
	rng  *rand.Rand
	// seedAdopted is set once a matched tape's meta.seed reseeds the
	// generator.
	seedAdopted bool

	ctx       match.Context
	buf       []byte
	logfile   io.Writer
	before    []byte
	after     []byte
	matched   []byte
	spanStart int
	spanEnd   int
	exit      *transport.ExitStatus
	closed    bool
	streaming bool
	injected  *InjectedError
	// exchanges counts resolved sends, for injection diagnostics.
	exchanges int
	gen       int
}

var _ transport.Transport = (*Transport)(nil)

// New builds a replay transport over an indexed store.
func New(opts Options) *Transport {
	t := &Transport{
		opts: opts,
		rng:  policy.NewRNG(opts.Seed),
		ctx:  opts.Ctx,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start replays the implicit startup exchange (empty raw input against
// the starting prompt) when the tape carries one. A miss here is
// benign: the tape simply recorded no banner.
func (t *Transport) Start() {
	entry, ok := t.opts.Store.FindMatch(&t.ctx, tape.RawInput(nil))
	if !ok {
		return
	}
	t.playEntry(entry)
}

// SetPrompt updates the prompt component used for subsequent lookups.
func (t *Transport) SetPrompt(prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx.Prompt = prompt
}

// SetStateHash updates the state-hash component used for lookups.
func (t *Transport) SetStateHash(h string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx.StateHash = h
}

// Context returns a copy of the current matching context.
func (t *Transport) Context() match.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// Send resolves raw input bytes against the store and streams the
// matched exchange. A miss returns *MissError; the caller decides
// whether that is fatal or triggers a proxy handoff.
func (t *Transport) Send(data []byte) (int, error) {
	if err := t.handleSend(tape.RawInput(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// SendLine resolves a line input.
func (t *Transport) SendLine(text string) (int, error) {
	if err := t.handleSend(tape.LineInput(text)); err != nil {
		return 0, err
	}
	return len(text) + 1, nil
}

func (t *Transport) handleSend(in tape.Input) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.exit != nil {
		t.mu.Unlock()
		return ErrNotAlive
	}
	ctx := t.ctx
	t.mu.Unlock()

	entry, ok := t.opts.Store.FindMatch(&ctx, in)
	if !ok {
		return t.missError(&ctx, in)
	}
	t.playEntry(entry)
	return nil
}

func (t *Transport) playEntry(entry store.Entry) {
	tp, ex, rel := t.opts.Store.Exchange(entry)
	t.opts.Store.MarkUsed(rel)

	latency := t.opts.Latency
	if override, ok := policy.LatencyFromMeta(tp.Meta.Latency); ok {
		latency = override
	}
	errRate := t.opts.ErrorRate
	if override, ok := policy.ErrorRateFromMeta(tp.Meta.ErrorRate); ok {
		errRate = override
	}

	t.mu.Lock()
	if tp.Meta.Seed != nil && !t.seedAdopted {
		t.rng = policy.NewRNG(*tp.Meta.Seed)
		t.seedAdopted = true
	}
	t.exchanges++
	exchangeIdx := t.exchanges - 1
	t.streaming = true
	t.gen++
	gen := t.gen
	ctx := t.ctx
	t.mu.Unlock()

	go t.stream(gen, exchangeIdx, &ctx, ex, latency, errRate)
}

// stream paces the matched exchange's chunks into the output buffer.
// The error draw happens before every chunk after the first so a
// truncation always leaves the exchange's opening bytes observable.
func (t *Transport) stream(gen, exchangeIdx int, ctx *match.Context, ex *tape.Exchange, latency policy.Latency, errRate policy.ErrorRate) {
	defer func() {
		t.mu.Lock()
		if gen == t.gen {
			t.streaming = false
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}()

	for i := range ex.Output {
		chunk := &ex.Output[i]

		if i > 0 {
			t.mu.Lock()
			inject := errRate.ShouldInject(ctx, t.rng)
			t.mu.Unlock()
			if inject {
				t.injectFault(gen, exchangeIdx)
				return
			}
		}

		t.mu.Lock()
		delay := latency.Resolve(ctx, chunk.DelayMs, t.rng)
		stale := gen != t.gen || t.closed
		t.mu.Unlock()
		if stale {
			return
		}
		if delay > 0 {
			time.Sleep(time.Duration(delay) * time.Millisecond)
		}

		t.mu.Lock()
		if gen != t.gen || t.closed {
			t.mu.Unlock()
			return
		}
		logfile := t.logfile
		t.mu.Unlock()

		if logfile != nil {
			if _, err := logfile.Write(chunk.Data); err != nil {
				slog.Warn("logfile sink write failed", "error", err)
			}
		}

		t.mu.Lock()
		if gen != t.gen || t.closed {
			t.mu.Unlock()
			return
		}
		t.buf = append(t.buf, chunk.Data...)
		t.cond.Broadcast()
		t.mu.Unlock()
	}

	if ex.Exit != nil {
		t.mu.Lock()
		if gen == t.gen {
			t.exit = &transport.ExitStatus{Code: ex.Exit.Code, Signal: ex.Exit.Signal}
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

func (t *Transport) injectFault(gen, exchangeIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	switch t.opts.FaultMode {
	case policy.FaultExit:
		code := t.opts.FaultExitCode
		if code == 0 {
			code = 1
		}
		t.exit = &transport.ExitStatus{Code: code}
	default:
		t.injected = &InjectedError{AtExchange: exchangeIdx}
	}
	t.cond.Broadcast()
}

// Expect scans the output buffer for the pattern set, draining chunks
// as the streaming goroutine emits them, up to the timeout.
func (t *Transport) Expect(patterns []transport.Pattern, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if m, ok := transport.MatchBuffer(t.buf, patterns); ok {
			t.before = append([]byte(nil), t.buf[:m.Start]...)
			t.after = append([]byte(nil), t.buf[m.End:]...)
			t.matched = append([]byte(nil), t.buf[m.Start:m.End]...)
			t.spanStart, t.spanEnd = m.Start, m.End
			t.ctx.Prompt = string(t.matched)
			t.buf = append([]byte(nil), t.buf[m.End:]...)
			return m.Index, nil
		}

		if t.injected != nil {
			err := t.injected
			t.injected = nil
			return 0, err
		}

		if t.closed {
			return 0, &transport.CancelledError{}
		}

		if !t.streaming && t.exit != nil && len(t.buf) == 0 {
			if idx := transport.IndexOf(patterns, transport.KindEOF); idx >= 0 {
				return idx, nil
			}
		}

		if !time.Now().Before(deadline) {
			if idx := transport.IndexOf(patterns, transport.KindTimeout); idx >= 0 {
				return idx, nil
			}
			return 0, &transport.ExpectTimeoutError{RecentOutput: transport.RecentLines(t.buf, 50)}
		}

		t.cond.Wait()
	}
}

// ExpectExact matches literal strings.
func (t *Transport) ExpectExact(literals []string, timeout time.Duration) (int, error) {
	patterns := make([]transport.Pattern, len(literals))
	for i, l := range literals {
		patterns[i] = transport.Exact(l)
	}
	return t.Expect(patterns, timeout)
}

// IsAlive reports whether the replayed child is still notionally
// running: false after the terminal exchange's exit was streamed.
func (t *Transport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.exit == nil
}

// Terminate shuts the replayed child down. There is no real process,
// so the grace period is not waited out; the latched exit status (or
// a clean zero) is returned.
func (t *Transport) Terminate(_ time.Duration) *transport.ExitStatus {
	t.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exit == nil {
		t.exit = &transport.ExitStatus{Code: 0}
	}
	return t.exit
}

// Close shuts the transport down. Idempotent. Any in-flight expect
// returns Cancelled.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.gen++
	t.cond.Broadcast()
	return nil
}

// Before returns the bytes preceding the last match.
func (t *Transport) Before() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.before
}

// After returns the bytes following the last match.
func (t *Transport) After() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.after
}

// Matched returns the bytes of the last match.
func (t *Transport) Matched() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matched
}

// MatchSpan returns the last match's range.
func (t *Transport) MatchSpan() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spanStart, t.spanEnd
}

// ExitStatus returns the latched exit status, if any.
func (t *Transport) ExitStatus() *transport.ExitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exit
}

// SetLogfileRead installs a sink observing replayed bytes in emission
// order.
func (t *Transport) SetLogfileRead(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logfile = w
}

// missError assembles the diagnostic for an unmatched input: the
// requested key components plus the three nearest stored keys by
// Hamming distance, ties broken by input edit distance.
func (t *Transport) missError(ctx *match.Context, in tape.Input) error {
	builder := t.opts.Store.Builder()
	if builder == nil {
		builder = match.NewKeyBuilder(match.Policy{})
	}
	wanted := builder.BuildKey(ctx, in)
	wantedComponents := builder.Components(ctx, in)

	var nearest []NearMiss
	t.opts.Store.ForEachKey(func(key match.Key, e store.Entry) {
		tp, ex, rel := t.opts.Store.Exchange(e)
		exCtx := match.TapeContext(&tp.Meta, ex)
		nearest = append(nearest, NearMiss{
			Distance:   wanted.HammingDistance(key),
			Path:       rel,
			Exchange:   e.Exchange,
			Components: builder.Components(exCtx, ex.Input),
		})
	})
	sort.Slice(nearest, func(i, j int) bool {
		if nearest[i].Distance != nearest[j].Distance {
			return nearest[i].Distance < nearest[j].Distance
		}
		di := levenshtein.ComputeDistance(wantedComponents.Input, nearest[i].Components.Input)
		dj := levenshtein.ComputeDistance(wantedComponents.Input, nearest[j].Components.Input)
		if di != dj {
			return di < dj
		}
		if nearest[i].Path != nearest[j].Path {
			return nearest[i].Path < nearest[j].Path
		}
		return nearest[i].Exchange < nearest[j].Exchange
	})
	if len(nearest) > 3 {
		nearest = nearest[:3]
	}
	return &MissError{Components: wantedComponents, Nearest: nearest}
}

// DrainTimeout is a helper bound for callers that want to wait for the
// current exchange to finish streaming without matching anything.
func (t *Transport) DrainTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.streaming {
		if t.closed {
			return &transport.CancelledError{}
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("exchange still streaming after %v", timeout)
		}
		t.cond.Wait()
	}
	return nil
}
