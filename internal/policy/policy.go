// Package policy resolves replay pacing, fault injection, and seeding.
// Policy resolution never fails: a broken callable logs a warning; a
// latency callable then falls back to the recorded delay, and an
// error-rate callable injects no fault.
package policy

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/claudecontrol/claude-control/internal/match"
)

// MaxLatencyMs bounds every resolved latency.
const MaxLatencyMs = 60_000

// LatencyFunc computes a latency for a matching context.
type LatencyFunc func(ctx *match.Context) (int, error)

// Latency resolves the per-chunk delay during replay. The zero value
// replays the recorded delays.
type Latency struct {
	kind   latencyKind
	c      int
	lo, hi int
	fn     LatencyFunc
}

type latencyKind int

const (
	latencyRecorded latencyKind = iota
	latencyConst
	latencyRange
	latencyFunc
)

// RecordedLatency replays each chunk's recorded delay.
func RecordedLatency() Latency { return Latency{} }

// ConstLatency always resolves to the given milliseconds.
func ConstLatency(ms int) Latency { return Latency{kind: latencyConst, c: ms} }

// RangeLatency samples uniformly from [lo, hi] milliseconds.
func RangeLatency(lo, hi int) Latency {
	if hi < lo {
		lo, hi = hi, lo
	}
	return Latency{kind: latencyRange, lo: lo, hi: hi}
}

// FuncLatency resolves through a callable.
func FuncLatency(fn LatencyFunc) Latency { return Latency{kind: latencyFunc, fn: fn} }

// IsRecorded reports whether this policy replays recorded delays.
func (l Latency) IsRecorded() bool { return l.kind == latencyRecorded }

// Resolve returns the delay in milliseconds for one chunk, clamped to
// [0, MaxLatencyMs]. rng is consulted only for range policies.
func (l Latency) Resolve(ctx *match.Context, recordedMs int, rng *rand.Rand) int {
	var ms int
	switch l.kind {
	case latencyConst:
		ms = l.c
	case latencyRange:
		ms = l.lo + rng.Intn(l.hi-l.lo+1)
	case latencyFunc:
		v, err := l.fn(ctx)
		if err != nil {
			slog.Warn("latency callable failed, using recorded delay", "error", err)
			ms = recordedMs
		} else {
			ms = v
		}
	default:
		ms = recordedMs
	}
	return clampLatency(ms)
}

func clampLatency(ms int) int {
	if ms < 0 {
		return 0
	}
	if ms > MaxLatencyMs {
		return MaxLatencyMs
	}
	return ms
}

// MetaValue renders the policy as a tape-meta override value, or nil
// when it has no serializable form (recorded delays, callables).
func (l Latency) MetaValue() any {
	switch l.kind {
	case latencyConst:
		return l.c
	case latencyRange:
		return []any{l.lo, l.hi}
	default:
		return nil
	}
}

// ParseLatency parses a CLI latency flag: "<ms>" or "<min>,<max>".
func ParseLatency(s string) (Latency, error) {
	if s == "" {
		return RecordedLatency(), nil
	}
	if lo, hi, ok := strings.Cut(s, ","); ok {
		loMs, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return Latency{}, fmt.Errorf("invalid latency range %q: %w", s, err)
		}
		hiMs, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return Latency{}, fmt.Errorf("invalid latency range %q: %w", s, err)
		}
		return RangeLatency(loMs, hiMs), nil
	}
	ms, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Latency{}, fmt.Errorf("invalid latency %q: %w", s, err)
	}
	return ConstLatency(ms), nil
}

// LatencyFromMeta interprets a tape's latency override: a number, a
// [lo, hi] pair, or an expression string. nil and 0 mean "no
// override". ok is false when the tape carries no usable override.
func LatencyFromMeta(v any) (Latency, bool) {
	switch val := v.(type) {
	case nil:
		return Latency{}, false
	case float64:
		if val == 0 {
			return Latency{}, false
		}
		return ConstLatency(int(val)), true
	case int:
		if val == 0 {
			return Latency{}, false
		}
		return ConstLatency(val), true
	case []any:
		if len(val) != 2 {
			return Latency{}, false
		}
		lo, okLo := asInt(val[0])
		hi, okHi := asInt(val[1])
		if !okLo || !okHi {
			return Latency{}, false
		}
		return RangeLatency(lo, hi), true
	case string:
		l, err := ExprLatency(val)
		if err != nil {
			slog.Warn("invalid latency expression in tape meta", "expr", val, "error", err)
			return Latency{}, false
		}
		return l, true
	default:
		return Latency{}, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// ErrorRateFunc computes an injection percentage for a context.
type ErrorRateFunc func(ctx *match.Context) (float64, error)

// ErrorRate resolves the probability (percent) of injecting a fault
// into an in-flight replay. The zero value never injects.
type ErrorRate struct {
	set  bool
	rate float64
	fn   ErrorRateFunc
}

// NoErrors never injects.
func NoErrors() ErrorRate { return ErrorRate{} }

// ConstErrorRate injects with the given percentage in [0, 100].
func ConstErrorRate(pct float64) ErrorRate { return ErrorRate{set: true, rate: pct} }

// FuncErrorRate resolves the percentage through a callable.
func FuncErrorRate(fn ErrorRateFunc) ErrorRate { return ErrorRate{set: true, fn: fn} }

// IsZero reports whether this policy can ever inject.
func (e ErrorRate) IsZero() bool { return !e.set }

// ShouldInject draws from rng and reports whether a fault fires. The
// draw happens even for a zero rate so the decision sequence stays
// aligned across configurations with the same seed.
func (e ErrorRate) ShouldInject(ctx *match.Context, rng *rand.Rand) bool {
	u := rng.Float64() * 100
	if !e.set {
		return false
	}
	rate := e.rate
	if e.fn != nil {
		v, err := e.fn(ctx)
		if err != nil {
			slog.Warn("error-rate callable failed, not injecting", "error", err)
			return false
		}
		rate = v
	}
	if rate <= 0 {
		return false
	}
	return u < rate
}

// MetaValue renders the policy as a tape-meta override value, or nil
// for the zero policy and callables.
func (e ErrorRate) MetaValue() any {
	if !e.set || e.fn != nil {
		return nil
	}
	return e.rate
}

// ErrorRateFromMeta interprets a tape's errorRate override.
func ErrorRateFromMeta(v any) (ErrorRate, bool) {
	switch val := v.(type) {
	case nil:
		return ErrorRate{}, false
	case float64:
		if val == 0 {
			return ErrorRate{}, false
		}
		return ConstErrorRate(val), true
	case int:
		if val == 0 {
			return ErrorRate{}, false
		}
		return ConstErrorRate(float64(val)), true
	case string:
		e, err := ExprErrorRate(val)
		if err != nil {
			slog.Warn("invalid error-rate expression in tape meta", "expr", val, "error", err)
			return ErrorRate{}, false
		}
		return e, true
	default:
		return ErrorRate{}, false
	}
}

// FaultMode selects how an injected fault manifests.
type FaultMode int

const (
	// FaultTruncate cuts the output stream mid-exchange; the next
	// expect observes an injected error.
	FaultTruncate FaultMode = iota
	// FaultExit latches a non-zero exit status instead.
	FaultExit
)

// ParseFaultMode parses a CLI fault-mode flag.
func ParseFaultMode(s string) (FaultMode, error) {
	switch s {
	case "", "truncate":
		return FaultTruncate, nil
	case "exit":
		return FaultExit, nil
	default:
		return 0, fmt.Errorf("unknown fault mode %q", s)
	}
}

// ResolveSeed applies the seed precedence: tape seed, then session
// seed, then a deterministic derivation from the invocation and the
// wall-clock day.
func ResolveSeed(tapeSeed, sessionSeed *int64, program string, args []string, day string) int64 {
	if tapeSeed != nil {
		return *tapeSeed
	}
	if sessionSeed != nil {
		return *sessionSeed
	}
	var b strings.Builder
	b.WriteString(program)
	for _, a := range args {
		b.WriteByte(0x1f)
		b.WriteString(a)
	}
	b.WriteByte(0x1f)
	b.WriteString(day)
	return int64(xxh3.HashString(b.String()))
}

// NewRNG builds the per-session deterministic generator.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
