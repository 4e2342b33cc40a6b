// Package transport defines the capability surface shared by the live
// PTY child and the replay stand-in, plus the expect-pattern matching
// both implement against their output buffers.
package transport

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// PatternKind discriminates the expect sentinels.
type PatternKind int

const (
	// KindRegexp matches a compiled regular expression.
	KindRegexp PatternKind = iota
	// KindExact matches a literal byte sequence.
	KindExact
	// KindEOF matches when the child has exited and the buffer is
	// fully drained.
	KindEOF
	// KindTimeout matches when the expect deadline passes, instead of
	// raising ExpectTimeoutError.
	KindTimeout
)

// Pattern is one member of an expect pattern set.
type Pattern struct {
	Kind    PatternKind
	Regexp  *regexp.Regexp
	Literal string
}

// Regexp builds a regex pattern.
func Regexp(re *regexp.Regexp) Pattern { return Pattern{Kind: KindRegexp, Regexp: re} }

// CompilePattern compiles a regex source into a pattern.
func CompilePattern(src string) (Pattern, error) {
	re, err := regexp.Compile(src)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid expect pattern %q: %w", src, err)
	}
	return Regexp(re), nil
}

// Exact builds a literal pattern.
func Exact(literal string) Pattern { return Pattern{Kind: KindExact, Literal: literal} }

// EOF builds the end-of-stream sentinel.
func EOF() Pattern { return Pattern{Kind: KindEOF} }

// Timeout builds the deadline sentinel.
func Timeout() Pattern { return Pattern{Kind: KindTimeout} }

// ExitStatus is the terminal status of a child, live or replayed.
type ExitStatus struct {
	Code   int
	Signal *int
}

// Transport is the pexpect-shaped surface the session facade drives.
// The live PTY child and the replay transport both implement it.
type Transport interface {
	Send(data []byte) (int, error)
	SendLine(text string) (int, error)
	// Expect blocks until a pattern matches the output buffer, the
	// timeout passes, or the stream ends. It returns the index of the
	// matched pattern.
	Expect(patterns []Pattern, timeout time.Duration) (int, error)
	ExpectExact(literals []string, timeout time.Duration) (int, error)
	IsAlive() bool
	// Terminate requests shutdown, escalating after the grace period,
	// and returns the final exit status.
	Terminate(grace time.Duration) *ExitStatus
	Close() error

	// Before returns the bytes preceding the last match; After the
	// bytes following it; MatchSpan the matched range within the
	// buffer that was scanned.
	Before() []byte
	After() []byte
	Matched() []byte
	MatchSpan() (start, end int)
	ExitStatus() *ExitStatus

	// SetLogfileRead installs a sink that observes every output byte
	// in arrival order.
	SetLogfileRead(w io.Writer)
}

// ExpectTimeoutError reports an expect deadline with a snapshot of the
// trailing output for diagnosis.
type ExpectTimeoutError struct {
	RecentOutput []string
}

func (e *ExpectTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for expected output; last %d lines:\n%s",
		len(e.RecentOutput), strings.Join(e.RecentOutput, "\n"))
}

// CancelledError reports that an in-flight expect was interrupted by
// session close.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "session closed while waiting" }

// RecentLines extracts at most max trailing lines from a buffer for
// timeout diagnostics.
func RecentLines(buf []byte, max int) []string {
	if len(buf) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

// MatchResult locates a pattern match within a buffer.
type MatchResult struct {
	Index int
	Start int
	End   int
}

// MatchBuffer scans the buffer against the pattern set and returns the
// winning match using the earliest-end, then first-index tie-break.
// EOF and Timeout sentinels never match here; they are resolved by the
// transport's state.
func MatchBuffer(buf []byte, patterns []Pattern) (MatchResult, bool) {
	best := MatchResult{Index: -1}
	for i, p := range patterns {
		var start, end int
		switch p.Kind {
		case KindRegexp:
			loc := p.Regexp.FindIndex(buf)
			if loc == nil {
				continue
			}
			start, end = loc[0], loc[1]
		case KindExact:
			idx := strings.Index(string(buf), p.Literal)
			if idx < 0 {
				continue
			}
			start, end = idx, idx+len(p.Literal)
		default:
			continue
		}
		if best.Index < 0 || end < best.End {
			best = MatchResult{Index: i, Start: start, End: end}
		}
	}
	return best, best.Index >= 0
}

// IndexOf finds the position of a sentinel kind in a pattern set.
func IndexOf(patterns []Pattern, kind PatternKind) int {
	for i, p := range patterns {
		if p.Kind == kind {
			return i
		}
	}
	return -1
}
