//go:build !windows

// Package session orchestrates transport selection: live PTY child
// with recording, replay against the tape store, or proxy fallback
// from one to the other.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/claudecontrol/claude-control/internal/transport"
)

// ErrEOF reports that the child's output stream ended while an expect
// was waiting without an EOF sentinel.
var ErrEOF = errors.New("child output stream ended")

// LiveOptions configures a spawned child.
type LiveOptions struct {
	Program string
	Args    []string
	// Env is the full child environment; nil inherits the process
	// environment.
	Env  map[string]string
	Cwd  string
	Rows uint16
	Cols uint16
	// LogfileRead, when set, observes output from the very first read.
	LogfileRead io.Writer
}

// Live runs a real child on a PTY behind the transport surface. A
// dedicated goroutine drains the master side into the output buffer
// so the caller never blocks the child.
type Live struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	logfile   io.Writer
	before    []byte
	after     []byte
	matched   []byte
	spanStart int
	spanEnd   int
	exit      *transport.ExitStatus
	eof       bool
	closed    bool
}

var _ transport.Transport = (*Live)(nil)

// SpawnLive starts the child attached to a fresh PTY.
func SpawnLive(opts LiveOptions) (*Live, error) {
	cmd := exec.Command(opts.Program, opts.Args...)
	cmd.Dir = opts.Cwd
	if opts.Env != nil {
		env := make([]string, 0, len(opts.Env))
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		cmd.Env = env
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start %q with pty: %w", opts.Program, err)
	}

	l := &Live{cmd: cmd, ptmx: ptmx, logfile: opts.LogfileRead}
	l.cond = sync.NewCond(&l.mu)

	go l.readLoop()
	go l.waitLoop()
	return l, nil
}

// readLoop drains the PTY master into the buffer and the logfile tee.
func (l *Live) readLoop() {
	buffer := make([]byte, 4096)
	for {
		n, err := l.ptmx.Read(buffer)
		if n > 0 {
			data := append([]byte(nil), buffer[:n]...)
			l.mu.Lock()
			logfile := l.logfile
			l.mu.Unlock()
			// The tee observes bytes before they become matchable, so
			// an expect resolving cannot race ahead of the recorder.
			if logfile != nil {
				logfile.Write(data)
			}
			l.mu.Lock()
			l.buf = append(l.buf, data...)
			l.cond.Broadcast()
			l.mu.Unlock()
		}
		if err != nil {
			l.mu.Lock()
			l.eof = true
			l.cond.Broadcast()
			l.mu.Unlock()
			return
		}
	}
}

// waitLoop reaps the child and latches its exit status.
func (l *Live) waitLoop() {
	err := l.cmd.Wait()
	status := &transport.ExitStatus{}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig := int(ws.Signal())
				status.Signal = &sig
				status.Code = 128 + sig
			} else {
				status.Code = ee.ExitCode()
			}
		} else {
			status.Code = -1
		}
	}
	l.mu.Lock()
	l.exit = status
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Send forwards raw bytes to the child.
func (l *Live) Send(data []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, errors.New("live transport is closed")
	}
	l.mu.Unlock()
	return l.ptmx.Write(data)
}

// SendLine forwards a newline-terminated line.
func (l *Live) SendLine(text string) (int, error) {
	return l.Send([]byte(text + "\n"))
}

// Expect blocks until a pattern matches the child's output, the
// timeout passes, or the stream ends.
func (l *Live) Expect(patterns []transport.Pattern, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if m, ok := transport.MatchBuffer(l.buf, patterns); ok {
			l.before = append([]byte(nil), l.buf[:m.Start]...)
			l.after = append([]byte(nil), l.buf[m.End:]...)
			l.matched = append([]byte(nil), l.buf[m.Start:m.End]...)
			l.spanStart, l.spanEnd = m.Start, m.End
			l.buf = append([]byte(nil), l.buf[m.End:]...)
			return m.Index, nil
		}

		if l.closed {
			return 0, &transport.CancelledError{}
		}

		if l.eof {
			if idx := transport.IndexOf(patterns, transport.KindEOF); idx >= 0 {
				return idx, nil
			}
			return 0, ErrEOF
		}

		if !time.Now().Before(deadline) {
			if idx := transport.IndexOf(patterns, transport.KindTimeout); idx >= 0 {
				return idx, nil
			}
			return 0, &transport.ExpectTimeoutError{RecentOutput: transport.RecentLines(l.buf, 50)}
		}

		l.cond.Wait()
	}
}

// ExpectExact matches literal strings.
func (l *Live) ExpectExact(literals []string, timeout time.Duration) (int, error) {
	patterns := make([]transport.Pattern, len(literals))
	for i, lit := range literals {
		patterns[i] = transport.Exact(lit)
	}
	return l.Expect(patterns, timeout)
}

// IsAlive reports whether the child is still running.
func (l *Live) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.exit == nil
}

// Terminate asks the child to exit, escalating to SIGKILL after the
// grace period. Returns the exit status once reaped.
func (l *Live) Terminate(grace time.Duration) *transport.ExitStatus {
	l.mu.Lock()
	exited := l.exit != nil
	l.mu.Unlock()

	if !exited && l.cmd.Process != nil {
		l.cmd.Process.Signal(syscall.SIGTERM)
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			l.mu.Lock()
			exited = l.exit != nil
			l.mu.Unlock()
			if exited {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if !exited {
			l.cmd.Process.Kill()
		}
	}

	// Wait for the reaper.
	l.mu.Lock()
	for l.exit == nil {
		l.cond.Wait()
	}
	status := l.exit
	l.mu.Unlock()
	return status
}

// Close terminates the child if needed and releases the PTY.
// Idempotent.
func (l *Live) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()

	l.Terminate(500 * time.Millisecond)
	return l.ptmx.Close()
}

// Before returns the bytes preceding the last match.
func (l *Live) Before() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.before
}

// After returns the bytes following the last match.
func (l *Live) After() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.after
}

// Matched returns the bytes of the last match.
func (l *Live) Matched() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.matched
}

// MatchSpan returns the last match's range.
func (l *Live) MatchSpan() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spanStart, l.spanEnd
}

// ExitStatus returns the child's exit status once reaped.
func (l *Live) ExitStatus() *transport.ExitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exit
}

// SetLogfileRead installs the read-side tee.
func (l *Live) SetLogfileRead(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logfile = w
}
