package replay

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/policy"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
	"github.com/claudecontrol/claude-control/internal/transport"
)

func sqliteTape() *tape.Tape {
	return &tape.Tape{
		Meta: tape.Meta{
			CreatedAt: "2024-05-01T12:00:00Z",
			Program:   "sqlite3",
			Args:      []string{"-batch"},
			Env:       map[string]string{},
			Cwd:       "/tmp",
		},
		Session: tape.SessionInfo{Platform: "linux", Version: "0.1.0"},
		Exchanges: []tape.Exchange{
			{
				Pre:   tape.Pre{Prompt: "sqlite> "},
				Input: tape.LineInput("select 1;"),
				Output: []tape.Chunk{
					tape.NewChunk(12, []byte("1\n")),
					tape.NewChunk(3, []byte("sqlite> ")),
				},
				DurMs: 15,
			},
		},
	}
}

func newTestTransport(t *testing.T, tp *tape.Tape, opts Options) (*Transport, *store.Store) {
	t.Helper()
	root := t.TempDir()
	data, err := tape.Encode(tp)
	if err != nil {
		t.Fatal(err)
	}
	rel := filepath.Join("sqlite3", "t.json5")
	if err := os.MkdirAll(filepath.Join(root, "sqlite3"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, rel), data, 0644); err != nil {
		t.Fatal(err)
	}
	st := store.New(root)
	if err := st.LoadAll(); err != nil {
		t.Fatal(err)
	}
	st.BuildIndex(match.NewKeyBuilder(match.Policy{}))

	opts.Store = st
	if opts.Ctx.Program == "" {
		opts.Ctx = match.Context{
			Program: "sqlite3",
			Args:    []string{"-batch"},
			Env:     map[string]string{},
			Cwd:     "/tmp",
			Prompt:  "sqlite> ",
		}
	}
	return New(opts), st
}

func TestReplayHitStreamsRecordedBytes(t *testing.T) {
	tr, st := newTestTransport(t, sqliteTape(), Options{Latency: policy.ConstLatency(0)})

	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}
	pat, err := transport.CompilePattern(`sqlite> `)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := tr.Expect([]transport.Pattern{pat}, 2*time.Second)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if idx != 0 {
		t.Errorf("Expect() index = %d", idx)
	}
	got := append(append([]byte(nil), tr.Before()...), tr.Matched()...)
	if string(got) != "1\nsqlite> " {
		t.Errorf("before+match = %q, want recorded bytes", got)
	}

	sum := st.Summarize()
	if len(sum.Unused) != 0 {
		t.Errorf("matched tape still listed unused: %v", sum.Unused)
	}
}

func TestReplayMissStrict(t *testing.T) {
	tr, _ := newTestTransport(t, sqliteTape(), Options{})

	_, err := tr.SendLine("select 2;")
	var miss *MissError
	if !errors.As(err, &miss) {
		t.Fatalf("SendLine() error = %v, want *MissError", err)
	}
	if miss.Components.Input != "select 2;" {
		t.Errorf("miss input component = %q", miss.Components.Input)
	}
	if len(miss.Nearest) == 0 {
		t.Fatal("miss carries no nearest keys")
	}
	if miss.Nearest[0].Components.Input != "select 1;" {
		t.Errorf("nearest input = %q", miss.Nearest[0].Components.Input)
	}
	if miss.Diff() == "" {
		t.Error("Diff() is empty")
	}
}

func TestReplayExitLatched(t *testing.T) {
	tp := sqliteTape()
	tp.Exchanges[0].Exit = &tape.Exit{Code: 3}
	tr, _ := newTestTransport(t, tp, Options{Latency: policy.ConstLatency(0)})

	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatal(err)
	}
	idx, err := tr.Expect([]transport.Pattern{transport.Exact("sqlite> "), transport.EOF()}, 2*time.Second)
	if err != nil || idx != 0 {
		t.Fatalf("Expect() = %d, %v", idx, err)
	}
	// After draining, the exit status is visible and the child is gone.
	deadline := time.Now().Add(2 * time.Second)
	for tr.IsAlive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.IsAlive() {
		t.Fatal("transport still alive after terminal exchange")
	}
	status := tr.ExitStatus()
	if status == nil || status.Code != 3 {
		t.Errorf("ExitStatus() = %+v, want code 3", status)
	}
	if _, err := tr.SendLine("select 1;"); !errors.Is(err, ErrNotAlive) {
		t.Errorf("send after exit = %v, want ErrNotAlive", err)
	}
}

func TestReplayEOFSentinel(t *testing.T) {
	tp := sqliteTape()
	tp.Exchanges[0].Output = nil
	tp.Exchanges[0].DurMs = 0
	tp.Exchanges[0].Exit = &tape.Exit{Code: 0}
	tr, _ := newTestTransport(t, tp, Options{Latency: policy.ConstLatency(0)})

	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatal(err)
	}
	idx, err := tr.Expect([]transport.Pattern{transport.Exact("never"), transport.EOF()}, 2*time.Second)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if idx != 1 {
		t.Errorf("Expect() = %d, want EOF index 1", idx)
	}
}

func TestReplayTimeoutSentinelAndError(t *testing.T) {
	tr, _ := newTestTransport(t, sqliteTape(), Options{Latency: policy.ConstLatency(0)})

	t.Run("sentinel", func(t *testing.T) {
		idx, err := tr.Expect([]transport.Pattern{transport.Exact("never"), transport.Timeout()}, 50*time.Millisecond)
		if err != nil || idx != 1 {
			t.Errorf("Expect() = %d, %v, want timeout sentinel", idx, err)
		}
	})
	t.Run("error", func(t *testing.T) {
		_, err := tr.Expect([]transport.Pattern{transport.Exact("never")}, 50*time.Millisecond)
		var te *transport.ExpectTimeoutError
		if !errors.As(err, &te) {
			t.Errorf("Expect() error = %v, want *ExpectTimeoutError", err)
		}
	})
}

func TestReplayLatencyPacing(t *testing.T) {
	tp := sqliteTape()
	tp.Exchanges[0].Output = []tape.Chunk{
		tape.NewChunk(0, []byte("a")),
		tape.NewChunk(0, []byte("b")),
		tape.NewChunk(0, []byte("c")),
	}
	tr, _ := newTestTransport(t, tp, Options{Latency: policy.ConstLatency(30)})

	start := time.Now()
	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Expect([]transport.Pattern{transport.Exact("abc")}, 2*time.Second); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("constant latency not paid: %v", elapsed)
	}
}

func TestReplayFaultTruncate(t *testing.T) {
	tp := sqliteTape()
	tp.Exchanges[0].Output = []tape.Chunk{
		tape.NewChunk(0, []byte("first")),
		tape.NewChunk(0, []byte("second")),
		tape.NewChunk(0, []byte("third")),
	}
	run := func() ([]byte, error) {
		tr, _ := newTestTransport(t, tp, Options{
			Latency:   policy.ConstLatency(0),
			ErrorRate: policy.ConstErrorRate(100),
			FaultMode: policy.FaultTruncate,
			Seed:      7,
		})
		if _, err := tr.SendLine("select 1;"); err != nil {
			return nil, err
		}
		_, err := tr.Expect([]transport.Pattern{transport.Exact("third")}, time.Second)
		// The truncated stream still carries the first chunk.
		time.Sleep(10 * time.Millisecond)
		return tr.Before(), err
	}

	_, err := run()
	var inj *InjectedError
	if !errors.As(err, &inj) {
		t.Fatalf("Expect() error = %v, want *InjectedError", err)
	}
	if inj.AtExchange != 0 {
		t.Errorf("AtExchange = %d", inj.AtExchange)
	}

	// Deterministic under the same seed.
	_, err2 := run()
	if !errors.As(err2, &inj) {
		t.Errorf("second run error = %v, want identical injection", err2)
	}
}

func TestReplayFaultExit(t *testing.T) {
	tp := sqliteTape()
	tp.Exchanges[0].Output = []tape.Chunk{
		tape.NewChunk(0, []byte("first")),
		tape.NewChunk(0, []byte("second")),
	}
	tr, _ := newTestTransport(t, tp, Options{
		Latency:       policy.ConstLatency(0),
		ErrorRate:     policy.ConstErrorRate(100),
		FaultMode:     policy.FaultExit,
		FaultExitCode: 42,
		Seed:          7,
	})
	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.ExitStatus() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	status := tr.ExitStatus()
	if status == nil || status.Code != 42 {
		t.Fatalf("ExitStatus() = %+v, want code 42", status)
	}
	if tr.IsAlive() {
		t.Error("transport alive after fault exit")
	}
}

func TestReplayDeterministicSequences(t *testing.T) {
	tp := sqliteTape()
	run := func() string {
		tr, _ := newTestTransport(t, tp, Options{
			Latency: policy.RangeLatency(0, 3),
			Seed:    42,
		})
		if _, err := tr.SendLine("select 1;"); err != nil {
			t.Fatal(err)
		}
		if _, err := tr.Expect([]transport.Pattern{transport.Exact("sqlite> ")}, 2*time.Second); err != nil {
			t.Fatal(err)
		}
		return string(tr.Before()) + string(tr.Matched())
	}
	if run() != run() {
		t.Error("replay not deterministic under fixed seed")
	}
}

func TestReplayStartupExchange(t *testing.T) {
	tp := sqliteTape()
	banner := tape.Exchange{
		Pre:    tape.Pre{Prompt: ""},
		Input:  tape.RawInput(nil),
		Output: []tape.Chunk{tape.NewChunk(0, []byte("SQLite version 3\nsqlite> "))},
		DurMs:  1,
	}
	tp.Exchanges = append([]tape.Exchange{banner}, tp.Exchanges...)

	tr, _ := newTestTransport(t, tp, Options{
		Latency: policy.ConstLatency(0),
		Ctx: match.Context{
			Program: "sqlite3",
			Args:    []string{"-batch"},
			Env:     map[string]string{},
			Cwd:     "/tmp",
		},
	})
	tr.Start()
	idx, err := tr.Expect([]transport.Pattern{transport.Exact("sqlite> ")}, 2*time.Second)
	if err != nil || idx != 0 {
		t.Fatalf("banner expect = %d, %v", idx, err)
	}
	if !bytes.Contains(tr.Before(), []byte("SQLite version")) {
		t.Errorf("banner missing: %q", tr.Before())
	}

	// The matched prompt now keys the next lookup.
	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatalf("post-banner lookup failed: %v", err)
	}
}

func TestReplayTapeLatencyOverride(t *testing.T) {
	tp := sqliteTape()
	tp.Meta.Latency = float64(60)
	tp.Exchanges[0].Output = []tape.Chunk{
		tape.NewChunk(0, []byte("a")),
		tape.NewChunk(0, []byte("b")),
	}
	tr, _ := newTestTransport(t, tp, Options{Latency: policy.ConstLatency(0)})

	start := time.Now()
	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Expect([]transport.Pattern{transport.Exact("ab")}, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("tape latency override not honored: %v", elapsed)
	}
}

func TestReplayCloseCancelsExpect(t *testing.T) {
	tr, _ := newTestTransport(t, sqliteTape(), Options{})

	done := make(chan error, 1)
	go func() {
		_, err := tr.Expect([]transport.Pattern{transport.Exact("never")}, 10*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		var cancelled *transport.CancelledError
		if !errors.As(err, &cancelled) {
			t.Errorf("Expect() after close = %v, want *CancelledError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expect() did not return after Close()")
	}

	if err := tr.Close(); err != nil {
		t.Errorf("second Close() = %v, want idempotent nil", err)
	}
}

func TestReplayLogfileObservesStream(t *testing.T) {
	tr, _ := newTestTransport(t, sqliteTape(), Options{Latency: policy.ConstLatency(0)})
	var sink bytes.Buffer
	tr.SetLogfileRead(&sink)

	if _, err := tr.SendLine("select 1;"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Expect([]transport.Pattern{transport.Exact("sqlite> ")}, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := tr.DrainTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	if sink.String() != "1\nsqlite> " {
		t.Errorf("logfile saw %q", sink.String())
	}
}
