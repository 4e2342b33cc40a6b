package record

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
)

func testMeta() tape.Meta {
	return tape.Meta{
		CreatedAt: "2024-05-01T12:00:00Z",
		Program:   "sqlite3",
		Args:      []string{"-batch"},
		Env:       map[string]string{},
		Cwd:       "/tmp",
		PTY:       &tape.PTYSize{Rows: 24, Cols: 80},
	}
}

func testRecorder(t *testing.T, mode store.RecordMode) (*Recorder, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir())
	r := New(Options{
		Store:   st,
		Mode:    mode,
		Meta:    testMeta(),
		Session: tape.SessionInfo{Platform: "linux", Version: "0.1.0"},
		NameGen: FixedName("test"),
	})
	return r, st
}

func recCtx() *match.Context {
	return &match.Context{Program: "sqlite3", Args: []string{"-batch"}, Cwd: "/tmp", Prompt: "sqlite> "}
}

func TestChunkSinkDelays(t *testing.T) {
	s := NewChunkSink()
	clock := time.Unix(0, 0)
	s.now = func() time.Time { return clock }

	s.Write([]byte("first"))
	clock = clock.Add(12 * time.Millisecond)
	s.Write([]byte("second"))
	clock = clock.Add(3 * time.Millisecond)
	s.Write([]byte("third"))

	chunks := s.Drain()
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	delays := []int{chunks[0].DelayMs, chunks[1].DelayMs, chunks[2].DelayMs}
	if delays[0] != 0 || delays[1] != 12 || delays[2] != 3 {
		t.Errorf("delays = %v, want [0 12 3]", delays)
	}
	if string(chunks[0].Data) != "first" {
		t.Errorf("chunk data = %q", chunks[0].Data)
	}
	if len(s.Drain()) != 0 {
		t.Error("Drain did not clear the sink")
	}
}

func TestChunkSinkResetClearsClock(t *testing.T) {
	s := NewChunkSink()
	clock := time.Unix(0, 0)
	s.now = func() time.Time { return clock }

	s.Write([]byte("a"))
	clock = clock.Add(time.Hour)
	s.Reset()
	s.Write([]byte("b"))
	chunks := s.Drain()
	if len(chunks) != 1 || chunks[0].DelayMs != 0 {
		t.Errorf("first chunk after reset has delay %d, want 0", chunks[0].DelayMs)
	}
}

func TestChunkSinkUTF8Flag(t *testing.T) {
	s := NewChunkSink()
	s.Write([]byte("text"))
	s.Write([]byte{0xff, 0xfe})
	chunks := s.Drain()
	if !chunks[0].IsUTF8 || chunks[1].IsUTF8 {
		t.Errorf("utf8 flags = %v/%v", chunks[0].IsUTF8, chunks[1].IsUTF8)
	}
}

func TestRecorderLifecycle(t *testing.T) {
	r, st := testRecorder(t, store.RecordNew)
	ctx := recCtx()

	// Startup banner exchange.
	r.Start(&match.Context{Program: "sqlite3", Args: []string{"-batch"}, Cwd: "/tmp"})
	r.Sink().Write([]byte("SQLite version 3\nsqlite> "))
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})

	r.OnSend(ctx, []byte("select 1;\n"), tape.InputLine)
	r.Sink().Write([]byte("1\n"))
	r.Sink().Write([]byte("sqlite> "))
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})

	r.OnSend(ctx, []byte(".quit\n"), tape.InputLine)
	r.OnExchangeEnd(ctx, EndReason{Kind: EndChildExited, ExitCode: 0})

	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	tp, err := st.ReadTape(r.Path())
	if err != nil {
		t.Fatalf("ReadTape() error = %v", err)
	}
	if len(tp.Exchanges) != 3 {
		t.Fatalf("exchange count = %d, want 3", len(tp.Exchanges))
	}
	if tp.Exchanges[0].Input.Kind != tape.InputRaw || len(tp.Exchanges[0].Input.Data) != 0 {
		t.Error("startup exchange input is not empty raw")
	}
	if tp.Exchanges[1].Input.Text != "select 1;" {
		t.Errorf("line input = %q (newline not stripped?)", tp.Exchanges[1].Input.Text)
	}
	if got := string(tp.Exchanges[1].OutputBytes()); got != "1\nsqlite> " {
		t.Errorf("output = %q", got)
	}
	last := tp.Exchanges[2]
	if last.Exit == nil || last.Exit.Code != 0 {
		t.Errorf("exit = %+v, want code 0", last.Exit)
	}
	if errs := tp.Check(); len(errs) != 0 {
		t.Errorf("persisted tape violates invariants: %v", errs)
	}
}

func TestRecorderDisabledWritesNothing(t *testing.T) {
	root := t.TempDir()
	st := store.New(root)
	r := New(Options{Store: st, Mode: store.RecordDisabled, Meta: testMeta(), NameGen: FixedName("t")})
	ctx := recCtx()

	r.OnSend(ctx, []byte("x\n"), tape.InputLine)
	r.Sink().Write([]byte("y\n"))
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})
	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	var found []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			found = append(found, path)
		}
		return nil
	})
	if len(found) != 0 {
		t.Errorf("disabled recording wrote files: %v", found)
	}
}

func TestRecorderEmptyOutputExchange(t *testing.T) {
	r, st := testRecorder(t, store.RecordNew)
	ctx := recCtx()

	r.OnSend(ctx, []byte("noop\n"), tape.InputLine)
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})
	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	tp, err := st.ReadTape(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	ex := tp.Exchanges[0]
	if len(ex.Output) != 0 {
		t.Errorf("chunks = %d, want 0", len(ex.Output))
	}
	if ex.DurMs < 0 {
		t.Errorf("durMs = %d", ex.DurMs)
	}
}

func TestRecorderDecorators(t *testing.T) {
	st := store.New(t.TempDir())
	r := New(Options{
		Store:   st,
		Mode:    store.RecordNew,
		Meta:    testMeta(),
		NameGen: FixedName("t"),
		InputDecorators: []InputDecorator{
			func(_ *match.Context, data []byte) ([]byte, error) {
				return []byte(strings.ToUpper(string(data))), nil
			},
		},
		OutputDecorators: []OutputDecorator{
			func(_ *match.Context, chunks []tape.Chunk) ([]tape.Chunk, error) {
				return nil, errors.New("broken decorator")
			},
		},
		TapeDecorators: []TapeDecorator{
			func(_ *match.Context, tp *tape.Tape) (*tape.Tape, error) {
				tp.Meta.Tag = "decorated"
				return tp, nil
			},
		},
	})
	ctx := recCtx()

	r.OnSend(ctx, []byte("hi\n"), tape.InputLine)
	r.Sink().Write([]byte("out\n"))
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})
	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	tp, err := st.ReadTape(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	if tp.Exchanges[0].Input.Text != "HI" {
		t.Errorf("input decorator not applied: %q", tp.Exchanges[0].Input.Text)
	}
	// The broken output decorator is downgraded; undecorated chunks persist.
	if got := string(tp.Exchanges[0].OutputBytes()); got != "out\n" {
		t.Errorf("output = %q, want undecorated", got)
	}
	if tp.Meta.Tag != "decorated" {
		t.Errorf("tape decorator not applied: %q", tp.Meta.Tag)
	}
}

func TestRecorderPanicDecoratorDowngraded(t *testing.T) {
	st := store.New(t.TempDir())
	r := New(Options{
		Store:   st,
		Mode:    store.RecordNew,
		Meta:    testMeta(),
		NameGen: FixedName("t"),
		InputDecorators: []InputDecorator{
			func(*match.Context, []byte) ([]byte, error) { panic("boom") },
		},
	})
	ctx := recCtx()
	r.OnSend(ctx, []byte("safe\n"), tape.InputLine)
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})
	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	tp, err := st.ReadTape(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	if tp.Exchanges[0].Input.Text != "safe" {
		t.Errorf("input = %q, want undecorated", tp.Exchanges[0].Input.Text)
	}
}

func TestRecorderRedactsInput(t *testing.T) {
	r, st := testRecorder(t, store.RecordNew)
	ctx := recCtx()

	r.OnSend(ctx, []byte("password: hunter2\n"), tape.InputLine)
	r.Sink().Write([]byte("ok\n"))
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})

	// A secret-shaped input must be masked before persistence, not
	// trip the post-redaction check.
	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	tp, err := st.ReadTape(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := tp.Exchanges[0].Input.Text; got != "password: ***" {
		t.Errorf("stored input = %q, want masked", got)
	}
}

func TestRecorderRedactsRawInput(t *testing.T) {
	r, st := testRecorder(t, store.RecordNew)
	ctx := recCtx()

	r.OnSend(ctx, []byte("token=abc123"), tape.InputRaw)
	r.Sink().Write([]byte("ok\n"))
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})
	if err := r.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	tp, err := st.ReadTape(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := string(tp.Exchanges[0].Input.Data); got != "token=***" {
		t.Errorf("stored raw input = %q, want masked", got)
	}
}

func TestRecorderFinalizeIdempotent(t *testing.T) {
	r, _ := testRecorder(t, store.RecordNew)
	ctx := recCtx()
	r.OnSend(ctx, []byte("x\n"), tape.InputLine)
	r.OnExchangeEnd(ctx, EndReason{Kind: EndPromptMatched})
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	first := r.Path()
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Path() != first {
		t.Error("second Finalize changed the tape path")
	}
}

func TestDefaultNameGenerator(t *testing.T) {
	now := time.UnixMilli(1714560000123)
	rel := DefaultNameGenerator(&NameContext{Program: "/usr/bin/sqlite3", Preview: "select 1;", Now: now})
	dir, file := filepath.Split(rel)
	if dir != "sqlite3"+string(filepath.Separator) {
		t.Errorf("dir = %q", dir)
	}
	if !strings.HasPrefix(file, "unnamed-1714560000123-") || !strings.HasSuffix(file, ".json5") {
		t.Errorf("file = %q", file)
	}
	// Deterministic for identical context.
	if DefaultNameGenerator(&NameContext{Program: "/usr/bin/sqlite3", Preview: "select 1;", Now: now}) != rel {
		t.Error("name generator not deterministic")
	}
}
