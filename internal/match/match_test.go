package match

import (
	"reflect"
	"testing"

	"github.com/claudecontrol/claude-control/internal/tape"
)

func baseCtx() *Context {
	return &Context{
		Program: "/usr/bin/sqlite3",
		Args:    []string{"-batch", "/tmp/db"},
		Env:     map[string]string{"TERM": "xterm", "HOME": "/root", "RANDOM_SEED": "42"},
		Cwd:     "/tmp",
		Prompt:  "sqlite> ",
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	in := tape.LineInput("select 1;")
	k1 := b.BuildKey(baseCtx(), in)
	k2 := b.BuildKey(baseCtx(), in)
	if k1 != k2 {
		t.Errorf("identical contexts produced different keys: %s vs %s", k1, k2)
	}
}

func TestBuildKeyProgramBasename(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	in := tape.LineInput("x")
	ctx1 := baseCtx()
	ctx2 := baseCtx()
	ctx2.Program = "sqlite3"
	if b.BuildKey(ctx1, in) != b.BuildKey(ctx2, in) {
		t.Error("program path vs basename changed the key")
	}
}

func TestBuildKeyInputSensitivity(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	ctx := baseCtx()
	if b.BuildKey(ctx, tape.LineInput("select 1;")) == b.BuildKey(ctx, tape.LineInput("select 2;")) {
		t.Error("different inputs produced the same key")
	}
}

func TestBuildKeyLineNewlineStripped(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	ctx := baseCtx()
	plain := b.BuildKey(ctx, tape.LineInput("select 1;"))
	lf := b.BuildKey(ctx, tape.LineInput("select 1;\n"))
	crlf := b.BuildKey(ctx, tape.LineInput("select 1;\r\n"))
	if plain != lf || plain != crlf {
		t.Error("trailing newline affected the key")
	}
}

func TestBuildKeyPromptNormalized(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	in := tape.LineInput("x")
	ctx1 := baseCtx()
	ctx2 := baseCtx()
	ctx2.Prompt = "\x1b[32msqlite>\x1b[0m   "
	if b.BuildKey(ctx1, in) != b.BuildKey(ctx2, in) {
		t.Error("ANSI/whitespace in prompt changed the key")
	}
}

func TestBuildKeyStateHash(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	in := tape.LineInput("x")
	ctx1 := baseCtx()
	ctx2 := baseCtx()
	ctx2.StateHash = "deadbeef"
	if b.BuildKey(ctx1, in) == b.BuildKey(ctx2, in) {
		t.Error("state hash did not affect the key")
	}
}

func TestIgnoreArgs(t *testing.T) {
	t.Run("by value", func(t *testing.T) {
		b := NewKeyBuilder(Policy{IgnoreArgs: []string{"/tmp/db"}})
		got := b.FilterArgs([]string{"-batch", "/tmp/db"})
		if !reflect.DeepEqual(got, []string{"-batch"}) {
			t.Errorf("FilterArgs = %v", got)
		}
	})
	t.Run("by index", func(t *testing.T) {
		b := NewKeyBuilder(Policy{IgnoreArgs: []string{"0"}})
		got := b.FilterArgs([]string{"-batch", "/tmp/db"})
		if !reflect.DeepEqual(got, []string{"/tmp/db"}) {
			t.Errorf("FilterArgs = %v", got)
		}
	})
	t.Run("cwd sentinel", func(t *testing.T) {
		b := NewKeyBuilder(Policy{IgnoreArgs: []string{IgnoreCwd}})
		in := tape.LineInput("x")
		ctx1 := baseCtx()
		ctx2 := baseCtx()
		ctx2.Cwd = "/elsewhere"
		if b.BuildKey(ctx1, in) != b.BuildKey(ctx2, in) {
			t.Error("cwd affected the key despite the sentinel")
		}
	})
}

func TestEnvFiltering(t *testing.T) {
	t.Run("allow list wins", func(t *testing.T) {
		b := NewKeyBuilder(Policy{AllowEnv: []string{"TERM"}, IgnoreEnv: []string{"TERM"}})
		got := b.FilterEnv(map[string]string{"TERM": "xterm", "HOME": "/root"})
		if !reflect.DeepEqual(got, []string{"TERM=xterm"}) {
			t.Errorf("FilterEnv = %v", got)
		}
	})
	t.Run("ignore list", func(t *testing.T) {
		b := NewKeyBuilder(Policy{IgnoreEnv: []string{"RANDOM_SEED"}})
		in := tape.LineInput("x")
		ctx1 := baseCtx()
		ctx2 := baseCtx()
		ctx2.Env["RANDOM_SEED"] = "other"
		if b.BuildKey(ctx1, in) != b.BuildKey(ctx2, in) {
			t.Error("ignored env var affected the key")
		}
	})
	t.Run("sorted output", func(t *testing.T) {
		b := NewKeyBuilder(Policy{})
		got := b.FilterEnv(map[string]string{"B": "2", "A": "1"})
		if !reflect.DeepEqual(got, []string{"A=1", "B=2"}) {
			t.Errorf("FilterEnv = %v", got)
		}
	})
}

func TestIgnoreStdin(t *testing.T) {
	b := NewKeyBuilder(Policy{IgnoreStdin: true})
	ctx := baseCtx()
	if b.BuildKey(ctx, tape.LineInput("a")) != b.BuildKey(ctx, tape.LineInput("b")) {
		t.Error("stdin affected the key despite IgnoreStdin")
	}
}

func TestRawInput(t *testing.T) {
	b := NewKeyBuilder(Policy{})
	ctx := baseCtx()
	raw := b.BuildKey(ctx, tape.RawInput([]byte("select 1;\n")))
	line := b.BuildKey(ctx, tape.LineInput("select 1;"))
	if raw != line {
		t.Error("equivalent raw and line inputs produced different keys")
	}
}

func TestHammingDistance(t *testing.T) {
	var a, b Key
	if a.HammingDistance(b) != 0 {
		t.Error("identical keys have nonzero distance")
	}
	b[0] = 0x01
	b[15] = 0x03
	if got := a.HammingDistance(b); got != 3 {
		t.Errorf("HammingDistance = %d, want 3", got)
	}
}

func TestDefaultMatchers(t *testing.T) {
	if !DefaultStdinMatcher([]byte("x\n"), []byte("x\r\n"), nil) {
		t.Error("stdin matcher rejected newline variants")
	}
	if DefaultStdinMatcher([]byte("x"), []byte("y"), nil) {
		t.Error("stdin matcher accepted different payloads")
	}
	if !DefaultCommandMatcher([]string{"ls", "\x1b[1m-l\x1b[0m"}, []string{"ls", "-l"}, nil) {
		t.Error("command matcher rejected ANSI-decorated equivalent")
	}
	if DefaultCommandMatcher([]string{"ls"}, []string{"ls", "-l"}, nil) {
		t.Error("command matcher accepted different arity")
	}
}

func TestComponents(t *testing.T) {
	b := NewKeyBuilder(Policy{IgnoreEnv: []string{"RANDOM_SEED", "HOME", "TERM"}})
	c := b.Components(baseCtx(), tape.LineInput("select 1;\n"))
	want := Components{
		Program: "sqlite3",
		Args:    []string{"-batch", "/tmp/db"},
		Env:     []string{},
		Cwd:     "/tmp",
		Prompt:  "sqlite>",
		Input:   "select 1;",
	}
	if !reflect.DeepEqual(c, want) {
		t.Errorf("Components = %+v, want %+v", c, want)
	}
}
