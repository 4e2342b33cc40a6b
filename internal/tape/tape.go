// Package tape defines the on-disk and in-memory tape format: the
// model types, the JSON5 codec with its stable key ordering, and
// schema validation.
package tape

import (
	"fmt"
	"unicode/utf8"
)

// InputKind discriminates the two recorded input shapes.
type InputKind string

const (
	// InputLine marks an exchange initiated with a newline-terminated line.
	InputLine InputKind = "line"
	// InputRaw marks an exchange initiated with arbitrary bytes.
	InputRaw InputKind = "raw"
)

// Input is a recorded caller input, either a text line or raw bytes.
type Input struct {
	Kind InputKind
	Text string // set for InputLine
	Data []byte // set for InputRaw
}

// LineInput builds a line-kind input.
func LineInput(text string) Input {
	return Input{Kind: InputLine, Text: text}
}

// RawInput builds a raw-kind input.
func RawInput(data []byte) Input {
	return Input{Kind: InputRaw, Data: data}
}

// Bytes returns the input payload as bytes. Line inputs are returned
// without a trailing newline appended.
func (in Input) Bytes() []byte {
	if in.Kind == InputLine {
		return []byte(in.Text)
	}
	return in.Data
}

// Chunk is one timed unit of recorded output. DelayMs is milliseconds
// since the previous chunk in the same exchange (0 for the first).
type Chunk struct {
	DelayMs int
	Data    []byte
	IsUTF8  bool
}

// NewChunk builds a chunk, computing the UTF-8 validity hint.
func NewChunk(delayMs int, data []byte) Chunk {
	return Chunk{DelayMs: delayMs, Data: data, IsUTF8: utf8.Valid(data)}
}

// Exit records how the child terminated. Signal is nil unless the
// child died on a signal.
type Exit struct {
	Code   int
	Signal *int
}

// Pre captures the context immediately before an input was sent.
type Pre struct {
	Prompt    string
	StateHash string
}

// Exchange is one input-plus-response segment of a tape.
type Exchange struct {
	Pre         Pre
	Input       Input
	Output      []Chunk
	Exit        *Exit
	DurMs       int
	Annotations map[string]any
}

// OutputBytes concatenates the exchange's chunk data, reconstructing
// the byte stream the program produced.
func (e *Exchange) OutputBytes() []byte {
	var n int
	for _, c := range e.Output {
		n += len(c.Data)
	}
	buf := make([]byte, 0, n)
	for _, c := range e.Output {
		buf = append(buf, c.Data...)
	}
	return buf
}

// PTYSize is the recorded terminal geometry.
type PTYSize struct {
	Rows int
	Cols int
}

// Meta describes the invocation a tape was captured from. Latency and
// ErrorRate hold the raw decoded override values (number, [lo, hi]
// pair, or expression string); nil means no override.
type Meta struct {
	CreatedAt string
	Program   string
	Args      []string
	Env       map[string]string
	Cwd       string
	PTY       *PTYSize
	Tag       string
	Latency   any
	ErrorRate any
	Seed      *int64
}

// SessionInfo records the environment the capture ran under.
type SessionInfo struct {
	Platform string
	Version  string
	Flags    map[string]string
}

// Tape is a complete recorded session: metadata, session info, and an
// ordered list of exchanges.
type Tape struct {
	Meta      Meta
	Session   SessionInfo
	Exchanges []Exchange
}

// SchemaError reports a single structural problem in a tape payload.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Check verifies the model-level invariants that the codec alone
// cannot express: non-empty exchange list, non-negative delays, exit
// only on the terminal exchange, and duration covering chunk delays.
func (t *Tape) Check() []*SchemaError {
	var errs []*SchemaError
	if len(t.Exchanges) == 0 {
		errs = append(errs, &SchemaError{Path: "exchanges", Reason: "tape has no exchanges"})
	}
	for i := range t.Exchanges {
		ex := &t.Exchanges[i]
		prefix := fmt.Sprintf("exchanges[%d]", i)
		var sum int
		for j, c := range ex.Output {
			if c.DelayMs < 0 {
				errs = append(errs, &SchemaError{
					Path:   fmt.Sprintf("%s.output.chunks[%d].delayMs", prefix, j),
					Reason: fmt.Sprintf("negative delay %d", c.DelayMs),
				})
			}
			sum += c.DelayMs
		}
		if ex.DurMs < sum {
			errs = append(errs, &SchemaError{
				Path:   prefix + ".durMs",
				Reason: fmt.Sprintf("duration %dms is less than summed chunk delays %dms", ex.DurMs, sum),
			})
		}
		if ex.Exit != nil && i != len(t.Exchanges)-1 {
			errs = append(errs, &SchemaError{
				Path:   prefix + ".exit",
				Reason: "exit recorded on a non-terminal exchange",
			})
		}
	}
	return errs
}
