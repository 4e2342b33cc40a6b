package tape

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/flynn/json5"
)

// Decode parses a JSON5 tape payload. Both camelCase and snake_case
// key spellings are accepted. The first structural problem aborts the
// decode and is returned as a *SchemaError.
func Decode(data []byte) (*Tape, error) {
	var payload any
	if err := json5.Unmarshal(data, &payload); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid JSON5: %v", err)}
	}
	return decodePayload(payload)
}

func decodePayload(payload any) (*Tape, error) {
	root, ok := payload.(map[string]any)
	if !ok {
		return nil, &SchemaError{Reason: "tape is not an object"}
	}

	d := &decoder{}
	t := &Tape{}

	metaRaw, ok := root["meta"]
	if !ok {
		return nil, &SchemaError{Path: "meta", Reason: "required field missing"}
	}
	t.Meta = d.meta("meta", metaRaw)

	if sessRaw, ok := root["session"]; ok {
		t.Session = d.session("session", sessRaw)
	} else {
		d.fail("session", "required field missing")
	}

	exRaw, ok := root["exchanges"]
	if !ok {
		return nil, firstErr(d, &SchemaError{Path: "exchanges", Reason: "required field missing"})
	}
	exList, ok := exRaw.([]any)
	if !ok {
		return nil, firstErr(d, &SchemaError{Path: "exchanges", Reason: "not an array"})
	}
	for i, raw := range exList {
		path := fmt.Sprintf("exchanges[%d]", i)
		ex := d.exchange(path, raw)
		if ex.Exit != nil && i != len(exList)-1 {
			d.fail(path+".exit", "exit recorded on a non-terminal exchange")
		}
		t.Exchanges = append(t.Exchanges, ex)
	}
	if len(t.Exchanges) == 0 {
		d.fail("exchanges", "tape has no exchanges")
	}

	if d.err != nil {
		return nil, d.err
	}
	return t, nil
}

func firstErr(d *decoder, fallback *SchemaError) error {
	if d.err != nil {
		return d.err
	}
	return fallback
}

// decoder accumulates the first schema error encountered while walking
// a decoded payload.
type decoder struct {
	err *SchemaError
}

func (d *decoder) fail(path, reason string) {
	if d.err == nil {
		d.err = &SchemaError{Path: path, Reason: reason}
	}
}

// pick returns the first present key from the given spellings.
func pick(m map[string]any, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := m[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (d *decoder) object(path string, v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		d.fail(path, "not an object")
		return map[string]any{}
	}
	return m
}

func (d *decoder) str(path string, v any) string {
	s, ok := v.(string)
	if !ok {
		d.fail(path, "not a string")
		return ""
	}
	return s
}

func (d *decoder) integer(path string, v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		d.fail(path, "not an integer")
		return 0
	}
}

func (d *decoder) base64Field(path string, v any) []byte {
	s := d.str(path, v)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		d.fail(path, fmt.Sprintf("malformed base64: %v", err))
		return nil
	}
	return raw
}

func (d *decoder) meta(path string, v any) Meta {
	m := d.object(path, v)
	meta := Meta{Env: map[string]string{}}
	if raw, ok := pick(m, "createdAt", "created_at"); ok {
		meta.CreatedAt = d.str(path+".createdAt", raw)
	}
	if raw, ok := pick(m, "program"); ok {
		meta.Program = d.str(path+".program", raw)
	} else {
		d.fail(path+".program", "required field missing")
	}
	if raw, ok := pick(m, "args"); ok {
		list, ok := raw.([]any)
		if !ok {
			d.fail(path+".args", "not an array")
		}
		for i, a := range list {
			meta.Args = append(meta.Args, d.str(fmt.Sprintf("%s.args[%d]", path, i), a))
		}
	}
	if raw, ok := pick(m, "env"); ok {
		obj := d.object(path+".env", raw)
		for k, ev := range obj {
			meta.Env[k] = d.str(path+".env."+k, ev)
		}
	}
	if raw, ok := pick(m, "cwd"); ok {
		meta.Cwd = d.str(path+".cwd", raw)
	}
	if raw, ok := pick(m, "pty"); ok {
		obj := d.object(path+".pty", raw)
		size := &PTYSize{}
		if rows, ok := pick(obj, "rows"); ok {
			size.Rows = d.integer(path+".pty.rows", rows)
		}
		if cols, ok := pick(obj, "cols"); ok {
			size.Cols = d.integer(path+".pty.cols", cols)
		}
		meta.PTY = size
	}
	if raw, ok := pick(m, "tag"); ok {
		meta.Tag = d.str(path+".tag", raw)
	}
	if raw, ok := pick(m, "latency"); ok {
		meta.Latency = raw
	}
	if raw, ok := pick(m, "errorRate", "error_rate"); ok {
		meta.ErrorRate = raw
	}
	if raw, ok := pick(m, "seed"); ok {
		seed := int64(d.integer(path+".seed", raw))
		meta.Seed = &seed
	}
	return meta
}

func (d *decoder) session(path string, v any) SessionInfo {
	m := d.object(path, v)
	info := SessionInfo{}
	if raw, ok := pick(m, "platform"); ok {
		info.Platform = d.str(path+".platform", raw)
	}
	if raw, ok := pick(m, "version"); ok {
		info.Version = d.str(path+".version", raw)
	}
	if raw, ok := pick(m, "flags"); ok {
		obj := d.object(path+".flags", raw)
		info.Flags = make(map[string]string, len(obj))
		for k, fv := range obj {
			info.Flags[k] = d.str(path+".flags."+k, fv)
		}
	}
	return info
}

func (d *decoder) exchange(path string, v any) Exchange {
	m := d.object(path, v)
	ex := Exchange{}

	if raw, ok := pick(m, "pre"); ok {
		obj := d.object(path+".pre", raw)
		if p, ok := pick(obj, "prompt"); ok {
			ex.Pre.Prompt = d.str(path+".pre.prompt", p)
		}
		if h, ok := pick(obj, "stateHash", "state_hash"); ok {
			ex.Pre.StateHash = d.str(path+".pre.stateHash", h)
		}
	} else {
		d.fail(path+".pre", "required field missing")
	}

	if raw, ok := pick(m, "input"); ok {
		ex.Input = d.input(path+".input", raw)
	} else {
		d.fail(path+".input", "required field missing")
	}

	if raw, ok := pick(m, "output"); ok {
		obj := d.object(path+".output", raw)
		if chunksRaw, ok := pick(obj, "chunks"); ok {
			list, ok := chunksRaw.([]any)
			if !ok {
				d.fail(path+".output.chunks", "not an array")
			}
			for i, c := range list {
				ex.Output = append(ex.Output, d.chunk(fmt.Sprintf("%s.output.chunks[%d]", path, i), c))
			}
		}
	} else {
		d.fail(path+".output", "required field missing")
	}

	if raw, ok := pick(m, "exit"); ok {
		obj := d.object(path+".exit", raw)
		exit := &Exit{}
		if c, ok := pick(obj, "code"); ok {
			exit.Code = d.integer(path+".exit.code", c)
		}
		if s, ok := pick(obj, "signal"); ok {
			sig := d.integer(path+".exit.signal", s)
			exit.Signal = &sig
		}
		ex.Exit = exit
	}

	if raw, ok := pick(m, "durMs", "dur_ms"); ok {
		ex.DurMs = d.integer(path+".durMs", raw)
	}
	if raw, ok := pick(m, "annotations"); ok {
		ex.Annotations = d.object(path+".annotations", raw)
	}
	return ex
}

func (d *decoder) input(path string, v any) Input {
	m := d.object(path, v)
	kindRaw, ok := pick(m, "type", "kind")
	if !ok {
		d.fail(path+".type", "required field missing")
		return Input{}
	}
	switch kind := d.str(path+".type", kindRaw); InputKind(kind) {
	case InputLine:
		in := Input{Kind: InputLine}
		if raw, ok := pick(m, "dataText", "data_text"); ok {
			in.Text = d.str(path+".dataText", raw)
		}
		return in
	case InputRaw:
		in := Input{Kind: InputRaw}
		if raw, ok := pick(m, "dataBytesB64", "data_b64", "dataB64"); ok {
			in.Data = d.base64Field(path+".dataBytesB64", raw)
		}
		return in
	default:
		d.fail(path+".type", fmt.Sprintf("unknown input kind %q", kind))
		return Input{}
	}
}

func (d *decoder) chunk(path string, v any) Chunk {
	m := d.object(path, v)
	c := Chunk{IsUTF8: true}
	if raw, ok := pick(m, "delayMs", "delay_ms"); ok {
		c.DelayMs = d.integer(path+".delayMs", raw)
		if c.DelayMs < 0 {
			d.fail(path+".delayMs", fmt.Sprintf("negative delay %d", c.DelayMs))
		}
	}
	if raw, ok := pick(m, "dataB64", "data_b64"); ok {
		c.Data = d.base64Field(path+".dataB64", raw)
	} else {
		d.fail(path+".dataB64", "required field missing")
	}
	if raw, ok := pick(m, "isUtf8", "is_utf8"); ok {
		b, ok := raw.(bool)
		if !ok {
			d.fail(path+".isUtf8", "not a boolean")
		}
		c.IsUTF8 = b
	}
	return c
}

// Encode serializes a tape with the stable key ordering that keeps
// diffs reviewable: meta, session, exchanges; within each object the
// field order is fixed. Chunk data is standard padded base64 and the
// isUtf8 hint is recomputed from the data. Output is valid JSON and
// therefore valid JSON5.
func Encode(t *Tape) ([]byte, error) {
	var b bytes.Buffer
	w := &objWriter{buf: &b}
	w.open()

	w.key("meta")
	encodeMeta(w, &t.Meta)

	w.key("session")
	encodeSession(w, &t.Session)

	w.key("exchanges")
	w.openArray()
	for i := range t.Exchanges {
		w.arrayItem()
		encodeExchange(w, &t.Exchanges[i])
	}
	w.closeArray()

	w.close()
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func encodeMeta(w *objWriter, m *Meta) {
	w.open()
	w.key("createdAt")
	w.stringVal(m.CreatedAt)
	w.key("program")
	w.stringVal(m.Program)
	w.key("args")
	w.stringArray(m.Args)
	w.key("env")
	w.stringMap(m.Env)
	w.key("cwd")
	w.stringVal(m.Cwd)
	if m.PTY != nil {
		w.key("pty")
		w.open()
		w.key("rows")
		w.intVal(m.PTY.Rows)
		w.key("cols")
		w.intVal(m.PTY.Cols)
		w.close()
	}
	if m.Tag != "" {
		w.key("tag")
		w.stringVal(m.Tag)
	}
	if m.Latency != nil {
		w.key("latency")
		w.anyVal(m.Latency)
	}
	if m.ErrorRate != nil {
		w.key("errorRate")
		w.anyVal(m.ErrorRate)
	}
	if m.Seed != nil {
		w.key("seed")
		w.buf.WriteString(strconv.FormatInt(*m.Seed, 10))
	}
	w.close()
}

func encodeSession(w *objWriter, s *SessionInfo) {
	w.open()
	w.key("platform")
	w.stringVal(s.Platform)
	w.key("version")
	w.stringVal(s.Version)
	if s.Flags != nil {
		w.key("flags")
		w.stringMap(s.Flags)
	}
	w.close()
}

func encodeExchange(w *objWriter, ex *Exchange) {
	w.open()
	w.key("pre")
	w.open()
	w.key("prompt")
	w.stringVal(ex.Pre.Prompt)
	if ex.Pre.StateHash != "" {
		w.key("stateHash")
		w.stringVal(ex.Pre.StateHash)
	}
	w.close()

	w.key("input")
	w.open()
	w.key("type")
	w.stringVal(string(ex.Input.Kind))
	if ex.Input.Kind == InputLine {
		w.key("dataText")
		w.stringVal(ex.Input.Text)
	} else {
		w.key("dataBytesB64")
		w.stringVal(base64.StdEncoding.EncodeToString(ex.Input.Data))
	}
	w.close()

	w.key("output")
	w.open()
	w.key("chunks")
	w.openArray()
	for _, c := range ex.Output {
		w.arrayItem()
		w.open()
		w.key("delayMs")
		w.intVal(c.DelayMs)
		w.key("dataB64")
		w.stringVal(base64.StdEncoding.EncodeToString(c.Data))
		w.key("isUtf8")
		w.boolVal(utf8.Valid(c.Data))
		w.close()
	}
	w.closeArray()
	w.close()

	if ex.Exit != nil {
		w.key("exit")
		w.open()
		w.key("code")
		w.intVal(ex.Exit.Code)
		if ex.Exit.Signal != nil {
			w.key("signal")
			w.intVal(*ex.Exit.Signal)
		}
		w.close()
	}

	w.key("durMs")
	w.intVal(ex.DurMs)

	if len(ex.Annotations) > 0 {
		w.key("annotations")
		w.anyMap(ex.Annotations)
	}
	w.close()
}

// objWriter emits indented JSON with caller-controlled key order.
type objWriter struct {
	buf    *bytes.Buffer
	indent int
	// first tracks whether the current container has emitted a member.
	first []bool
}

func (w *objWriter) newline() {
	w.buf.WriteByte('\n')
	for i := 0; i < w.indent; i++ {
		w.buf.WriteString("  ")
	}
}

func (w *objWriter) open() {
	w.buf.WriteByte('{')
	w.indent++
	w.first = append(w.first, true)
}

func (w *objWriter) close() {
	w.indent--
	if !w.first[len(w.first)-1] {
		w.newline()
	}
	w.first = w.first[:len(w.first)-1]
	w.buf.WriteByte('}')
}

func (w *objWriter) openArray() {
	w.buf.WriteByte('[')
	w.indent++
	w.first = append(w.first, true)
}

func (w *objWriter) closeArray() {
	w.indent--
	if !w.first[len(w.first)-1] {
		w.newline()
	}
	w.first = w.first[:len(w.first)-1]
	w.buf.WriteByte(']')
}

func (w *objWriter) member() {
	last := len(w.first) - 1
	if !w.first[last] {
		w.buf.WriteByte(',')
	}
	w.first[last] = false
	w.newline()
}

func (w *objWriter) key(name string) {
	w.member()
	w.stringRaw(name)
	w.buf.WriteString(": ")
}

func (w *objWriter) arrayItem() {
	w.member()
}

func (w *objWriter) stringRaw(s string) {
	enc, _ := json.Marshal(s)
	w.buf.Write(enc)
}

func (w *objWriter) stringVal(s string) { w.stringRaw(s) }

func (w *objWriter) intVal(n int) {
	w.buf.WriteString(strconv.Itoa(n))
}

func (w *objWriter) boolVal(b bool) {
	w.buf.WriteString(strconv.FormatBool(b))
}

func (w *objWriter) stringArray(items []string) {
	if len(items) == 0 {
		w.buf.WriteString("[]")
		return
	}
	w.openArray()
	for _, s := range items {
		w.arrayItem()
		w.stringRaw(s)
	}
	w.closeArray()
}

func (w *objWriter) stringMap(m map[string]string) {
	if len(m) == 0 {
		w.buf.WriteString("{}")
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.open()
	for _, k := range keys {
		w.key(k)
		w.stringRaw(m[k])
	}
	w.close()
}

func (w *objWriter) anyMap(m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.open()
	for _, k := range keys {
		w.key(k)
		w.anyVal(m[k])
	}
	w.close()
}

// anyVal renders the free-form values a tape can carry: latency and
// error-rate overrides, annotation scalars.
func (w *objWriter) anyVal(v any) {
	switch val := v.(type) {
	case nil:
		w.buf.WriteString("null")
	case string:
		w.stringRaw(val)
	case bool:
		w.boolVal(val)
	case int:
		w.intVal(val)
	case int64:
		w.buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		if val == float64(int64(val)) {
			w.buf.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			w.buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case []int:
		w.openArray()
		for _, n := range val {
			w.arrayItem()
			w.intVal(n)
		}
		w.closeArray()
	case [2]int:
		w.openArray()
		for _, n := range val {
			w.arrayItem()
			w.intVal(n)
		}
		w.closeArray()
	case []any:
		w.openArray()
		for _, item := range val {
			w.arrayItem()
			w.anyVal(item)
		}
		w.closeArray()
	case map[string]any:
		w.anyMap(val)
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			w.buf.WriteString("null")
			return
		}
		w.buf.Write(enc)
	}
}
