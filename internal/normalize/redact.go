package normalize

import (
	"bytes"
	"os"
	"regexp"
	"sync"
	"unicode/utf8"
)

// EnvRedact is the process-wide opt-out knob. Setting it to "0" or
// "false" stores tape payloads verbatim.
const EnvRedact = "CLAUDECONTROL_REDACT"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(password|token|secret|api[_-]?key)\s*[:=]\s*[^\s]+`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
}

var (
	redactOnce    sync.Once
	redactEnabled bool

	// lookupEnv is a seam for tests.
	lookupEnv = os.LookupEnv
)

// RedactionEnabled reports whether secret redaction is active. The
// environment is consulted once per process.
func RedactionEnabled() bool {
	redactOnce.Do(func() {
		redactEnabled = true
		if v, ok := lookupEnv(EnvRedact); ok {
			switch v {
			case "0", "false", "False":
				redactEnabled = false
			}
		}
	})
	return redactEnabled
}

// Redact masks secret-shaped substrings in a UTF-8 payload, preserving
// the key and separator: "password: hunter2" becomes "password: ***".
// Non-UTF-8 payloads are returned unchanged. When redaction is disabled
// the payload is returned verbatim.
func Redact(data []byte) []byte {
	if !RedactionEnabled() {
		return data
	}
	return redact(data)
}

// RedactAlways masks secret-shaped substrings regardless of the
// process toggle. Used by the explicit `tapes redact` path.
func RedactAlways(data []byte) []byte {
	return redact(data)
}

// redact applies the secret patterns regardless of the process toggle.
func redact(data []byte) []byte {
	if !utf8.Valid(data) {
		return data
	}
	result := data
	for _, re := range secretPatterns {
		result = re.ReplaceAllFunc(result, mask)
	}
	return result
}

// mask rewrites one secret match, keeping everything up to and
// including the separator.
func mask(m []byte) []byte {
	if i := bytes.IndexByte(m, ':'); i >= 0 {
		return append(append([]byte{}, m[:i+1]...), []byte(" ***")...)
	}
	if i := bytes.IndexByte(m, '='); i >= 0 {
		return append(append([]byte{}, m[:i+1]...), []byte("***")...)
	}
	return []byte("***")
}

// ContainsSecret reports whether a UTF-8 payload still carries a
// secret-shaped substring that masking would change. Used by the
// recorder to refuse persisting payloads that could not be redacted.
func ContainsSecret(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, re := range secretPatterns {
		if loc := re.FindIndex(data); loc != nil {
			if !bytes.Equal(mask(data[loc[0]:loc[1]]), data[loc[0]:loc[1]]) {
				return true
			}
		}
	}
	return false
}
