// Package normalize provides the pure byte transformers used to build
// match keys and to scrub recorded output: ANSI stripping, whitespace
// collapsing, volatile-token scrubbing, and secret redaction.
package normalize

import (
	"bytes"
	"regexp"
)

// ansiRE matches CSI sequences (ESC [ param* intermediate* final) and
// OSC sequences (ESC ] ... terminated by BEL or ESC \).
var ansiRE = regexp.MustCompile(`\x1b(?:\[[0-?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// wsRE matches runs of ASCII whitespace.
var wsRE = regexp.MustCompile(`[\t\n\v\f\r ]+`)

// Volatile-token patterns, applied in order. The 0x-prefixed rule runs
// before the bare-hex rule so a hex literal is not half-consumed as an ID.
var volatilePatterns = []struct {
	re          *regexp.Regexp
	replacement []byte
}{
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?\b`), []byte("<TS>")},
	{regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), []byte("<HEX>")},
	{regexp.MustCompile(`\b[0-9a-f]{7,40}\b`), []byte("<ID>")},
}

// StripANSI removes CSI and OSC escape sequences. All other bytes are
// preserved. Idempotent.
func StripANSI(data []byte) []byte {
	if !bytes.Contains(data, []byte{0x1b}) {
		return data
	}
	return ansiRE.ReplaceAll(data, nil)
}

// CollapseWS replaces every run of ASCII whitespace with a single space
// and trims leading and trailing whitespace. Idempotent.
func CollapseWS(data []byte) []byte {
	collapsed := wsRE.ReplaceAll(data, []byte(" "))
	return bytes.Trim(collapsed, " ")
}

// Scrub replaces volatile substrings (timestamps, hex literals, long
// hex words) with stable placeholders. Replacement is non-overlapping
// left-to-right within each pattern, and the pattern order is fixed.
func Scrub(data []byte) []byte {
	result := data
	for _, p := range volatilePatterns {
		result = p.re.ReplaceAll(result, p.replacement)
	}
	return result
}

// StripANSIString is StripANSI over a string.
func StripANSIString(s string) string {
	return string(StripANSI([]byte(s)))
}

// CollapseWSString is CollapseWS over a string.
func CollapseWSString(s string) string {
	return string(CollapseWS([]byte(s)))
}
