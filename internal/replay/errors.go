package replay

import (
	"fmt"
	"strings"

	"github.com/claudecontrol/claude-control/internal/match"
)

// NearMiss is one stored key close to the requested one, for
// diagnosing why a lookup missed.
type NearMiss struct {
	Distance   int // Hamming distance in hash space
	Path       string
	Exchange   int
	Components match.Components
}

// MissError reports that no recorded exchange matched the current
// input. It carries the normalized key components of the request and
// the nearest stored keys.
type MissError struct {
	Components match.Components
	Nearest    []NearMiss
}

func (e *MissError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no tape matches input %q (program=%s prompt=%q)",
		e.Components.Input, e.Components.Program, e.Components.Prompt)
	for _, n := range e.Nearest {
		fmt.Fprintf(&b, "\n  near miss %s[%d] (distance %d): input %q prompt %q",
			n.Path, n.Exchange, n.Distance, n.Components.Input, n.Components.Prompt)
	}
	return b.String()
}

// Diff renders the component-by-component comparison against the
// closest stored key, for the CLI's actionable hint.
func (e *MissError) Diff() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wanted: program=%s args=%v prompt=%q input=%q\n",
		e.Components.Program, e.Components.Args, e.Components.Prompt, e.Components.Input)
	if len(e.Nearest) == 0 {
		b.WriteString("no stored exchanges to compare against")
		return b.String()
	}
	n := e.Nearest[0]
	fmt.Fprintf(&b, "closest (%s[%d]): program=%s args=%v prompt=%q input=%q",
		n.Path, n.Exchange, n.Components.Program, n.Components.Args, n.Components.Prompt, n.Components.Input)
	return b.String()
}

// InjectedError is the synthetic failure surfaced by the error policy
// during replay.
type InjectedError struct {
	AtExchange int
}

func (e *InjectedError) Error() string {
	return fmt.Sprintf("injected error during exchange %d", e.AtExchange)
}
