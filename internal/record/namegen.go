package record

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// NameContext is what a tape name generator gets to work with.
type NameContext struct {
	Program string
	// Preview is a short printable prefix of the last recorded input.
	Preview string
	Now     time.Time
}

// NameGenerator maps a naming context to a tape path relative to the
// tapes root.
type NameGenerator func(ctx *NameContext) string

// DefaultNameGenerator produces
// <program_basename>/unnamed-<epoch_ms>-<hash8>.json5 where the hash
// covers program, input preview, and timestamp.
func DefaultNameGenerator(ctx *NameContext) string {
	program := filepath.Base(ctx.Program)
	if program == "" || program == "." || program == string(filepath.Separator) {
		program = "session"
	}
	epochMs := ctx.Now.UnixMilli()
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d", program, ctx.Preview, epochMs)))
	digest := hex.EncodeToString(sum[:])[:8]
	return filepath.Join(program, fmt.Sprintf("unnamed-%d-%s.json5", epochMs, digest))
}

// FixedName returns a generator that always names the tape
// <program_basename>/<name>.json5, for the CLI --name flag.
func FixedName(name string) NameGenerator {
	return func(ctx *NameContext) string {
		program := filepath.Base(ctx.Program)
		if program == "" || program == "." {
			program = "session"
		}
		if filepath.Ext(name) != ".json5" {
			name += ".json5"
		}
		return filepath.Join(program, name)
	}
}
