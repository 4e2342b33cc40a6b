package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/normalize"
	"github.com/claudecontrol/claude-control/internal/tape"
)

// WriteTape persists a tape at the given path (relative to the root)
// under the record mode. RecordDisabled is a no-op. RecordNew appends
// the tape's exchanges to an existing file, deduplicated by key;
// RecordOverwrite replaces the file wholesale. The write acquires an
// exclusive advisory lock on a sibling lock file, writes a temp file,
// fsyncs, and renames over the target. Every written tape is marked
// new for the exit summary.
func (s *Store) WriteTape(rel string, t *tape.Tape, mode RecordMode) error {
	return s.writeTape(rel, t, mode, true)
}

func (s *Store) writeTape(rel string, t *tape.Tape, mode RecordMode, markNew bool) error {
	if mode == RecordDisabled {
		return nil
	}

	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return &IOError{Path: rel, Op: "mkdir", Err: err}
	}

	lock, err := lockTape(abs+".lock", s.lockRetryDelay, s.lockRetryBudget)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			slog.Warn("failed to release tape lock", "path", rel, "error", err)
		}
	}()

	_, statErr := os.Stat(abs)
	existed := statErr == nil

	final := t
	if mode == RecordNew && existed {
		existing, err := s.readTapeFile(abs)
		if err != nil {
			return fmt.Errorf("failed to merge into existing tape %s: %w", rel, err)
		}
		final = mergeExchanges(existing, t, s.mergeBuilder())
	}

	data, err := tape.Encode(final)
	if err != nil {
		return &IOError{Path: rel, Op: "encode", Err: err}
	}
	if err := atomicWriteFile(abs, data, 0644); err != nil {
		return &IOError{Path: rel, Op: "write", Err: err}
	}

	s.mu.Lock()
	if i, ok := s.pathIdx[rel]; ok {
		s.tapes[i] = final
	} else {
		s.pathIdx[rel] = len(s.paths)
		s.paths = append(s.paths, rel)
		s.tapes = append(s.tapes, final)
	}
	if markNew {
		s.newSet[rel] = struct{}{}
	}
	if s.builder != nil {
		s.rebuildIndexLocked()
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) mergeBuilder() *match.KeyBuilder {
	s.mu.RLock()
	b := s.builder
	s.mu.RUnlock()
	if b == nil {
		b = match.NewKeyBuilder(match.Policy{})
	}
	return b
}

// mergeExchanges appends captured exchanges to an existing tape,
// skipping those whose key already exists in the file.
func mergeExchanges(existing, captured *tape.Tape, builder *match.KeyBuilder) *tape.Tape {
	seen := map[match.Key]struct{}{}
	for i := range existing.Exchanges {
		ex := &existing.Exchanges[i]
		seen[builder.BuildKey(match.TapeContext(&existing.Meta, ex), ex.Input)] = struct{}{}
	}
	merged := *existing
	merged.Exchanges = append([]tape.Exchange(nil), existing.Exchanges...)
	for i := range captured.Exchanges {
		ex := &captured.Exchanges[i]
		key := builder.BuildKey(match.TapeContext(&captured.Meta, ex), ex.Input)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged.Exchanges = append(merged.Exchanges, *ex)
	}
	return &merged
}

// atomicWriteFile writes data to a temp file in the target directory,
// fsyncs, then renames over the target.
func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tempFile, err := os.CreateTemp(dir, ".tmp-tape-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove temporary file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %q: %w", tempFile.Name(), err)
	}
	if err := os.Chmod(tempFile.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

// Validate re-reads every tape file under the root and checks it
// against the tape schema. Strict mode pins exchange structure and
// rejects unknown top-level keys.
func (s *Store) Validate(strict bool) []Diagnostic {
	var diags []Diagnostic
	if _, err := os.Stat(s.root); err != nil {
		return diags
	}
	var rels []string
	_ = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".json5" {
			return nil
		}
		if rel, err := filepath.Rel(s.root, path); err == nil {
			rels = append(rels, rel)
		}
		return nil
	})
	sort.Strings(rels)
	for _, rel := range rels {
		data, err := os.ReadFile(filepath.Join(s.root, rel))
		if err != nil {
			diags = append(diags, Diagnostic{Path: rel, Err: &IOError{Path: rel, Op: "read", Err: err}})
			continue
		}
		if err := tape.ValidateBytes(data, strict); err != nil {
			diags = append(diags, Diagnostic{Path: rel, Err: err})
		}
	}
	return diags
}

// RedactResult reports whether a tape was modified by RedactAll.
type RedactResult struct {
	Path    string
	Changed bool
}

// RedactAll applies secret redaction to every loaded exchange's input
// and output. With inplace set, modified tapes are re-written
// atomically (without being marked new).
func (s *Store) RedactAll(inplace bool) ([]RedactResult, error) {
	s.mu.Lock()
	paths := append([]string(nil), s.paths...)
	tapes := append([]*tape.Tape(nil), s.tapes...)
	s.mu.Unlock()

	results := make([]RedactResult, 0, len(paths))
	for i, rel := range paths {
		changed := redactTape(tapes[i])
		results = append(results, RedactResult{Path: rel, Changed: changed})
		if changed && inplace {
			if err := s.writeTape(rel, tapes[i], RecordOverwrite, false); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func redactTape(t *tape.Tape) bool {
	var changed bool
	for i := range t.Exchanges {
		ex := &t.Exchanges[i]
		switch ex.Input.Kind {
		case tape.InputLine:
			if red := string(normalize.RedactAlways([]byte(ex.Input.Text))); red != ex.Input.Text {
				ex.Input.Text = red
				changed = true
			}
		case tape.InputRaw:
			if red := normalize.RedactAlways(ex.Input.Data); string(red) != string(ex.Input.Data) {
				ex.Input.Data = red
				changed = true
			}
		}
		for j := range ex.Output {
			c := &ex.Output[j]
			if red := normalize.RedactAlways(c.Data); string(red) != string(c.Data) {
				c.Data = red
				c.IsUTF8 = utf8.Valid(red)
				changed = true
			}
		}
	}
	return changed
}
