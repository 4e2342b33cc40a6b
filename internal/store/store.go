// Package store loads, indexes, and persists tapes. A Store is owned
// by one Session: tapes are loaded once at construction, the index is
// a snapshot, and all writes flow through WriteTape under a per-path
// advisory file lock.
package store

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/tape"
)

// RecordMode controls whether and how new exchanges are persisted.
type RecordMode string

const (
	// RecordNew appends non-duplicate exchanges to existing tapes and
	// creates missing ones.
	RecordNew RecordMode = "new"
	// RecordOverwrite replaces tape files wholesale.
	RecordOverwrite RecordMode = "overwrite"
	// RecordDisabled never writes.
	RecordDisabled RecordMode = "disabled"
)

// ParseRecordMode parses a CLI record-mode value.
func ParseRecordMode(s string) (RecordMode, bool) {
	switch RecordMode(s) {
	case RecordNew, RecordOverwrite, RecordDisabled:
		return RecordMode(s), true
	}
	return "", false
}

// Entry locates one exchange: indices into the loaded tape vector.
type Entry struct {
	Tape     int
	Exchange int
}

// Diagnostic couples a tape path with a load or validation failure.
type Diagnostic struct {
	Path string
	Err  error
}

// Store is the in-memory tape collection plus its lookup index.
type Store struct {
	root string

	mu      sync.RWMutex
	tapes   []*tape.Tape
	paths   []string // rel paths in load order (lexicographic)
	pathIdx map[string]int
	index   map[match.Key]Entry
	buckets map[match.BucketKey][]Entry
	used    map[string]struct{}
	newSet  map[string]struct{}
	builder *match.KeyBuilder
	diags   []Diagnostic

	lockRetryDelay  time.Duration
	lockRetryBudget time.Duration
}

// New creates an empty store rooted at the tapes directory.
func New(root string) *Store {
	return &Store{
		root:            root,
		pathIdx:         map[string]int{},
		used:            map[string]struct{}{},
		newSet:          map[string]struct{}{},
		lockRetryDelay:  50 * time.Millisecond,
		lockRetryBudget: 5 * time.Second,
	}
}

// Root returns the tapes root directory.
func (s *Store) Root() string { return s.root }

// LoadAll walks the root recursively for *.json5 files in
// lexicographic order by relative path. Tapes that fail to decode are
// reported via Diagnostics and skipped; the walk itself failing is an
// *IOError.
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tapes = nil
	s.paths = nil
	s.pathIdx = map[string]int{}
	s.diags = nil

	if _, err := os.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Path: s.root, Op: "stat", Err: err}
	}

	var rels []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json5" {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return &IOError{Path: s.root, Op: "walk", Err: err}
	}
	sort.Strings(rels)

	for _, rel := range rels {
		t, err := s.readTapeFile(filepath.Join(s.root, rel))
		if err != nil {
			slog.Warn("skipping unreadable tape", "path", rel, "error", err)
			s.diags = append(s.diags, Diagnostic{Path: rel, Err: err})
			continue
		}
		s.pathIdx[rel] = len(s.paths)
		s.paths = append(s.paths, rel)
		s.tapes = append(s.tapes, t)
	}
	return nil
}

func (s *Store) readTapeFile(path string) (*tape.Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	return tape.Decode(data)
}

// ReadTape decodes a single tape file relative to the root without
// touching the loaded set.
func (s *Store) ReadTape(rel string) (*tape.Tape, error) {
	return s.readTapeFile(filepath.Join(s.root, rel))
}

// Diagnostics returns the load failures collected by LoadAll.
func (s *Store) Diagnostics() []Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Diagnostic(nil), s.diags...)
}

// BuildIndex computes the exchange lookup index under the given key
// builder. Duplicate keys are logged; the first in (tape load order,
// exchange order) wins.
func (s *Store) BuildIndex(builder *match.KeyBuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builder = builder
	s.rebuildIndexLocked()
}

func (s *Store) rebuildIndexLocked() {
	s.index = map[match.Key]Entry{}
	s.buckets = map[match.BucketKey][]Entry{}
	for ti, t := range s.tapes {
		for ei := range t.Exchanges {
			ex := &t.Exchanges[ei]
			ctx := match.TapeContext(&t.Meta, ex)
			key := s.builder.BuildKey(ctx, ex.Input)
			entry := Entry{Tape: ti, Exchange: ei}
			if prev, ok := s.index[key]; ok {
				slog.Warn("duplicate tape key, first wins",
					"key", key.String(),
					"kept", s.paths[prev.Tape],
					"ignored", s.paths[ti])
			} else {
				s.index[key] = entry
			}
			bucket := s.builder.Bucket(ctx)
			s.buckets[bucket] = append(s.buckets[bucket], entry)
		}
	}
}

// FindMatch resolves a runtime context and input to a stored exchange.
// With custom matchers configured the lookup scans the coarse
// (program, cwd, prompt) bucket; otherwise it is a hash lookup.
func (s *Store) FindMatch(ctx *match.Context, in tape.Input) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.builder == nil || s.index == nil {
		return Entry{}, false
	}

	if !s.builder.Policy().Custom() {
		entry, ok := s.index[s.builder.BuildKey(ctx, in)]
		return entry, ok
	}

	candidates := s.buckets[s.builder.Bucket(ctx)]
	policy := s.builder.Policy()
	cmdMatch := policy.CommandMatcher
	if cmdMatch == nil {
		cmdMatch = match.DefaultCommandMatcher
	}
	stdinMatch := policy.StdinMatcher
	if stdinMatch == nil {
		stdinMatch = match.DefaultStdinMatcher
	}
	actualCmd := append([]string{filepath.Base(ctx.Program)}, s.builder.FilterArgs(ctx.Args)...)
	actualStdin := in.Bytes()
	for _, entry := range candidates {
		t := s.tapes[entry.Tape]
		ex := &t.Exchanges[entry.Exchange]
		expectedCmd := append([]string{filepath.Base(t.Meta.Program)}, s.builder.FilterArgs(t.Meta.Args)...)
		if !cmdMatch(expectedCmd, actualCmd, ctx) {
			continue
		}
		if !policy.IgnoreStdin && !stdinMatch(ex.Input.Bytes(), actualStdin, ctx) {
			continue
		}
		return entry, true
	}
	return Entry{}, false
}

// Exchange dereferences an index entry.
func (s *Store) Exchange(e Entry) (*tape.Tape, *tape.Exchange, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tapes[e.Tape]
	return t, &t.Exchanges[e.Exchange], s.paths[e.Tape]
}

// ForEachKey visits every indexed key, for nearest-miss diagnostics.
// The visit callback runs outside the store lock and may call back
// into the store.
func (s *Store) ForEachKey(visit func(key match.Key, e Entry)) {
	s.mu.RLock()
	snapshot := make(map[match.Key]Entry, len(s.index))
	for k, e := range s.index {
		snapshot[k] = e
	}
	s.mu.RUnlock()
	for k, e := range snapshot {
		visit(k, e)
	}
}

// Builder returns the key builder the index was built with.
func (s *Store) Builder() *match.KeyBuilder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.builder
}

// Len returns the number of loaded tapes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tapes)
}

// Paths returns the loaded tape paths relative to the root.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.paths...)
}

// Tape returns the loaded tape at the given rel path, if any.
func (s *Store) Tape(rel string) (*tape.Tape, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.pathIdx[rel]
	if !ok {
		return nil, false
	}
	return s.tapes[i], true
}

// MarkUsed records that a tape satisfied a lookup this session.
func (s *Store) MarkUsed(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[rel] = struct{}{}
}

// MarkNew records that a tape was created this session.
func (s *Store) MarkNew(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newSet[rel] = struct{}{}
}
