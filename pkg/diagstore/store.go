// Package diagstore holds the diagnostic snapshot of the latest successful
// analysis run, keyed by absolute file path.
package diagstore

import (
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
)

// contextSuffix matches the " (in context of class Foo)" decoration the
// analyzer appends to trait file paths.
var contextSuffix = regexp.MustCompile(`\s+\(in context of [^)]*\)$`)

// Row is one entry of the flat results list.
type Row struct {
	File    string           `json:"file"    yaml:"file"`
	Message string           `json:"message" yaml:"message"`
	Level   finding.Severity `json:"level"   yaml:"level"`
	Line    int              `json:"line"    yaml:"line"`
}

// Snapshot is an immutable view of one complete store generation.
type Snapshot struct {
	byPath   map[string][]finding.Finding
	basePath string
	order    []string
	result   finding.RunResult
}

var emptySnapshot = &Snapshot{byPath: map[string][]finding.Finding{}}

// Get returns the findings for an absolute path, or an empty slice.
func (s *Snapshot) Get(path string) []finding.Finding {
	found, ok := s.byPath[filepath.Clean(path)]
	if !ok {
		return []finding.Finding{}
	}

	return slices.Clone(found)
}

// Files returns the absolute paths of the snapshot in run order.
func (s *Snapshot) Files() []string {
	return slices.Clone(s.order)
}

// Len returns the number of files in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.order)
}

// IssueCount returns the total number of findings.
func (s *Snapshot) IssueCount() int {
	return s.result.Len()
}

// BasePath returns the project root the snapshot was resolved against.
func (s *Snapshot) BasePath() string {
	return s.basePath
}

// Result returns the run result the snapshot was built from.
func (s *Snapshot) Result() finding.RunResult {
	return s.result
}

// Rows flattens the snapshot into the results list, in run order, with file
// paths as the tool reported them.
func (s *Snapshot) Rows() []Row {
	rows := make([]Row, 0, s.result.Len())

	for _, f := range s.result.Findings() {
		rows = append(rows, Row{
			File:    f.FilePath,
			Line:    f.Line,
			Message: f.Message,
			Level:   f.Severity,
		})
	}

	return rows
}

// All returns a copy of the whole path → findings mapping.
func (s *Snapshot) All() map[string][]finding.Finding {
	out := make(map[string][]finding.Finding, len(s.byPath))

	for path, findings := range s.byPath {
		out[path] = slices.Clone(findings)
	}

	return out
}

// Change describes what a ReplaceAll did to the set of files.
type Change struct {
	Snapshot *Snapshot
	// Removed lists files present before the replace and absent after it.
	Removed []string
}

// Listener observes store replacements.
type Listener func(Change)

// Store is the process-owned diagnostic collection. Readers always observe a
// complete snapshot; ReplaceAll swaps generations under the write lock.
type Store struct {
	current   *Snapshot
	listeners map[uint64]Listener
	mu        sync.RWMutex
	nextID    uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		current:   emptySnapshot,
		listeners: make(map[uint64]Listener),
	}
}

// AbsolutePath resolves a tool-reported path against basePath.
func AbsolutePath(basePath, reported string) string {
	reported = contextSuffix.ReplaceAllString(reported, "")

	if filepath.IsAbs(reported) {
		return filepath.Clean(reported)
	}

	return filepath.Join(basePath, reported)
}

// ReplaceAll drops every prior entry and installs one entry per file of
// result. It is a snapshot replace, never a merge.
func (s *Store) ReplaceAll(result finding.RunResult, basePath string) Change {
	next := &Snapshot{
		byPath:   make(map[string][]finding.Finding, len(result.Files)),
		order:    make([]string, 0, len(result.Files)),
		basePath: basePath,
		result:   result,
	}

	for _, file := range result.Files {
		abs := AbsolutePath(basePath, file.Path)

		existing, seen := next.byPath[abs]
		if !seen {
			next.order = append(next.order, abs)
			existing = make([]finding.Finding, 0, len(file.Findings))
		}

		next.byPath[abs] = append(existing, file.Findings...)
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	listeners := s.listenersLocked()
	s.mu.Unlock()

	change := Change{Snapshot: next, Removed: removedFiles(prev, next)}

	for _, listener := range listeners {
		listener(change)
	}

	return change
}

// Clear empties the store, notifying listeners of the removed files.
func (s *Store) Clear() Change {
	s.mu.Lock()
	prev := s.current
	s.current = emptySnapshot
	listeners := s.listenersLocked()
	s.mu.Unlock()

	change := Change{Snapshot: emptySnapshot, Removed: prev.Files()}

	for _, listener := range listeners {
		listener(change)
	}

	return change
}

// Snapshot returns the current generation.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Get returns the findings for an absolute path, or an empty slice.
func (s *Store) Get(path string) []finding.Finding {
	return s.Snapshot().Get(path)
}

// All returns a copy of the current mapping.
func (s *Store) All() map[string][]finding.Finding {
	return s.Snapshot().All()
}

// Files returns the current file set in run order.
func (s *Store) Files() []string {
	return s.Snapshot().Files()
}

// Subscribe registers a listener called after every replacement. The returned
// function removes it.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.listeners, id)
	}
}

func (s *Store) listenersLocked() []Listener {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}

	return out
}

func removedFiles(prev, next *Snapshot) []string {
	var removed []string

	for _, path := range prev.order {
		if _, ok := next.byPath[path]; !ok {
			removed = append(removed, path)
		}
	}

	return removed
}
