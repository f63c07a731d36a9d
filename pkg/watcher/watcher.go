// Package watcher reports source file changes under a project root, scoped to
// one language.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/src-d/enry/v2"
)

// Op is the kind of change.
type Op int

const (
	// Created indicates a new file.
	Created Op = iota
	// Written indicates a modified file.
	Written
	// Removed indicates a deleted or renamed-away file.
	Removed
)

func (op Op) String() string {
	switch op {
	case Created:
		return "created"
	case Written:
		return "written"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a change to a file of the watched language.
type Event struct {
	Path string
	Op   Op
}

// Watcher watches a directory tree. Vendored and dot directories are skipped.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func(Event)
	logger   *slog.Logger
	done     chan struct{}
	root     string
	language string
	once     sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New starts watching root. onChange is called from the Run goroutine.
func New(root, language string, onChange func(Event), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
		root:     filepath.Clean(root),
		language: language,
	}

	for _, opt := range opts {
		opt(w)
	}

	err = w.addRecursive(w.root)
	if err != nil {
		closeErr := fsw.Close()

		return nil, errors.Join(err, closeErr)
	}

	return w, nil
}

// Matches reports whether path is a file of language, judged by name.
func Matches(path, language string) bool {
	base := filepath.Base(path)

	for _, candidate := range enry.GetLanguagesByExtension(base, nil, nil) {
		if strings.EqualFold(candidate, language) {
			return true
		}
	}

	byName, _ := enry.GetLanguageByFilename(base)

	return byName != "" && strings.EqualFold(byName, language)
}

// GlobPatterns returns one "**/*<ext>" pattern per known extension of
// language, or nil for an unknown language.
func GlobPatterns(language string) []string {
	name, ok := enry.GetLanguageByAlias(language)
	if !ok {
		name = language
	}

	extensions := enry.GetLanguageExtensions(name)
	if len(extensions) == 0 {
		return nil
	}

	patterns := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		patterns = append(patterns, "**/*"+ext)
	}

	return patterns
}

// Run delivers events until ctx ends or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.WarnContext(ctx, "file watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error

	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})

	return err
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			addErr := w.addRecursive(path)
			if addErr != nil {
				w.logger.Warn("watch new directory", "path", path, "error", addErr)
			}

			return
		}
	}

	if !Matches(path, w.language) {
		return
	}

	var op Op

	switch {
	case event.Has(fsnotify.Create):
		op = Created
	case event.Has(fsnotify.Write):
		op = Written
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = Removed
	default:
		return
	}

	if w.onChange != nil {
		w.onChange(Event{Path: path, Op: op})
	}
}

func (w *Watcher) addRecursive(dir string) error {
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}

			return err
		}

		if !entry.IsDir() {
			return nil
		}

		if path != w.root && w.skipDir(path) {
			return filepath.SkipDir
		}

		addErr := w.fsw.Add(path)
		if addErr != nil && !errors.Is(addErr, fs.ErrPermission) {
			return fmt.Errorf("watch %s: %w", path, addErr)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}

	return nil
}

func (w *Watcher) skipDir(path string) bool {
	if enry.IsDotFile(filepath.Base(path)) {
		return true
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}

	return enry.IsVendor(filepath.ToSlash(rel) + "/")
}
