// Package document keeps the text of the files being highlighted and
// reloads them when they change on disk.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dshills/tokenfuse/internal/lsp"
)

var (
	// ErrNotUTF8 indicates a file whose content is not valid UTF-8.
	ErrNotUTF8 = errors.New("document is not valid UTF-8")

	// ErrNotOpen indicates a path that is not open in the store.
	ErrNotOpen = errors.New("document not open")

	// ErrWatching indicates Watch was called while already watching.
	ErrWatching = errors.New("store is already watching")
)

// utf8BOM is stripped from the start of documents.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Document is a snapshot of an open file.
type Document struct {
	Path       string
	URI        lsp.DocumentURI
	LanguageID string

	// Version increases every time the content changes.
	Version int

	// Text has "\n" line endings.
	Text  string
	Lines []string
}

// ChangeKind describes what happened to a watched document.
type ChangeKind int

const (
	// Changed means the document was reloaded with new content.
	Changed ChangeKind = iota
	// Removed means the file disappeared and the document was dropped.
	Removed
)

// String returns the change kind name.
func (k ChangeKind) String() string {
	if k == Removed {
		return "removed"
	}
	return "changed"
}

// ChangeHandler is called after a watched document changes.
type ChangeHandler func(doc Document, kind ChangeKind)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChangeHandler sets the callback run after a watched document is
// reloaded or removed.
func WithChangeHandler(h ChangeHandler) Option {
	return func(s *Store) {
		s.onChange = h
	}
}

// Store holds open documents keyed by absolute path.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	watcher  *fsnotify.Watcher
	dirs     map[string]int // watched directory -> open documents in it
	logger   *zap.Logger
	onChange ChangeHandler
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		docs:   make(map[string]*Document),
		dirs:   make(map[string]int),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "document"))
	return s
}

// Open reads path and returns its current snapshot. Opening an already
// open document rereads it and bumps the version only if the content
// changed.
func (s *Store) Open(path string) (Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, fmt.Errorf("open %s: %w", path, err)
	}
	text, err := readText(abs)
	if err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[abs]
	if !ok {
		doc = &Document{
			Path:       abs,
			URI:        lsp.FilePathToURI(abs),
			LanguageID: lsp.DetectLanguageID(abs),
		}
		s.docs[abs] = doc
		s.watchDirLocked(abs)
	}
	if !ok || doc.Text != text {
		doc.Version++
		doc.Text = text
		doc.Lines = strings.Split(text, "\n")
	}
	return *doc, nil
}

// Get returns the snapshot of an open document.
func (s *Store) Get(path string) (Document, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[abs]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// Close drops a document from the store.
func (s *Store) Close(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[abs]; !ok {
		return fmt.Errorf("%s: %w", abs, ErrNotOpen)
	}
	delete(s.docs, abs)
	s.unwatchDirLocked(abs)
	return nil
}

// Paths returns the open document paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.docs))
	for p := range s.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Watch reloads open documents when their files change on disk until ctx
// is done. Documents whose files are removed or renamed away are dropped.
// It watches the parent directories so that editors replacing files
// atomically are still seen.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = w.Close()
		return ErrWatching
	}
	s.watcher = w
	for dir := range s.dirs {
		if err := w.Add(dir); err != nil {
			s.logger.Warn("watch directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.watcher = nil
		s.mu.Unlock()
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Watching reports whether Watch is running.
func (s *Store) Watching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watcher != nil
}

// handleEvent reloads or drops the document named by ev.
func (s *Store) handleEvent(ev fsnotify.Event) {
	s.mu.RLock()
	_, open := s.docs[ev.Name]
	s.mu.RUnlock()
	if !open {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// An atomic save renames over the file; it still exists.
		if _, err := os.Stat(ev.Name); err == nil {
			s.reload(ev.Name)
			return
		}
		s.mu.Lock()
		doc, ok := s.docs[ev.Name]
		if ok {
			delete(s.docs, ev.Name)
			s.unwatchDirLocked(ev.Name)
		}
		s.mu.Unlock()
		if ok {
			s.logger.Debug("document removed", zap.String("path", ev.Name))
			s.notify(*doc, Removed)
		}
	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
		s.reload(ev.Name)
	}
}

func (s *Store) reload(path string) {
	s.mu.RLock()
	prev, ok := s.docs[path]
	var version int
	if ok {
		version = prev.Version
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	doc, err := s.Open(path)
	if err != nil {
		s.logger.Warn("reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	if doc.Version == version {
		return
	}
	s.logger.Debug("document reloaded", zap.String("path", path), zap.Int("version", doc.Version))
	s.notify(doc, Changed)
}

func (s *Store) notify(doc Document, kind ChangeKind) {
	if s.onChange != nil {
		s.onChange(doc, kind)
	}
}

// watchDirLocked counts a document in its directory and adds the
// directory to an active watcher. Callers hold mu.
func (s *Store) watchDirLocked(path string) {
	dir := filepath.Dir(path)
	s.dirs[dir]++
	if s.dirs[dir] == 1 && s.watcher != nil {
		if err := s.watcher.Add(dir); err != nil {
			s.logger.Warn("watch directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// unwatchDirLocked releases a document's directory. Callers hold mu.
func (s *Store) unwatchDirLocked(path string) {
	dir := filepath.Dir(path)
	s.dirs[dir]--
	if s.dirs[dir] > 0 {
		return
	}
	delete(s.dirs, dir)
	if s.watcher != nil {
		_ = s.watcher.Remove(dir)
	}
}

// readText reads a file as UTF-8 with "\n" line endings.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: %w", path, ErrNotUTF8)
	}
	return Normalize(string(data)), nil
}

// Normalize converts "\r\n" and lone "\r" line endings to "\n".
func Normalize(text string) string {
	if !strings.ContainsRune(text, '\r') {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
