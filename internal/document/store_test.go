package document

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.rs")
	writeFile(t, path, "\xEF\xBB\xBFfn main() {\r\n}\r\n")

	s := NewStore()
	doc, err := s.Open(path)
	require.NoError(t, err)

	assert.Equal(t, path, doc.Path)
	assert.Equal(t, "rust", doc.LanguageID)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "fn main() {\n}\n", doc.Text)
	assert.Equal(t, []string{"fn main() {", "}", ""}, doc.Lines)
	assert.Contains(t, string(doc.URI), "file://")
}

func TestOpenVersioning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	writeFile(t, path, "package a\n")

	s := NewStore()
	doc, err := s.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)

	doc, err = s.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version, "unchanged content keeps its version")

	writeFile(t, path, "package b\n")
	doc, err = s.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, "package b\n", doc.Text)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	_, err := s.Open(filepath.Join(dir, "missing.go"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte{0xff, 0xfe, 'a'}, 0o644))
	_, err = s.Open(bad)
	assert.ErrorIs(t, err, ErrNotUTF8)
}

func TestGetClosePaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	b := filepath.Join(dir, "b.py")
	writeFile(t, a, "x = 1\n")
	writeFile(t, b, "y = 2\n")

	s := NewStore()
	_, err := s.Open(b)
	require.NoError(t, err)
	_, err = s.Open(a)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, s.Paths())

	doc, ok := s.Get(a)
	require.True(t, ok)
	assert.Equal(t, "x = 1\n", doc.Text)

	require.NoError(t, s.Close(a))
	_, ok = s.Get(a)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Close(a), ErrNotOpen)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb\nc", Normalize("a\r\nb\rc"))
	assert.Equal(t, "plain", Normalize("plain"))
}

type changeLog struct {
	mu      sync.Mutex
	changes []ChangeKind
}

func (c *changeLog) record(_ Document, kind ChangeKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, kind)
}

func (c *changeLog) has(kind ChangeKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.changes {
		if k == kind {
			return true
		}
	}
	return false
}

func TestWatchReloadsAndDrops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.go")
	writeFile(t, path, "package w\n")

	log := &changeLog{}
	s := NewStore(WithChangeHandler(log.record))
	_, err := s.Open(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	require.Eventually(t, s.Watching, 2*time.Second, 10*time.Millisecond)

	writeFile(t, path, "package w2\n")
	require.Eventually(t, func() bool {
		doc, ok := s.Get(path)
		return ok && doc.Version >= 2 && doc.Text == "package w2\n"
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, log.has(Changed))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := s.Get(path)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, log.has(Removed))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
	assert.False(t, s.Watching())
}

func TestWatchTwice(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	require.Eventually(t, s.Watching, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Watch(ctx), ErrWatching)
}
