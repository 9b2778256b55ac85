package highlight

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Engine names select the lexer implementation.
const (
	EngineSimple     = "simple"
	EngineTreeSitter = "treesitter"
)

type lexerEntry struct {
	pattern *regexp.Regexp
	lexer   Lexer
}

// LexerRegistry picks a lexer for a file by matching its name against
// registered patterns in registration order.
type LexerRegistry struct {
	mu      sync.RWMutex
	entries []lexerEntry
}

// NewLexerRegistry creates an empty registry.
func NewLexerRegistry() *LexerRegistry {
	return &LexerRegistry{}
}

// Register adds a lexer for file names matching pattern.
func (r *LexerRegistry) Register(pattern string, lx Lexer) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("lexer pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, lexerEntry{pattern: re, lexer: lx})
	return nil
}

// For returns the first lexer whose pattern matches path or its base name.
func (r *LexerRegistry) For(path string) (Lexer, bool) {
	base := filepath.Base(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.pattern.MatchString(path) || e.pattern.MatchString(base) {
			return e.lexer, true
		}
	}
	return nil, false
}

// Languages returns the registered languages in registration order.
func (r *LexerRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		langs = append(langs, e.lexer.Language())
	}
	return langs
}

// extensionPattern builds a pattern matching any of the extensions.
func extensionPattern(exts []string) string {
	quoted := make([]string, len(exts))
	for i, ext := range exts {
		quoted[i] = regexp.QuoteMeta(ext)
	}
	return `(?i)(` + strings.Join(quoted, "|") + `)$`
}

// DefaultLexers returns a registry covering every built-in language with
// the named engine. The tree-sitter engine is used for languages that
// bundle a grammar and the regex lexers fill the rest.
func DefaultLexers(engine string) (*LexerRegistry, error) {
	if engine == "" {
		engine = EngineTreeSitter
	}
	if engine != EngineSimple && engine != EngineTreeSitter {
		return nil, fmt.Errorf("unknown lexer engine %q", engine)
	}

	r := NewLexerRegistry()
	for _, simple := range BuiltinLexers() {
		var lx Lexer = simple
		if engine == EngineTreeSitter {
			if ts, err := NewTreeSitterLexer(simple.Language()); err == nil {
				lx = ts
			}
		}
		if err := r.Register(extensionPattern(simple.FileExtensions()), lx); err != nil {
			return nil, err
		}
	}
	return r, nil
}
