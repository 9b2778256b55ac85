// Package highlight builds per-line token trees from lexical highlighters
// and language server semantic tokens, and fuses the two.
package highlight

import (
	"fmt"
	"strings"
)

// NoDepth marks a token that is not a matched bracket.
const NoDepth = -1

// Token is a highlighted piece of one line.
type Token struct {
	// Text is the exact source text of the token.
	Text string `json:"text"`

	// Type is a highlight name, or "" when unclassified.
	Type string `json:"type"`

	// Modifiers are semantic modifier names, sorted and without duplicates.
	Modifiers []string `json:"modifiers,omitempty"`

	// Start is the byte offset of the token within its line.
	Start int `json:"start"`

	// Depth is the bracket depth class (0, 1 or 2), or NoDepth.
	Depth int `json:"depth"`
}

// End returns the byte offset just past the token.
func (t Token) End() int {
	return t.Start + len(t.Text)
}

// HasModifier reports whether the token carries modifier m.
func (t Token) HasModifier(m string) bool {
	for _, have := range t.Modifiers {
		if have == m {
			return true
		}
	}
	return false
}

// Line is one source line and its tokens in order.
type Line struct {
	Text   string  `json:"text"`
	Tokens []Token `json:"tokens"`
}

// TokenTree is the highlighted form of a whole document, one entry per line.
type TokenTree struct {
	Lines []Line `json:"lines"`
}

// TokenCount returns the number of tokens across all lines.
func (t *TokenTree) TokenCount() int {
	n := 0
	for _, l := range t.Lines {
		n += len(l.Tokens)
	}
	return n
}

// Validate checks that the tokens of every line partition its text exactly:
// in order, without gaps or overlaps.
func (t *TokenTree) Validate() error {
	for i, l := range t.Lines {
		var b strings.Builder
		offset := 0
		for j, tok := range l.Tokens {
			if tok.Start != offset {
				return fmt.Errorf("line %d token %d: starts at %d, want %d", i, j, tok.Start, offset)
			}
			if tok.Text == "" {
				return fmt.Errorf("line %d token %d: empty text", i, j)
			}
			b.WriteString(tok.Text)
			offset = tok.End()
		}
		if b.String() != l.Text {
			return fmt.Errorf("line %d: tokens spell %q, want %q", i, b.String(), l.Text)
		}
	}
	return nil
}
