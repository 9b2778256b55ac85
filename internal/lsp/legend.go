package lsp

import (
	"encoding/json"
	"fmt"
)

// Legend is the ordered vocabulary a server uses to encode semantic tokens.
// Token type indexes and modifier bit positions refer into these lists.
type Legend struct {
	TokenTypes     []string `json:"tokenTypes"`
	TokenModifiers []string `json:"tokenModifiers"`

	typeIndex     map[string]int
	modifierIndex map[string]int
}

// NewLegend builds a legend with its name-keyed indexes.
func NewLegend(types, modifiers []string) *Legend {
	l := &Legend{TokenTypes: types, TokenModifiers: modifiers}
	l.index()
	return l
}

func (l *Legend) index() {
	l.typeIndex = make(map[string]int, len(l.TokenTypes))
	for i, name := range l.TokenTypes {
		if _, dup := l.typeIndex[name]; !dup {
			l.typeIndex[name] = i
		}
	}
	l.modifierIndex = make(map[string]int, len(l.TokenModifiers))
	for i, name := range l.TokenModifiers {
		if _, dup := l.modifierIndex[name]; !dup {
			l.modifierIndex[name] = i
		}
	}
}

// TokenType returns the type name at index i.
func (l *Legend) TokenType(i int) (string, bool) {
	if i < 0 || i >= len(l.TokenTypes) {
		return "", false
	}
	return l.TokenTypes[i], true
}

// TokenModifier returns the modifier name for bit i.
func (l *Legend) TokenModifier(i int) (string, bool) {
	if i < 0 || i >= len(l.TokenModifiers) {
		return "", false
	}
	return l.TokenModifiers[i], true
}

// TypeIndex returns the index of a type name.
func (l *Legend) TypeIndex(name string) (int, bool) {
	i, ok := l.typeIndex[name]
	return i, ok
}

// ModifierIndex returns the bit position of a modifier name.
func (l *Legend) ModifierIndex(name string) (int, bool) {
	i, ok := l.modifierIndex[name]
	return i, ok
}

// semanticTokensProvider covers both SemanticTokensOptions and
// SemanticTokensRegistrationOptions. The registration variant adds a
// document selector and an id, which are decoded and otherwise ignored.
type semanticTokensProvider struct {
	Legend *struct {
		TokenTypes     []string `json:"tokenTypes"`
		TokenModifiers []string `json:"tokenModifiers"`
	} `json:"legend"`
	Range            json.RawMessage `json:"range,omitempty"`
	Full             json.RawMessage `json:"full,omitempty"`
	DocumentSelector json.RawMessage `json:"documentSelector,omitempty"`
	ID               string          `json:"id,omitempty"`
}

// SemanticCapabilities is what a server negotiated for semantic tokens.
type SemanticCapabilities struct {
	Legend   *Legend
	Full     bool
	Range    bool
	Encoding PositionEncoding
}

// ExtractSemanticCapabilities reads the semantic token support out of the
// server capabilities returned by initialize. A server without a provider
// yields a nil Legend and no error.
func ExtractSemanticCapabilities(caps ServerCapabilities) (SemanticCapabilities, error) {
	sc := SemanticCapabilities{Encoding: caps.PositionEncoding}
	if sc.Encoding == "" {
		sc.Encoding = PositionEncodingUTF16
	}

	raw := caps.SemanticTokensProvider
	if len(raw) == 0 || string(raw) == "null" {
		return sc, nil
	}

	var p semanticTokensProvider
	if err := json.Unmarshal(raw, &p); err != nil {
		return sc, fmt.Errorf("decode semanticTokensProvider: %w", err)
	}
	if p.Legend == nil {
		return sc, nil
	}

	sc.Legend = NewLegend(p.Legend.TokenTypes, p.Legend.TokenModifiers)
	sc.Full = optionEnabled(p.Full)
	sc.Range = optionEnabled(p.Range)
	return sc, nil
}

// optionEnabled interprets an LSP "boolean or options object" field.
func optionEnabled(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false":
		return false
	default:
		return true
	}
}
