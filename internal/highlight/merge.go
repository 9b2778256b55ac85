package highlight

import "strings"

// depthClasses is the number of distinct bracket depth classes.
const depthClasses = 3

func isBracket(r rune) bool {
	return isOpener(r) || isCloser(r)
}

func isOpener(r rune) bool {
	switch r {
	case '{', '[', '(', '<':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '}', ']', ')', '>':
		return true
	}
	return false
}

// openerFor returns the opener matching closer c.
func openerFor(c rune) rune {
	switch c {
	case '}':
		return '{'
	case ']':
		return '['
	case ')':
		return '('
	case '>':
		return '<'
	}
	return 0
}

type tokenKey struct {
	start int
	text  string
}

// Merge overlays semantic tokens onto the lexical tree in place. A lexical
// token takes the type and modifiers of the semantic token on the same line
// with the same start and text. A semantic token whose type maps to no
// highlight name contributes only its modifiers.
func Merge(lexical, semantic *TokenTree) {
	if lexical == nil || semantic == nil {
		return
	}

	n := min(len(lexical.Lines), len(semantic.Lines))
	for i := 0; i < n; i++ {
		semTokens := semantic.Lines[i].Tokens
		if len(semTokens) == 0 {
			continue
		}
		byKey := make(map[tokenKey]Token, len(semTokens))
		for _, st := range semTokens {
			byKey[tokenKey{st.Start, st.Text}] = st
		}

		tokens := lexical.Lines[i].Tokens
		for j := range tokens {
			st, ok := byKey[tokenKey{tokens[j].Start, tokens[j].Text}]
			if !ok {
				continue
			}
			if st.Type != "" {
				tokens[j].Type = st.Type
			}
			tokens[j].Modifiers = append([]string(nil), st.Modifiers...)
		}
	}
}

type openBracket struct {
	char  rune
	class int
}

// AssignBracketDepth gives matching brackets a depth class. One stack spans
// the whole document. An opener is pushed and gets class (depth-1) mod 3;
// a closer pops back to its matching opener, discarding unmatched openers
// above it, and takes that opener's class. A closer with no matching opener
// on the stack is left untouched.
func AssignBracketDepth(tree *TokenTree) {
	if tree == nil {
		return
	}

	var stack []openBracket
	for i := range tree.Lines {
		tokens := tree.Lines[i].Tokens
		for j := range tokens {
			tok := &tokens[j]
			r, ok := bracketRune(*tok)
			if !ok {
				continue
			}

			if isOpener(r) {
				stack = append(stack, openBracket{char: r, class: len(stack) % depthClasses})
				tok.Type = NamePunctuationBracket
				tok.Depth = stack[len(stack)-1].class
				continue
			}

			want := openerFor(r)
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].char == want {
					tok.Type = NamePunctuationBracket
					tok.Depth = stack[k].class
					stack = stack[:k]
					break
				}
			}
		}
	}
}

// bracketRune reports whether tok is a single bracket character outside a
// string or comment.
func bracketRune(tok Token) (rune, bool) {
	if len(tok.Text) != 1 || !isBracket(rune(tok.Text[0])) {
		return 0, false
	}
	if strings.HasPrefix(tok.Type, NameString) || strings.HasPrefix(tok.Type, NameComment) {
		return 0, false
	}
	return rune(tok.Text[0]), true
}

// Fuse merges semantic into lexical when semantic is non-nil, assigns
// bracket depth classes and returns the lexical tree.
func Fuse(lexical, semantic *TokenTree) *TokenTree {
	if semantic != nil {
		Merge(lexical, semantic)
	}
	AssignBracketDepth(lexical)
	return lexical
}
