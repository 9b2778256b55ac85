package highlight

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span is a classified byte range of a whole document, as produced by a Lexer.
type Span struct {
	Start int
	End   int
	Type  string
}

// SplitLines splits text into lines without their terminators. Both "\n"
// and "\r\n" end a line; a trailing terminator yields a final empty line.
func SplitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// BuildTree turns lexer spans over text into a token tree whose lines are
// exactly partitioned. Spans may cross line boundaries and are split at
// them. Overlapping spans keep the earlier one. Text no span covers is
// filled with unclassified tokens: whitespace runs, single bracket
// characters, and runs of anything else.
func BuildTree(text string, spans []Span) *TokenTree {
	sorted := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.End > s.Start && s.Start >= 0 && s.End <= len(text) {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	raw := strings.Split(text, "\n")
	tree := &TokenTree{Lines: make([]Line, 0, len(raw))}

	next := 0 // first span that may still touch the current line
	lineStart := 0
	for _, r := range raw {
		lineText := strings.TrimSuffix(r, "\r")
		lineEnd := lineStart + len(lineText)

		for next < len(sorted) && sorted[next].End <= lineStart {
			next++
		}

		var tokens []Token
		cursor := 0
		for i := next; i < len(sorted) && sorted[i].Start < lineEnd; i++ {
			s := sorted[i]
			start := max(s.Start, lineStart) - lineStart
			end := min(s.End, lineEnd) - lineStart
			if start < cursor {
				start = cursor
			}
			if end <= start {
				continue
			}
			tokens = appendGap(tokens, lineText, cursor, start)
			tokens = append(tokens, Token{Text: lineText[start:end], Type: s.Type, Start: start, Depth: NoDepth})
			cursor = end
		}
		tokens = appendGap(tokens, lineText, cursor, len(lineText))

		tree.Lines = append(tree.Lines, Line{Text: lineText, Tokens: tokens})
		lineStart += len(r) + 1
	}
	return tree
}

type runeClass int

const (
	classSpace runeClass = iota
	classBracket
	classOther
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case isBracket(r):
		return classBracket
	default:
		return classOther
	}
}

// appendGap fills line[from:to] with unclassified tokens.
func appendGap(tokens []Token, line string, from, to int) []Token {
	i := from
	for i < to {
		r, size := utf8.DecodeRuneInString(line[i:to])
		class := classify(r)
		j := i + size
		if class != classBracket {
			for j < to {
				r2, size2 := utf8.DecodeRuneInString(line[j:to])
				if classify(r2) != class {
					break
				}
				j += size2
			}
		}
		tokens = append(tokens, Token{Text: line[i:j], Start: i, Depth: NoDepth})
		i = j
	}
	return tokens
}
