package highlight

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/tokenfuse/internal/lsp"
)

// tupleSize is the number of integers encoding one semantic token.
const tupleSize = 5

// maxModifierBits bounds the modifier bitset.
const maxModifierBits = 32

// ErrMalformedTokens indicates semantic token data whose length is not a
// multiple of five.
var ErrMalformedTokens = errors.New("semantic token data length is not a multiple of 5")

// Resolver resolves legend indexes to protocol names.
type Resolver interface {
	TokenType(i int) (string, bool)
	TokenModifier(i int) (string, bool)
}

// DecodeError reports a semantic token that does not fit the document.
type DecodeError struct {
	Index  int // token index in the data
	Line   int
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("semantic token %d (line %d): %s", e.Index, e.Line, e.Reason)
}

// Decode expands delta-encoded semantic token data against the document
// lines. Columns are measured in enc units and converted to byte offsets.
// Token types are translated to highlight names; modifier bits to sorted
// modifier names. The returned tree has one line per line reached by the
// cursor, with each line's Text set from lines.
func Decode(data []uint32, lines []string, legend Resolver, enc lsp.PositionEncoding) (*TokenTree, error) {
	if len(data)%tupleSize != 0 {
		return nil, fmt.Errorf("%w: got %d integers", ErrMalformedTokens, len(data))
	}

	tree := &TokenTree{Lines: []Line{{}}}
	if len(lines) > 0 {
		tree.Lines[0].Text = lines[0]
	}

	line, col := 0, 0
	for i := 0; i+tupleSize <= len(data); i += tupleSize {
		index := i / tupleSize
		deltaLine := int(data[i])
		deltaStart := int(data[i+1])
		length := int(data[i+2])
		typeIndex := int(data[i+3])
		modBits := data[i+4]

		if line+deltaLine >= len(lines) {
			return nil, &DecodeError{Index: index, Line: line + deltaLine, Reason: fmt.Sprintf("line outside document of %d lines", len(lines))}
		}
		if deltaLine > 0 {
			for k := 0; k < deltaLine; k++ {
				line++
				tree.Lines = append(tree.Lines, Line{Text: lines[line]})
			}
			col = 0
		}
		col += deltaStart

		src := lines[line]

		start, ok := lsp.ColumnToByteOffset(src, col, enc)
		if !ok {
			return nil, &DecodeError{Index: index, Line: line, Reason: fmt.Sprintf("start column %d past end of line", col)}
		}
		end, ok := lsp.ColumnToByteOffset(src, col+length, enc)
		if !ok {
			return nil, &DecodeError{Index: index, Line: line, Reason: fmt.Sprintf("range %d+%d past end of line", col, length)}
		}

		var typ string
		if name, ok := legend.TokenType(typeIndex); ok {
			typ = MapProtocolType(name)
		}

		tree.Lines[line].Tokens = append(tree.Lines[line].Tokens, Token{
			Text:      src[start:end],
			Type:      typ,
			Modifiers: resolveModifiers(legend, modBits),
			Start:     start,
			Depth:     NoDepth,
		})
	}
	return tree, nil
}

// resolveModifiers maps each set bit to its legend name.
func resolveModifiers(legend Resolver, bits uint32) []string {
	if bits == 0 {
		return nil
	}
	var mods []string
	for i := 0; i < maxModifierBits; i++ {
		if bits&(1<<uint(i)) == 0 {
			continue
		}
		if name, ok := legend.TokenModifier(i); ok {
			mods = append(mods, name)
		}
	}
	sort.Strings(mods)
	return dedupSorted(mods)
}

func dedupSorted(s []string) []string {
	if len(s) < 2 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
