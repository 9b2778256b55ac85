package highlight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTreeSitter(t *testing.T, language string) *TreeSitterLexer {
	t.Helper()
	l, err := NewTreeSitterLexer(language)
	require.NoError(t, err)
	assert.Equal(t, language, l.Language())
	return l
}

func TestTreeSitterGo(t *testing.T) {
	src := "package main\n" +
		"\n" +
		"func main() {\n" +
		"\tfmt.Println(\"hi\", 42) // greet\n" +
		"}\n"
	tree := lexTree(t, newTreeSitter(t, "go"), src)

	assert.Equal(t, NameKeyword, typeOf(t, tree, 0, "package"))
	assert.Equal(t, NameKeyword, typeOf(t, tree, 2, "func"))
	assert.Equal(t, NameFunction, typeOf(t, tree, 2, "main"))
	assert.Equal(t, NameFunctionCall, typeOf(t, tree, 3, "Println"))
	assert.Equal(t, NameString, typeOf(t, tree, 3, `"hi"`))
	assert.Equal(t, NameNumber, typeOf(t, tree, 3, "42"))
	assert.Equal(t, NameComment, typeOf(t, tree, 3, "// greet"))
}

func TestTreeSitterPython(t *testing.T) {
	src := "def greet(name):\n    return len(name)\n"
	tree := lexTree(t, newTreeSitter(t, "python"), src)

	assert.Equal(t, NameKeyword, typeOf(t, tree, 0, "def"))
	assert.Equal(t, NameFunction, typeOf(t, tree, 0, "greet"))
	assert.Equal(t, NameVariableParameter, typeOf(t, tree, 0, "name"))
	assert.Equal(t, NameFunctionCall, typeOf(t, tree, 1, "len"))
}

func TestTreeSitterBracketsStayUnclassified(t *testing.T) {
	tree := lexTree(t, newTreeSitter(t, "javascript"), "function add(a, b) { return [a + b]; }")
	AssignBracketDepth(tree)

	var got []int
	for _, tok := range tree.Lines[0].Tokens {
		if tok.Depth != NoDepth {
			got = append(got, tok.Depth)
		}
	}
	assert.Equal(t, []int{0, 0, 0, 1, 1, 0}, got)
	assert.Equal(t, NameFunction, typeOf(t, tree, 0, "add"))
}

func TestTreeSitterRust(t *testing.T) {
	tree := lexTree(t, newTreeSitter(t, "rust"), "fn main() {\n    let s = \"x\"; // c\n}\n")
	assert.Equal(t, NameKeyword, typeOf(t, tree, 0, "fn"))
	assert.Equal(t, NameFunction, typeOf(t, tree, 0, "main"))
	assert.Equal(t, NameString, typeOf(t, tree, 1, `"x"`))
	assert.Equal(t, NameComment, typeOf(t, tree, 1, "// c"))
}

func TestTreeSitterUnknownLanguage(t *testing.T) {
	_, err := NewTreeSitterLexer("cobol")
	assert.Error(t, err)
}

func TestTreeSitterConcurrentLex(t *testing.T) {
	l := newTreeSitter(t, "go")
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := l.Lex(context.Background(), "package p\nvar x = 1\n")
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
