package highlight

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
)

// TreeSitterLexer classifies the leaves of a tree-sitter parse.
type TreeSitterLexer struct {
	language string
	lang     *sitter.Language

	// Parsers are not safe for concurrent use; pool them.
	parsers sync.Pool

	declContext   map[string]bool
	typeContext   map[string]bool
	memberContext map[string]bool
}

// NewTreeSitterLexer returns a tree-sitter lexer for language, or an error
// when no grammar is bundled for it.
func NewTreeSitterLexer(language string) (*TreeSitterLexer, error) {
	g, ok := grammars[language]
	if !ok {
		return nil, fmt.Errorf("no tree-sitter grammar for %q", language)
	}
	l := &TreeSitterLexer{
		language:      language,
		lang:          g.lang(),
		declContext:   g.declContext,
		typeContext:   g.typeContext,
		memberContext: g.memberContext,
	}
	l.parsers.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(l.lang)
		return p
	}
	return l, nil
}

// TreeSitterLanguages returns the languages with a bundled grammar.
func TreeSitterLanguages() []string {
	return []string{"go", "javascript", "python", "rust"}
}

// Language returns the language name.
func (l *TreeSitterLexer) Language() string {
	return l.language
}

// Lex implements Lexer.
func (l *TreeSitterLexer) Lex(ctx context.Context, text string) ([]Span, error) {
	parser := l.parsers.Get().(*sitter.Parser)
	defer l.parsers.Put(parser)

	src := []byte(text)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.language, err)
	}
	if tree == nil {
		return nil, nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, nil
	}

	var spans []Span
	l.collectLeaves(root, src, "", "", &spans)
	return spans, nil
}

// collectLeaves appends a span for every classified leaf under node.
// Comment and string nodes are taken whole.
func (l *TreeSitterLexer) collectLeaves(node *sitter.Node, src []byte, parentType, grandType string, out *[]Span) {
	if node == nil {
		return
	}
	nodeType := node.Type()
	start, end := int(node.StartByte()), int(node.EndByte())
	if end <= start {
		return
	}

	if node.ChildCount() == 0 || isWholeNode(nodeType) {
		if typ := l.classifyLeaf(node, parentType, grandType, string(src[start:end])); typ != "" {
			*out = append(*out, Span{Start: start, End: end, Type: typ})
		}
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		l.collectLeaves(node.Child(i), src, nodeType, parentType, out)
	}
}

// isWholeNode reports node types classified as a unit rather than by leaves.
func isWholeNode(nodeType string) bool {
	switch nodeType {
	case "interpreted_string_literal", "raw_string_literal", "string", "template_string",
		"string_literal", "char_literal", "rune_literal", "comment", "line_comment", "block_comment":
		return true
	}
	return false
}

func (l *TreeSitterLexer) classifyLeaf(node *sitter.Node, parentType, grandType, text string) string {
	nodeType := node.Type()

	switch {
	case strings.Contains(nodeType, "comment"):
		return NameComment
	case nodeType == "escape_sequence":
		return NameStringEscape
	case strings.Contains(nodeType, "char") || nodeType == "rune_literal":
		return NameCharacter
	case strings.Contains(nodeType, "string") || nodeType == "template_string":
		return NameString
	case strings.Contains(nodeType, "float"):
		return NameNumberFloat
	case strings.Contains(nodeType, "number") || strings.Contains(nodeType, "integer") || strings.Contains(nodeType, "int_literal"):
		return NameNumber
	}

	switch text {
	case "true", "false", "True", "False":
		return NameBoolean
	case "nil", "null", "None", "undefined", "iota":
		return NameConstantBuiltin
	case "self", "this", "super":
		return NameVariableBuiltin
	}

	if strings.Contains(nodeType, "type_identifier") || strings.Contains(nodeType, "primitive_type") || strings.Contains(nodeType, "predefined_type") {
		return NameType
	}
	if nodeType == "package_identifier" {
		return NameModule
	}

	if strings.HasSuffix(nodeType, "identifier") {
		member := nodeType == "field_identifier" || nodeType == "property_identifier"
		switch {
		case l.declContext[parentType]:
			return NameFunction
		case l.typeContext[parentType]:
			return NameTypeDefinition
		case strings.Contains(parentType, "call") || parentType == "macro_invocation":
			return NameFunctionCall
		case member && l.memberContext[parentType] && strings.Contains(grandType, "call"):
			return NameFunctionCall
		case member:
			return NameVariableMember
		case strings.Contains(parentType, "parameter"):
			return NameVariableParameter
		case isLikelyConstant(text):
			return NameConstant
		}
		return NameVariable
	}

	if !node.IsNamed() {
		switch {
		case keywordSet[text]:
			return NameKeyword
		case isBracketText(text):
			return ""
		case looksLikeOperator(text):
			if text == "," || text == ";" || text == "." || text == ":" {
				return NamePunctuationDelimiter
			}
			return NameOperator
		}
	}
	return ""
}

func isBracketText(s string) bool {
	return len(s) == 1 && isBracket(rune(s[0]))
}

func isLikelyConstant(s string) bool {
	if len(s) < 2 {
		return false
	}
	hasLetter := false
	for _, r := range s {
		switch {
		case r == '_' || (r >= '0' && r <= '9'):
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		default:
			return false
		}
	}
	return hasLetter
}

func looksLikeOperator(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("+-*/%=!<>&|^~:;,.?@", r) {
			return false
		}
	}
	return true
}

// grammar holds a tree-sitter language and the parent node types that
// give an identifier its role.
type grammar struct {
	lang          func() *sitter.Language
	declContext   map[string]bool
	typeContext   map[string]bool
	memberContext map[string]bool
}

var grammars = map[string]grammar{
	"go": {
		lang:          golang.GetLanguage,
		declContext:   map[string]bool{"function_declaration": true, "method_declaration": true},
		typeContext:   map[string]bool{"type_spec": true},
		memberContext: map[string]bool{"selector_expression": true},
	},
	"rust": {
		lang:          rust.GetLanguage,
		declContext:   map[string]bool{"function_item": true, "function_signature_item": true},
		typeContext:   map[string]bool{"struct_item": true, "enum_item": true, "trait_item": true, "type_item": true},
		memberContext: map[string]bool{"field_expression": true},
	},
	"python": {
		lang:          python.GetLanguage,
		declContext:   map[string]bool{"function_definition": true},
		typeContext:   map[string]bool{"class_definition": true},
		memberContext: map[string]bool{},
	},
	"javascript": {
		lang:          javascript.GetLanguage,
		declContext:   map[string]bool{"function_declaration": true, "method_definition": true, "generator_function_declaration": true},
		typeContext:   map[string]bool{"class_declaration": true},
		memberContext: map[string]bool{"member_expression": true},
	},
}

var keywordSet = map[string]bool{
	"as": true, "async": true, "await": true, "break": true, "case": true,
	"catch": true, "chan": true, "class": true, "const": true, "continue": true,
	"def": true, "default": true, "defer": true, "do": true, "dyn": true,
	"elif": true, "else": true, "enum": true, "except": true, "export": true,
	"extends": true, "fallthrough": true, "finally": true, "fn": true,
	"for": true, "from": true, "func": true, "function": true, "go": true,
	"goto": true, "if": true, "impl": true, "import": true, "in": true,
	"interface": true, "lambda": true, "let": true, "loop": true, "map": true,
	"match": true, "mod": true, "move": true, "mut": true, "new": true,
	"package": true, "pass": true, "pub": true, "raise": true, "range": true,
	"ref": true, "return": true, "select": true, "static": true, "struct": true,
	"switch": true, "throw": true, "trait": true, "try": true, "type": true,
	"typeof": true, "unsafe": true, "use": true, "var": true, "where": true,
	"while": true, "with": true, "yield": true,
}
