package highlight

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lexer produces classified spans for a whole document.
type Lexer interface {
	// Language returns the language this lexer handles.
	Language() string

	// Lex classifies text. Spans use byte offsets into text and names
	// from the highlight vocabulary.
	Lex(ctx context.Context, text string) ([]Span, error)
}

// LexTree lexes text and builds its partitioned token tree.
func LexTree(ctx context.Context, lx Lexer, text string) (*TokenTree, error) {
	spans, err := lx.Lex(ctx, text)
	if err != nil {
		return nil, err
	}
	return BuildTree(text, spans), nil
}

// Rule defines a highlighting rule.
type Rule struct {
	// Pattern is the regex pattern to match.
	Pattern *regexp.Regexp

	// Type is the highlight name assigned to matches.
	Type string

	// Submatch is the submatch index to use (0 for whole match).
	Submatch int
}

// lexState carries an open multi-line construct across lines. Zero is the
// normal state; otherwise it is the index of the open rule plus one.
type lexState int

const stateNormal lexState = 0

// multiLineRule defines rules for multi-line constructs.
type multiLineRule struct {
	start string
	end   string
	typ   string
}

// SimpleLexer is a regex and keyword based lexer.
type SimpleLexer struct {
	language   string
	extensions []string
	rules      []Rule
	keywords   map[string]string
	identType  string
	multiLine  []multiLineRule
}

// NewSimpleLexer creates a new simple lexer.
func NewSimpleLexer(language string, extensions []string) *SimpleLexer {
	return &SimpleLexer{
		language:   language,
		extensions: extensions,
		keywords:   make(map[string]string),
		identType:  NameVariable,
	}
}

// AddRule adds a highlighting rule matching the whole pattern.
func (l *SimpleLexer) AddRule(pattern, typ string) *SimpleLexer {
	return l.AddSubmatchRule(pattern, 0, typ)
}

// AddSubmatchRule adds a rule that classifies only submatch n.
func (l *SimpleLexer) AddSubmatchRule(pattern string, n int, typ string) *SimpleLexer {
	l.rules = append(l.rules, Rule{
		Pattern:  regexp.MustCompile(pattern),
		Type:     typ,
		Submatch: n,
	})
	return l
}

// AddKeywords adds keywords with a specific highlight name.
func (l *SimpleLexer) AddKeywords(typ string, keywords ...string) *SimpleLexer {
	for _, kw := range keywords {
		l.keywords[kw] = typ
	}
	return l
}

// AddMultiLine adds a construct that may span lines.
func (l *SimpleLexer) AddMultiLine(start, end, typ string) *SimpleLexer {
	l.multiLine = append(l.multiLine, multiLineRule{start: start, end: end, typ: typ})
	return l
}

// Language returns the language name.
func (l *SimpleLexer) Language() string {
	return l.language
}

// FileExtensions returns the supported file extensions.
func (l *SimpleLexer) FileExtensions() []string {
	return l.extensions
}

// Lex implements Lexer.
func (l *SimpleLexer) Lex(ctx context.Context, text string) ([]Span, error) {
	var spans []Span
	state := stateNormal
	offset := 0
	for i, raw := range strings.Split(text, "\n") {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSuffix(raw, "\r")
		var lineSpans []Span
		lineSpans, state = l.lexLine(line, state)
		for _, s := range lineSpans {
			spans = append(spans, Span{Start: s.Start + offset, End: s.End + offset, Type: s.Type})
		}
		offset += len(raw) + 1
	}
	return spans, nil
}

// lexLine classifies a single line given the state left by the previous
// one, and returns the spans and the state at the end of the line.
func (l *SimpleLexer) lexLine(line string, prev lexState) ([]Span, lexState) {
	if prev == stateNormal {
		return l.lexNormal(line, 0)
	}

	rule := l.multiLine[prev-1]
	idx := strings.Index(line, rule.end)
	if idx < 0 {
		if line == "" {
			return nil, prev
		}
		return []Span{{Start: 0, End: len(line), Type: rule.typ}}, prev
	}

	end := idx + len(rule.end)
	spans := []Span{{Start: 0, End: end, Type: rule.typ}}
	rest, state := l.lexNormal(line, end)
	return append(spans, rest...), state
}

type candidate struct {
	start, end int
	typ        string
	open       lexState // multi-line rule left open at end of line
	found      bool
}

// lexNormal classifies line[from:] in the normal state. At each step every
// rule offers its next match; the leftmost wins and ties go to the rule
// added first. Multi-line rules come before single-line rules.
func (l *SimpleLexer) lexNormal(line string, from int) ([]Span, lexState) {
	nMulti := len(l.multiLine)
	next := make([]candidate, nMulti+len(l.rules))
	for i := range next {
		next[i] = l.nextMatch(i, line, from)
	}

	var spans []Span
	cursor := from
	for cursor < len(line) {
		best := -1
		for i := range next {
			if next[i].found && next[i].start < cursor {
				next[i] = l.nextMatch(i, line, cursor)
			}
			if !next[i].found {
				continue
			}
			if best < 0 || next[i].start < next[best].start {
				best = i
			}
		}
		if best < 0 {
			break
		}

		c := next[best]
		spans = l.appendIdentifiers(spans, line, cursor, c.start)
		spans = append(spans, Span{Start: c.start, End: c.end, Type: c.typ})
		cursor = c.end
		if c.open != stateNormal {
			return spans, c.open
		}
	}
	return l.appendIdentifiers(spans, line, cursor, len(line)), stateNormal
}

// nextMatch finds the first match of rule i starting at or after pos.
// Rules below len(l.multiLine) are multi-line rules.
func (l *SimpleLexer) nextMatch(i int, line string, pos int) candidate {
	if i < len(l.multiLine) {
		rule := l.multiLine[i]
		idx := strings.Index(line[pos:], rule.start)
		if idx < 0 {
			return candidate{}
		}
		start := pos + idx
		bodyStart := start + len(rule.start)
		c := candidate{start: start, typ: rule.typ, found: true}
		if endIdx := strings.Index(line[bodyStart:], rule.end); endIdx >= 0 {
			c.end = bodyStart + endIdx + len(rule.end)
		} else {
			c.end = len(line)
			c.open = lexState(i + 1)
		}
		return c
	}

	rule := l.rules[i-len(l.multiLine)]
	for pos <= len(line) {
		m := rule.Pattern.FindStringSubmatchIndex(line[pos:])
		if m == nil {
			return candidate{}
		}
		start, end := m[0], m[1]
		if rule.Submatch > 0 && len(m) > rule.Submatch*2+1 {
			start, end = m[rule.Submatch*2], m[rule.Submatch*2+1]
		}
		advance := max(m[1], 1)
		if start < 0 || end <= start {
			pos += advance
			continue
		}
		start, end = start+pos, end+pos
		// Keywords followed by a parenthesis are not names.
		if _, kw := l.keywords[line[start:end]]; kw && rule.Submatch > 0 {
			pos += advance
			continue
		}
		return candidate{start: start, end: end, typ: rule.Type, found: true}
	}
	return candidate{}
}

// appendIdentifiers classifies the identifiers in line[from:to] as
// keywords or plain identifiers.
func (l *SimpleLexer) appendIdentifiers(spans []Span, line string, from, to int) []Span {
	i := from
	for i < to {
		r, size := utf8.DecodeRuneInString(line[i:to])
		if !unicode.IsLetter(r) && r != '_' {
			i += size
			continue
		}
		start := i
		for i < to {
			r, size = utf8.DecodeRuneInString(line[i:to])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
				break
			}
			i += size
		}
		typ := l.identType
		if kw, ok := l.keywords[line[start:i]]; ok {
			typ = kw
		}
		spans = append(spans, Span{Start: start, End: i, Type: typ})
	}
	return spans
}

// callPattern marks an identifier followed by an opening parenthesis.
const callPattern = `\b([A-Za-z_]\w*)\s*\(`

// GoLexer returns a lexer for Go.
func GoLexer() *SimpleLexer {
	l := NewSimpleLexer("go", []string{".go"})

	l.AddMultiLine("/*", "*/", NameComment)
	l.AddMultiLine("`", "`", NameString)

	l.AddRule(`//.*$`, NameComment)
	l.AddRule(`"(?:[^"\\]|\\.)*"`, NameString)
	l.AddRule(`'(?:[^'\\]|\\.)'`, NameCharacter)
	l.AddRule(`\b0[xX][0-9a-fA-F_]+\b`, NameNumber)
	l.AddRule(`\b0[oO][0-7_]+\b`, NameNumber)
	l.AddRule(`\b0[bB][01_]+\b`, NameNumber)
	l.AddRule(`\b\d+\.\d*(?:[eE][+-]?\d+)?\b`, NameNumberFloat)
	l.AddRule(`\b\d+(?:[eE][+-]?\d+)?\b`, NameNumber)
	l.AddSubmatchRule(`\bfunc\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`, 1, NameFunction)
	l.AddSubmatchRule(callPattern, 1, NameFunctionCall)

	l.AddKeywords(NameKeywordConditional, "if", "else", "switch", "case", "default", "select")
	l.AddKeywords(NameKeywordRepeat, "for", "range", "break", "continue", "goto", "fallthrough")
	l.AddKeywords(NameKeywordReturn, "return")
	l.AddKeywords(NameKeywordFunction, "func")
	l.AddKeywords(NameKeywordType, "type", "struct", "interface", "map", "chan")
	l.AddKeywords(NameKeyword, "var", "const", "defer")
	l.AddKeywords(NameKeywordCoroutine, "go")
	l.AddKeywords(NameKeywordImport, "package", "import")
	l.AddKeywords(NameBoolean, "true", "false")
	l.AddKeywords(NameConstantBuiltin, "nil", "iota")
	l.AddKeywords(NameTypeBuiltin,
		"int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64", "uintptr",
		"float32", "float64", "complex64", "complex128",
		"bool", "byte", "rune", "string", "error", "any", "comparable")
	l.AddKeywords(NameFunctionBuiltin,
		"make", "new", "len", "cap", "append", "copy", "delete",
		"close", "panic", "recover", "print", "println",
		"real", "imag", "complex", "min", "max", "clear")

	return l
}

// PythonLexer returns a lexer for Python.
func PythonLexer() *SimpleLexer {
	l := NewSimpleLexer("python", []string{".py", ".pyw", ".pyi"})

	l.AddMultiLine(`"""`, `"""`, NameStringDocumentation)
	l.AddMultiLine(`'''`, `'''`, NameStringDocumentation)

	l.AddRule(`#.*$`, NameComment)
	l.AddRule(`[rbfRBF]?"(?:[^"\\]|\\.)*"`, NameString)
	l.AddRule(`[rbfRBF]?'(?:[^'\\]|\\.)*'`, NameString)
	l.AddRule(`\b0[xX][0-9a-fA-F_]+\b`, NameNumber)
	l.AddRule(`\b0[oO][0-7_]+\b`, NameNumber)
	l.AddRule(`\b0[bB][01_]+\b`, NameNumber)
	l.AddRule(`\b\d+\.\d*(?:[eE][+-]?\d+)?j?\b`, NameNumberFloat)
	l.AddRule(`\b\d+(?:[eE][+-]?\d+)?j?\b`, NameNumber)
	l.AddRule(`@[\w.]+`, NameAttribute)
	l.AddSubmatchRule(`\bdef\s+([A-Za-z_]\w*)`, 1, NameFunction)
	l.AddSubmatchRule(`\bclass\s+([A-Za-z_]\w*)`, 1, NameTypeDefinition)
	l.AddSubmatchRule(callPattern, 1, NameFunctionCall)

	l.AddKeywords(NameKeywordConditional, "if", "elif", "else", "match", "case")
	l.AddKeywords(NameKeywordRepeat, "for", "while", "break", "continue")
	l.AddKeywords(NameKeywordReturn, "return", "yield")
	l.AddKeywords(NameKeywordException, "try", "except", "finally", "raise")
	l.AddKeywords(NameKeywordFunction, "def", "lambda")
	l.AddKeywords(NameKeywordType, "class")
	l.AddKeywords(NameKeywordCoroutine, "async", "await")
	l.AddKeywords(NameKeywordImport, "import", "from")
	l.AddKeywords(NameKeywordOperator, "in", "is", "not", "and", "or")
	l.AddKeywords(NameKeyword, "with", "as", "global", "nonlocal", "pass", "del", "assert")
	l.AddKeywords(NameBoolean, "True", "False")
	l.AddKeywords(NameConstantBuiltin, "None")
	l.AddKeywords(NameVariableBuiltin, "self", "cls")
	l.AddKeywords(NameTypeBuiltin,
		"int", "float", "str", "bool", "list", "dict", "set", "tuple",
		"bytes", "bytearray", "complex", "frozenset", "type", "object")
	l.AddKeywords(NameFunctionBuiltin,
		"print", "len", "range", "enumerate", "zip", "map", "filter",
		"open", "input", "isinstance", "issubclass", "hasattr", "getattr",
		"setattr", "delattr", "callable", "iter", "next", "sorted", "reversed",
		"sum", "min", "max", "abs", "round", "pow", "divmod", "all", "any",
		"format", "repr", "id", "hash", "dir", "vars", "locals",
		"globals", "super", "property", "staticmethod", "classmethod")

	return l
}

// JavaScriptLexer returns a lexer for JavaScript and TypeScript.
func JavaScriptLexer() *SimpleLexer {
	l := NewSimpleLexer("javascript", []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"})

	l.AddMultiLine("/*", "*/", NameComment)
	l.AddMultiLine("`", "`", NameString)

	l.AddRule(`//.*$`, NameComment)
	l.AddRule(`"(?:[^"\\]|\\.)*"`, NameString)
	l.AddRule(`'(?:[^'\\]|\\.)*'`, NameString)
	l.AddRule(`\b0[xX][0-9a-fA-F_]+n?\b`, NameNumber)
	l.AddRule(`\b0[oO][0-7_]+n?\b`, NameNumber)
	l.AddRule(`\b0[bB][01_]+n?\b`, NameNumber)
	l.AddRule(`\b\d+\.\d*(?:[eE][+-]?\d+)?\b`, NameNumberFloat)
	l.AddRule(`\b\d+(?:[eE][+-]?\d+)?n?\b`, NameNumber)
	l.AddRule(`@\w+`, NameAttribute)
	l.AddSubmatchRule(`\bfunction\s*\*?\s*([A-Za-z_$][\w$]*)`, 1, NameFunction)
	l.AddSubmatchRule(`\b(?:class|interface|enum)\s+([A-Za-z_$][\w$]*)`, 1, NameTypeDefinition)
	// get and set are keywords only in accessor position.
	l.AddSubmatchRule(`\b(get|set)\s+[A-Za-z_$][\w$]*\s*\(`, 1, NameKeyword)
	l.AddSubmatchRule(callPattern, 1, NameFunctionCall)

	l.AddKeywords(NameKeywordConditional, "if", "else", "switch", "case", "default")
	l.AddKeywords(NameKeywordRepeat, "for", "while", "do", "break", "continue")
	l.AddKeywords(NameKeywordReturn, "return", "yield")
	l.AddKeywords(NameKeywordException, "throw", "try", "catch", "finally")
	l.AddKeywords(NameKeywordFunction, "function")
	l.AddKeywords(NameKeywordCoroutine, "async", "await")
	l.AddKeywords(NameKeywordImport, "import", "export", "from")
	l.AddKeywords(NameKeywordType, "class", "extends", "type", "interface", "enum", "namespace", "module", "declare")
	l.AddKeywords(NameKeywordOperator, "new", "delete", "typeof", "instanceof", "in", "of")
	l.AddKeywords(NameKeyword, "var", "let", "const", "as", "with")
	l.AddKeywords(NameKeywordDebug, "debugger")
	l.AddKeywords(NameKeywordModifier,
		"public", "private", "protected", "readonly", "abstract", "override", "static")
	l.AddKeywords(NameVariableBuiltin, "this", "super")
	l.AddKeywords(NameBoolean, "true", "false")
	l.AddKeywords(NameConstantBuiltin, "null", "undefined", "NaN", "Infinity")

	return l
}

// RustLexer returns a lexer for Rust.
func RustLexer() *SimpleLexer {
	l := NewSimpleLexer("rust", []string{".rs"})

	l.AddMultiLine("/*", "*/", NameComment)

	l.AddRule(`//.*$`, NameComment)
	l.AddRule(`b?"(?:[^"\\]|\\.)*"`, NameString)
	l.AddRule(`r#*"[^"]*"#*`, NameString)
	l.AddRule(`b?'(?:[^'\\]|\\.)'`, NameCharacter)
	l.AddRule(`'[A-Za-z_]\w*\b`, NameLabel)
	l.AddRule(`\b0[xX][0-9a-fA-F_]+\b`, NameNumber)
	l.AddRule(`\b0[oO][0-7_]+\b`, NameNumber)
	l.AddRule(`\b0[bB][01_]+\b`, NameNumber)
	l.AddRule(`\b\d[\d_]*\.[\d_]+(?:[eE][+-]?[\d_]+)?(?:f32|f64)?\b`, NameNumberFloat)
	l.AddRule(`\b\d[\d_]*(?:[eE][+-]?[\d_]+)?(?:f32|f64|i\d+|u\d+|isize|usize)?\b`, NameNumber)
	l.AddRule(`#!?\[.*?\]`, NameAttribute)
	l.AddRule(`\b[A-Za-z_]\w*!`, NameFunctionMacro)
	l.AddSubmatchRule(`\bfn\s+([A-Za-z_]\w*)`, 1, NameFunction)
	l.AddSubmatchRule(`\b(?:struct|enum|trait|type|union)\s+([A-Za-z_]\w*)`, 1, NameTypeDefinition)
	l.AddSubmatchRule(callPattern, 1, NameFunctionCall)

	l.AddKeywords(NameKeywordConditional, "if", "else", "match")
	l.AddKeywords(NameKeywordRepeat, "for", "while", "loop", "break", "continue")
	l.AddKeywords(NameKeywordReturn, "return", "yield")
	l.AddKeywords(NameKeywordFunction, "fn")
	l.AddKeywords(NameKeywordType, "struct", "enum", "trait", "impl", "type", "union", "dyn")
	l.AddKeywords(NameKeywordCoroutine, "async", "await")
	l.AddKeywords(NameKeywordImport, "use", "mod", "crate", "extern")
	l.AddKeywords(NameKeywordModifier, "pub", "mut", "const", "static", "unsafe", "ref", "move")
	l.AddKeywords(NameKeywordOperator, "as", "in")
	l.AddKeywords(NameKeyword, "let", "where", "macro_rules")
	l.AddKeywords(NameVariableBuiltin, "self", "super")
	l.AddKeywords(NameBoolean, "true", "false")
	l.AddKeywords(NameConstructor, "Some", "None", "Ok", "Err")
	l.AddKeywords(NameTypeBuiltin,
		"i8", "i16", "i32", "i64", "i128", "isize",
		"u8", "u16", "u32", "u64", "u128", "usize",
		"f32", "f64", "bool", "char", "str", "Self",
		"String", "Vec", "Box", "Option", "Result")

	return l
}

// BuiltinLexers returns the regex lexers for every supported language.
func BuiltinLexers() []*SimpleLexer {
	return []*SimpleLexer{GoLexer(), PythonLexer(), JavaScriptLexer(), RustLexer()}
}
