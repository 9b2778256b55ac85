package highlight

// Highlight names understood by the lexical highlighters. Every token type
// in a finished tree is one of these or the empty string.
const (
	NameVariable             = "variable"
	NameVariableBuiltin      = "variable.builtin"
	NameVariableParameter    = "variable.parameter"
	NameVariableMember       = "variable.member"
	NameConstant             = "constant"
	NameConstantBuiltin      = "constant.builtin"
	NameModule               = "module"
	NameLabel                = "label"
	NameString               = "string"
	NameStringDocumentation  = "string.documentation"
	NameStringEscape         = "string.escape"
	NameStringRegexp         = "string.regexp"
	NameCharacter            = "character"
	NameBoolean              = "boolean"
	NameNumber               = "number"
	NameNumberFloat          = "number.float"
	NameType                 = "type"
	NameTypeBuiltin          = "type.builtin"
	NameTypeDefinition       = "type.definition"
	NameAttribute            = "attribute"
	NameAttributeBuiltin     = "attribute.builtin"
	NameFunction             = "function"
	NameFunctionBuiltin      = "function.builtin"
	NameFunctionMacro        = "function.macro"
	NameFunctionCall         = "function.call"
	NameConstructor          = "constructor"
	NameOperator             = "operator"
	NameKeyword              = "keyword"
	NameKeywordCoroutine     = "keyword.coroutine"
	NameKeywordFunction      = "keyword.function"
	NameKeywordOperator      = "keyword.operator"
	NameKeywordImport        = "keyword.import"
	NameKeywordType          = "keyword.type"
	NameKeywordModifier      = "keyword.modifier"
	NameKeywordRepeat        = "keyword.repeat"
	NameKeywordReturn        = "keyword.return"
	NameKeywordDebug         = "keyword.debug"
	NameKeywordException     = "keyword.exception"
	NameKeywordConditional   = "keyword.conditional"
	NameKeywordDirective     = "keyword.directive"
	NamePunctuationDelimiter = "punctuation.delimiter"
	NamePunctuationBracket   = "punctuation.bracket"
	NamePunctuationSpecial   = "punctuation.special"
	NamePunctuationAccessor  = "punctuation.accessor"
	NameComment              = "comment"
	NameCommentDocumentation = "comment.documentation"
)

// vocabulary lists the highlight names in canonical order.
var vocabulary = []string{
	NameVariable,
	NameVariableBuiltin,
	NameVariableParameter,
	NameVariableMember,
	NameConstant,
	NameConstantBuiltin,
	NameModule,
	NameLabel,
	NameString,
	NameStringDocumentation,
	NameStringEscape,
	NameStringRegexp,
	NameCharacter,
	NameBoolean,
	NameNumber,
	NameNumberFloat,
	NameType,
	NameTypeBuiltin,
	NameTypeDefinition,
	NameAttribute,
	NameAttributeBuiltin,
	NameFunction,
	NameFunctionBuiltin,
	NameFunctionMacro,
	NameFunctionCall,
	NameConstructor,
	NameOperator,
	NameKeyword,
	NameKeywordCoroutine,
	NameKeywordFunction,
	NameKeywordOperator,
	NameKeywordImport,
	NameKeywordType,
	NameKeywordModifier,
	NameKeywordRepeat,
	NameKeywordReturn,
	NameKeywordDebug,
	NameKeywordException,
	NameKeywordConditional,
	NameKeywordDirective,
	NamePunctuationDelimiter,
	NamePunctuationBracket,
	NamePunctuationSpecial,
	NamePunctuationAccessor,
	NameComment,
	NameCommentDocumentation,
}

var vocabularySet = func() map[string]bool {
	m := make(map[string]bool, len(vocabulary))
	for _, name := range vocabulary {
		m[name] = true
	}
	return m
}()

// Vocabulary returns the highlight names in canonical order.
func Vocabulary() []string {
	return append([]string(nil), vocabulary...)
}

// IsHighlightName reports whether name belongs to the vocabulary.
func IsHighlightName(name string) bool {
	return vocabularySet[name]
}

// protocolToHighlight maps LSP semantic token type names onto the
// highlight vocabulary.
var protocolToHighlight = map[string]string{
	"namespace":     NameModule,
	"type":          NameType,
	"class":         NameType,
	"enum":          NameType,
	"interface":     NameType,
	"struct":        NameType,
	"typeParameter": NameType,
	"enumMember":    NameType,
	"parameter":     NameVariableParameter,
	"variable":      NameVariable,
	"event":         NameVariable,
	"property":      NameVariableMember,
	"function":      NameFunction,
	"method":        NameFunction,
	"macro":         NameFunctionMacro,
	"keyword":       NameKeyword,
	"modifier":      NameKeywordModifier,
	"comment":       NameComment,
	"string":        NameString,
	"number":        NameNumber,
	"regexp":        NameStringRegexp,
	"operator":      NameOperator,
	"decorator":     NameLabel,
	"punctuation":   NamePunctuationDelimiter,
	"brace":         NamePunctuationBracket,
	"bracket":       NamePunctuationBracket,
	"parenthesis":   NamePunctuationBracket,
}

// MapProtocolType translates a semantic token type name from a server's
// legend into a highlight name. Unknown names map to "".
func MapProtocolType(name string) string {
	return protocolToHighlight[name]
}
