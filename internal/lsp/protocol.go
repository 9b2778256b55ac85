package lsp

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// jsonrpcVersion is the only protocol version spoken on the wire.
const jsonrpcVersion = "2.0"

// --- Envelopes ---

// Request is a JSON-RPC request sent by the client.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is a JSON-RPC notification sent by the client.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set
// on a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProtocolError  `json:"error,omitempty"`
}

// replyMessage answers a server-to-client request. Result is the literal
// null on success and omitted when Error is set.
type replyMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProtocolError  `json:"error,omitempty"`
}

// incoming carries the fields of a notification or server request.
type incoming struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// probe is decoded first to classify an incoming frame without committing
// to a concrete params or result type.
type probe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// hasID reports whether the frame carried a non-null id.
func (p *probe) hasID() bool {
	return len(p.ID) > 0 && string(p.ID) != "null"
}

// --- Basic structures ---

// DocumentURI represents a URI as used in LSP.
// It is typically a file:// URI.
type DocumentURI string

// Position in a text document expressed as zero-based line and character offset.
// The character offset is measured in the negotiated position encoding.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document expressed as start and end positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier identifies a text document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a specific version of a text document.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem is an item to transfer a text document from the client to the server.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentContentChangeEvent describes a content change event.
// A nil Range replaces the whole document.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// --- Initialize ---

// InitializeParams are the parameters sent in an initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
	WorkDoneToken         string             `json:"workDoneToken,omitempty"`
}

// ClientInfo identifies the client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo contains information about the language server from initialization.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams are the parameters sent in an initialized notification.
type InitializedParams struct{}

// --- Capabilities ---

// ClientCapabilities define capabilities the editor provides on the client side.
type ClientCapabilities struct {
	General      *GeneralClientCapabilities      `json:"general,omitempty"`
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Window       *WindowClientCapabilities       `json:"window,omitempty"`
}

// GeneralClientCapabilities define general client capabilities.
type GeneralClientCapabilities struct {
	PositionEncodings []PositionEncoding `json:"positionEncodings,omitempty"`
}

// TextDocumentClientCapabilities define text document capabilities.
type TextDocumentClientCapabilities struct {
	Synchronization    *TextDocumentSyncClientCapabilities   `json:"synchronization,omitempty"`
	SemanticTokens     *SemanticTokensClientCapabilities     `json:"semanticTokens,omitempty"`
	PublishDiagnostics *PublishDiagnosticsClientCapabilities `json:"publishDiagnostics,omitempty"`
}

// TextDocumentSyncClientCapabilities define sync capabilities.
type TextDocumentSyncClientCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

// SemanticTokensClientCapabilities advertise semantic token support.
type SemanticTokensClientCapabilities struct {
	Requests                SemanticTokensClientRequests `json:"requests"`
	TokenTypes              []string                     `json:"tokenTypes"`
	TokenModifiers          []string                     `json:"tokenModifiers"`
	Formats                 []string                     `json:"formats"`
	OverlappingTokenSupport bool                         `json:"overlappingTokenSupport,omitempty"`
	MultilineTokenSupport   bool                         `json:"multilineTokenSupport,omitempty"`
}

// SemanticTokensClientRequests declares which semantic token requests the client sends.
type SemanticTokensClientRequests struct {
	Range bool `json:"range,omitempty"`
	Full  bool `json:"full,omitempty"`
}

// PublishDiagnosticsClientCapabilities define diagnostics capabilities.
type PublishDiagnosticsClientCapabilities struct {
	RelatedInformation bool `json:"relatedInformation,omitempty"`
	VersionSupport     bool `json:"versionSupport,omitempty"`
}

// WindowClientCapabilities define window capabilities.
type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress,omitempty"`
}

// ServerCapabilities define capabilities provided by the server.
// Only the fields this client consumes are decoded; the semantic tokens
// provider is kept raw because it has two wire shapes.
type ServerCapabilities struct {
	PositionEncoding       PositionEncoding `json:"positionEncoding,omitempty"`
	TextDocumentSync       json.RawMessage  `json:"textDocumentSync,omitempty"`
	SemanticTokensProvider json.RawMessage  `json:"semanticTokensProvider,omitempty"`
}

// PositionEncoding names the unit in which character offsets are counted.
type PositionEncoding string

const (
	PositionEncodingUTF8  PositionEncoding = "utf-8"
	PositionEncodingUTF16 PositionEncoding = "utf-16"
	PositionEncodingUTF32 PositionEncoding = "utf-32"
)

// TextDocumentSyncKind defines how the client syncs document changes.
type TextDocumentSyncKind int

const (
	TextDocumentSyncKindNone        TextDocumentSyncKind = 0
	TextDocumentSyncKindFull        TextDocumentSyncKind = 1
	TextDocumentSyncKindIncremental TextDocumentSyncKind = 2
)

// --- Document Sync ---

// DidOpenTextDocumentParams are parameters for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams are parameters for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams are parameters for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// --- Semantic tokens ---

// SemanticTokensParams are parameters for textDocument/semanticTokens/full.
type SemanticTokensParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// SemanticTokens is the result of a semantic tokens request. Data holds
// the flat delta-encoded 5-tuples.
type SemanticTokens struct {
	ResultID string   `json:"resultId,omitempty"`
	Data     []uint32 `json:"data"`
}

// --- Server notifications ---

// PublishDiagnosticsParams are sent with textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Diagnostic represents a compiler error or warning.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     any                `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// DiagnosticSeverity indicates the severity of a diagnostic.
type DiagnosticSeverity int

const (
	DiagnosticSeverityError       DiagnosticSeverity = 1
	DiagnosticSeverityWarning     DiagnosticSeverity = 2
	DiagnosticSeverityInformation DiagnosticSeverity = 3
	DiagnosticSeverityHint        DiagnosticSeverity = 4
)

// MessageType is the type of a window message.
type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// LogMessageParams are sent with window/logMessage and window/showMessage.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ProgressParams are sent with $/progress.
type ProgressParams struct {
	Token json.RawMessage `json:"token"`
	Value json.RawMessage `json:"value"`
}

// WorkDoneProgressValue is the common shape of a $/progress value.
type WorkDoneProgressValue struct {
	Kind       string `json:"kind"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Percentage *int   `json:"percentage,omitempty"`
}

// --- Utility Functions ---

// FilePathToURI converts a file path to a DocumentURI.
func FilePathToURI(path string) DocumentURI {
	if path == "" {
		return ""
	}

	// Make path absolute
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	// Convert to forward slashes
	path = filepath.ToSlash(path)

	// On Windows, add extra slash for drive letter
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}

	u := &url.URL{
		Scheme: "file",
		Path:   path,
	}

	return DocumentURI(u.String())
}

// URIToFilePath converts a DocumentURI to a file path.
func URIToFilePath(uri DocumentURI) string {
	if uri == "" {
		return ""
	}

	u, err := url.Parse(string(uri))
	if err != nil {
		return string(uri)
	}

	if u.Scheme != "file" {
		return string(uri)
	}

	path := u.Path

	// On Windows, remove leading slash before drive letter
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	return filepath.FromSlash(path)
}

// ExtractSyncKind reads how the server wants document changes sent. The
// field is either a bare kind or an options object with a change member;
// when it is absent or unreadable the server takes no changes.
func ExtractSyncKind(caps ServerCapabilities) TextDocumentSyncKind {
	raw := caps.TextDocumentSync
	if len(raw) == 0 || string(raw) == "null" {
		return TextDocumentSyncKindNone
	}

	var kind TextDocumentSyncKind
	if err := json.Unmarshal(raw, &kind); err == nil {
		return kind
	}
	var opts struct {
		Change TextDocumentSyncKind `json:"change"`
	}
	if err := json.Unmarshal(raw, &opts); err == nil {
		return opts.Change
	}
	return TextDocumentSyncKindNone
}

// DefaultClientCapabilities returns the capabilities this client advertises.
// The semantic token vocabulary is the full standard set so servers are
// free to pick from all of it.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		General: &GeneralClientCapabilities{
			PositionEncodings: []PositionEncoding{PositionEncodingUTF16, PositionEncodingUTF8},
		},
		TextDocument: &TextDocumentClientCapabilities{
			Synchronization: &TextDocumentSyncClientCapabilities{DidSave: true},
			SemanticTokens: &SemanticTokensClientCapabilities{
				Requests:       SemanticTokensClientRequests{Full: true},
				TokenTypes:     StandardTokenTypes(),
				TokenModifiers: StandardTokenModifiers(),
				Formats:        []string{"relative"},
			},
			PublishDiagnostics: &PublishDiagnosticsClientCapabilities{
				RelatedInformation: true,
				VersionSupport:     true,
			},
		},
		Window: &WindowClientCapabilities{
			WorkDoneProgress: true,
		},
	}
}

// StandardTokenTypes returns the semantic token types defined by LSP 3.17.
func StandardTokenTypes() []string {
	return []string{
		"namespace", "type", "class", "enum", "interface", "struct",
		"typeParameter", "parameter", "variable", "property", "enumMember",
		"event", "function", "method", "macro", "keyword", "modifier",
		"comment", "string", "number", "regexp", "operator", "decorator",
	}
}

// StandardTokenModifiers returns the semantic token modifiers defined by LSP 3.17.
func StandardTokenModifiers() []string {
	return []string{
		"declaration", "definition", "readonly", "static", "deprecated",
		"abstract", "async", "modification", "documentation", "defaultLibrary",
	}
}

// DetectLanguageID returns the LSP language ID for a file path.
func DetectLanguageID(path string) string {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".py", ".pyi":
		return "python"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".cxx", ".hpp":
		return "cpp"
	case ".lua":
		return "lua"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".md", ".markdown":
		return "markdown"
	default:
		return "plaintext"
	}
}
