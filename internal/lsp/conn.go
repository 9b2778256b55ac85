package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxRequestID is the largest id handed out before the counter wraps.
// Ids stay within positive 31-bit integers so every server can represent them.
const maxRequestID = 1<<31 - 1

// DefaultRequestTimeout bounds a request whose context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// ConnStatus indicates the lifecycle state of a connection.
type ConnStatus int32

const (
	ConnStatusIdle ConnStatus = iota
	ConnStatusRunning
	ConnStatusReady
	ConnStatusShuttingDown
	ConnStatusClosed
)

// String returns a human-readable status name.
func (s ConnStatus) String() string {
	switch s {
	case ConnStatusIdle:
		return "idle"
	case ConnStatusRunning:
		return "running"
	case ConnStatusReady:
		return "ready"
	case ConnStatusShuttingDown:
		return "shutting down"
	case ConnStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnOption configures a Connection.
type ConnOption func(*Connection)

// WithName sets the server name used in logs, metrics and errors.
func WithName(name string) ConnOption {
	return func(c *Connection) {
		c.name = name
	}
}

// WithLogger sets the connection logger.
func WithLogger(logger *zap.Logger) ConnOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) ConnOption {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithRequestTimeout sets the timeout applied to requests whose context
// carries no deadline. Zero disables it.
func WithRequestTimeout(timeout time.Duration) ConnOption {
	return func(c *Connection) {
		c.timeout = timeout
	}
}

// WithHandler registers a notification handler before the read loop starts,
// so no early message is missed.
func WithHandler(method string, h Handler) ConnOption {
	return func(c *Connection) {
		c.initial = append(c.initial, methodHandler{method: method, handler: h})
	}
}

type methodHandler struct {
	method  string
	handler Handler
}

// Connection is a live session with one language server. It correlates
// responses to requests by id and hands every other incoming message to
// its dispatcher.
type Connection struct {
	id      string
	name    string
	logger  *zap.Logger
	metrics *Metrics
	timeout time.Duration

	transport  Transport
	framer     *Framer
	dispatcher *Dispatcher
	initial    []methodHandler
	status     atomic.Int32

	// mu guards pending, nextID and err. It is never held across a write
	// or while waiting for a response.
	mu      sync.Mutex
	pending map[int64]chan *Response
	nextID  int64
	err     error

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	// handlerCtx is cancelled when the read loop ends.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	capsMu     sync.RWMutex
	semantic   SemanticCapabilities
	syncKind   TextDocumentSyncKind
	serverInfo *ServerInfo

	docsMu   sync.Mutex
	versions map[DocumentURI]int
}

// NewConnection creates a connection over t. Call Start to begin reading.
func NewConnection(t Transport, opts ...ConnOption) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		logger:    zap.NewNop(),
		timeout:   DefaultRequestTimeout,
		transport: t,
		framer:    NewFramer(t.Reader()),
		pending:   make(map[int64]chan *Response),
		done:      make(chan struct{}),
		versions:  make(map[DocumentURI]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = c.id
	}
	c.logger = c.logger.With(
		zap.String("component", "lsp"),
		zap.String("server", c.name),
		zap.String("conn_id", c.id),
	)
	c.dispatcher = NewDispatcher(c.logger)
	for _, mh := range c.initial {
		c.dispatcher.Handle(mh.method, mh.handler)
	}
	c.initial = nil
	c.handlerCtx, c.handlerCancel = context.WithCancel(context.Background())
	return c
}

// ID returns the unique instance id of the connection.
func (c *Connection) ID() string { return c.id }

// Name returns the server name.
func (c *Connection) Name() string { return c.name }

// Status returns the lifecycle state.
func (c *Connection) Status() ConnStatus { return ConnStatus(c.status.Load()) }

// Start launches the read loop. It is safe to call more than once.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		c.status.CompareAndSwap(int32(ConnStatusIdle), int32(ConnStatusRunning))
		go c.readLoop()
	})
}

// Done returns a channel closed when the connection has ended.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, or nil while it is live.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return c.closedErr()
	default:
		return nil
	}
}

// OnNotification registers a handler for incoming notifications and server
// requests with the given method. Use "*" for a fallback.
func (c *Connection) OnNotification(method string, h Handler) {
	c.dispatcher.Handle(method, h)
}

// Call sends a request and waits for its response. A non-nil result is
// filled from the response's result. An error response is returned as a
// *ProtocolError; a connection that ends first yields ErrConnectionClosed.
func (c *Connection) Call(ctx context.Context, method string, params, result any) error {
	start := time.Now()
	err := c.call(ctx, method, params, result)
	c.metrics.RecordRequest(c.name, method, requestStatus(err), time.Since(start))
	return err
}

func (c *Connection) call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch := make(chan *Response, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		err := c.closedErr()
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	default:
	}
	id := c.allocID()
	c.pending[id] = ch
	inFlight := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(c.name, inFlight)

	payload, err := json.Marshal(Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	if err := c.transport.Write(payload); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}
	c.logger.Debug("request sent", zap.String("method", method), zap.Int64("id", id))

	select {
	case resp := <-ch:
		return decodeResult(method, resp, result)
	case <-c.done:
		c.forget(id)
		// The response may have been delivered just before the loop ended.
		select {
		case resp := <-ch:
			return decodeResult(method, resp, result)
		default:
		}
		return fmt.Errorf("%s: %w", method, c.Err())
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// allocID returns the next free request id. mu must be held.
func (c *Connection) allocID() int64 {
	for {
		c.nextID++
		if c.nextID > maxRequestID {
			c.nextID = 1
		}
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

// forget drops a pending entry that will never be fulfilled.
func (c *Connection) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	inFlight := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(c.name, inFlight)
}

// pendingCount returns the number of requests awaiting a response.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func decodeResult(method string, resp *Response, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: %w: %w", method, ErrInvalidResponse, err)
	}
	return nil
}

// Notify sends a notification. No response is expected.
func (c *Connection) Notify(method string, params any) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.Err())
	default:
	}

	payload, err := json.Marshal(Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	if err := c.transport.Write(payload); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	c.logger.Debug("notification sent", zap.String("method", method))
	return nil
}

// readLoop reads frames until the stream ends or a framing error occurs.
func (c *Connection) readLoop() {
	var cause error
	for {
		payload, err := c.framer.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		c.handleFrame(payload)
	}

	var ferr *FramingError
	switch {
	case errors.Is(cause, io.EOF):
		c.logger.Debug("server closed its output")
	case errors.As(cause, &ferr):
		c.logger.Error("framing error, closing connection", zap.Error(cause))
	default:
		c.logger.Debug("read loop stopped", zap.Error(cause))
	}
	c.terminate(cause)
}

// handleFrame classifies one payload and routes it.
func (c *Connection) handleFrame(payload []byte) {
	var p probe
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn("skipping undecodable message", zap.Error(err), zap.Int("size", len(payload)))
		c.metrics.RecordDecodeError(c.name)
		return
	}

	if p.hasID() && p.Method == "" {
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.logger.Warn("skipping undecodable response", zap.Error(err))
			c.metrics.RecordDecodeError(c.name)
			return
		}
		c.deliver(&resp)
		return
	}

	var in incoming
	if err := json.Unmarshal(payload, &in); err != nil {
		c.logger.Warn("skipping undecodable message", zap.Error(err))
		c.metrics.RecordDecodeError(c.name)
		return
	}
	c.metrics.RecordNotification(c.name, in.Method)

	msg := &Message{Method: in.Method, Params: in.Params}
	if p.hasID() {
		msg.ID = p.ID
		c.dispatcher.Dispatch(c.handlerCtx, msg, func(err error) {
			c.reply(msg.ID, err)
		})
		return
	}
	if !c.dispatcher.Dispatch(c.handlerCtx, msg, nil) {
		c.logger.Debug("unhandled notification", zap.String("method", msg.Method))
	}
}

// deliver hands a response to its waiter and removes the pending entry.
func (c *Connection) deliver(resp *Response) {
	id, ok := parseID(resp.ID)
	if !ok {
		c.logger.Warn("dropping response with unusable id", zap.ByteString("id", resp.ID))
		c.metrics.RecordUnmatched(c.name)
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	delete(c.pending, id)
	inFlight := len(c.pending)
	c.mu.Unlock()

	if !found {
		c.logger.Debug("dropping response for unknown id", zap.Int64("id", id))
		c.metrics.RecordUnmatched(c.name)
		return
	}
	c.metrics.SetPending(c.name, inFlight)
	ch <- resp // buffered, never blocks
}

// parseID accepts numeric ids and numeric strings.
func parseID(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// reply answers a server-to-client request.
func (c *Connection) reply(id json.RawMessage, herr error) {
	msg := replyMessage{JSONRPC: jsonrpcVersion, ID: id}
	if herr != nil {
		var perr *ProtocolError
		if !errors.As(herr, &perr) {
			perr = &ProtocolError{Code: CodeInternalError, Message: herr.Error()}
		}
		msg.Error = perr
	} else {
		msg.Result = json.RawMessage("null")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal reply", zap.Error(err))
		return
	}
	if err := c.transport.Write(payload); err != nil {
		c.logger.Debug("send reply", zap.Error(err))
	}
}

// terminate marks the connection done and releases every waiter.
func (c *Connection) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		clear(c.pending)
		close(c.done)
		c.mu.Unlock()

		c.status.Store(int32(ConnStatusClosed))
		c.handlerCancel()
		c.metrics.SetPending(c.name, 0)
	})
}

// closedErr builds the error returned once the connection is done.
// mu must be held.
func (c *Connection) closedErr() error {
	if c.err == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, c.err)
}

// Close closes the transport and ends the connection without the
// shutdown handshake.
func (c *Connection) Close() error {
	err := c.transport.Close()
	c.terminate(nil)
	return err
}

// Shutdown performs the shutdown request and exit notification, then
// closes the transport.
func (c *Connection) Shutdown(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Close()
	default:
	}

	c.status.Store(int32(ConnStatusShuttingDown))
	if err := c.Call(ctx, "shutdown", nil, nil); err != nil {
		c.logger.Warn("shutdown request failed", zap.Error(err))
	} else if err := c.Notify("exit", nil); err != nil {
		c.logger.Debug("exit notification failed", zap.Error(err))
	}
	return c.Close()
}

// --- Session ---

// Initialize performs the initialize handshake and records the negotiated
// capabilities, then sends the initialized notification.
func (c *Connection) Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error) {
	var result InitializeResult
	if err := c.Call(ctx, "initialize", params, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	semantic, err := ExtractSemanticCapabilities(result.Capabilities)
	if err != nil {
		c.logger.Warn("ignoring unreadable semantic tokens capability", zap.Error(err))
	}

	c.capsMu.Lock()
	c.semantic = semantic
	c.syncKind = ExtractSyncKind(result.Capabilities)
	c.serverInfo = result.ServerInfo
	c.capsMu.Unlock()

	if err := c.Notify("initialized", InitializedParams{}); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	c.status.CompareAndSwap(int32(ConnStatusRunning), int32(ConnStatusReady))

	fields := []zap.Field{
		zap.Bool("semantic_tokens", semantic.Legend != nil),
		zap.String("position_encoding", string(semantic.Encoding)),
		zap.Int("sync_kind", int(ExtractSyncKind(result.Capabilities))),
	}
	if result.ServerInfo != nil {
		fields = append(fields, zap.String("server_name", result.ServerInfo.Name), zap.String("server_version", result.ServerInfo.Version))
	}
	c.logger.Info("language server initialized", fields...)
	return &result, nil
}

// SemanticCapabilities returns what the server negotiated for semantic
// tokens. ok is false before Initialize has completed.
func (c *Connection) SemanticCapabilities() (caps SemanticCapabilities, ok bool) {
	if c.Status() < ConnStatusReady {
		return SemanticCapabilities{}, false
	}
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.semantic, true
}

// Legend returns the server's semantic token legend, or nil when the
// server provides none.
func (c *Connection) Legend() *Legend {
	caps, _ := c.SemanticCapabilities()
	return caps.Legend
}

// SyncKind returns how the server asked for document changes. ok is false
// before Initialize has completed.
func (c *Connection) SyncKind() (kind TextDocumentSyncKind, ok bool) {
	if c.Status() < ConnStatusReady {
		return TextDocumentSyncKindNone, false
	}
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.syncKind, true
}

// ServerInfo returns the server's self-description from initialize.
func (c *Connection) ServerInfo() *ServerInfo {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.serverInfo
}

// SemanticTokensFull requests semantic tokens for a whole document.
// It returns ErrNoSemanticTokens when the server did not advertise
// full-document support.
func (c *Connection) SemanticTokensFull(ctx context.Context, uri DocumentURI) (*SemanticTokens, *Legend, error) {
	caps, ok := c.SemanticCapabilities()
	if !ok {
		return nil, nil, ErrNotInitialized
	}
	if caps.Legend == nil || !caps.Full {
		return nil, nil, ErrNoSemanticTokens
	}

	var tokens *SemanticTokens
	params := SemanticTokensParams{TextDocument: TextDocumentIdentifier{URI: uri}}
	if err := c.Call(ctx, "textDocument/semanticTokens/full", params, &tokens); err != nil {
		return nil, nil, err
	}
	if tokens == nil {
		tokens = &SemanticTokens{}
	}
	return tokens, caps.Legend, nil
}

// SyncDocument makes the server's view of a document match text. The
// first call for a uri sends didOpen; later calls send a full-text
// didChange only when version differs from the last one sent and the
// server accepts changes.
func (c *Connection) SyncDocument(uri DocumentURI, languageID string, version int, text string) error {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()

	last, open := c.versions[uri]
	switch {
	case !open:
		err := c.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: languageID,
				Version:    version,
				Text:       text,
			},
		})
		if err != nil {
			return err
		}
	case last != version:
		if kind, ok := c.SyncKind(); ok && kind == TextDocumentSyncKindNone {
			c.logger.Debug("server takes no document changes", zap.String("uri", string(uri)))
			break
		}
		err := c.Notify("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument: VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
				Version:                version,
			},
			ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
		})
		if err != nil {
			return err
		}
	default:
		return nil
	}
	c.versions[uri] = version
	return nil
}

// CloseDocument sends didClose for an open document.
func (c *Connection) CloseDocument(uri DocumentURI) error {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()

	if _, open := c.versions[uri]; !open {
		return nil
	}
	delete(c.versions, uri)
	return c.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}
