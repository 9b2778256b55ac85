package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// wireMessage is any JSON-RPC message as seen by the fake server.
type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// fakeServer plays the server side of a connection over in-memory pipes.
type fakeServer struct {
	framer *Framer
	out    *io.PipeWriter
	conn   *Connection
}

func newFakeServer(t *testing.T, opts ...ConnOption) *fakeServer {
	t.Helper()

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	tr := NewStreamTransport(serverToClientR, clientToServerW, closerFunc(func() error {
		clientToServerW.Close()
		serverToClientR.Close()
		return nil
	}))
	conn := NewConnection(tr, append([]ConnOption{WithName("fake")}, opts...)...)

	s := &fakeServer{
		framer: NewFramer(clientToServerR),
		out:    serverToClientW,
		conn:   conn,
	}
	t.Cleanup(func() {
		conn.Close()
		serverToClientW.Close()
		clientToServerR.Close()
	})
	conn.Start()
	return s
}

// next reads the next message the client sent.
func (s *fakeServer) next() (wireMessage, error) {
	var msg wireMessage
	payload, err := s.framer.ReadMessage()
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(payload, &msg)
	return msg, err
}

func (s *fakeServer) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteMessage(s.out, payload)
}

func (s *fakeServer) respond(id json.RawMessage, result any) error {
	return s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *fakeServer) respondError(id json.RawMessage, code ErrorCode, message string) error {
	return s.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// serveOne answers the next request with result.
func (s *fakeServer) serveOne(result any) <-chan error {
	errc := make(chan error, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			errc <- err
			return
		}
		errc <- s.respond(msg.ID, result)
	}()
	return errc
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnection_CallRoundTrip(t *testing.T) {
	s := newFakeServer(t)
	errc := s.serveOne(map[string]any{"answer": 42})

	var result struct {
		Answer int `json:"answer"`
	}
	err := s.conn.Call(testContext(t), "test/echo", map[string]string{"q": "life"}, &result)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, 42, result.Answer)
	assert.Equal(t, 0, s.conn.pendingCount())
}

func TestConnection_RequestEnvelope(t *testing.T) {
	s := newFakeServer(t)

	got := make(chan wireMessage, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			close(got)
			return
		}
		got <- msg
		_ = s.respond(msg.ID, nil)
	}()

	require.NoError(t, s.conn.Call(testContext(t), "test/method", []int{1, 2}, nil))
	msg, ok := <-got
	require.True(t, ok)
	assert.Equal(t, "test/method", msg.Method)
	assert.JSONEq(t, `[1,2]`, string(msg.Params))

	id, ok := parseID(msg.ID)
	require.True(t, ok)
	assert.Positive(t, id)
	assert.LessOrEqual(t, id, int64(maxRequestID))
}

func TestConnection_ConcurrentOutOfOrder(t *testing.T) {
	const n = 16
	s := newFakeServer(t)

	// Collect every request before answering any, then answer in reverse.
	serverErr := make(chan error, 1)
	go func() {
		msgs := make([]wireMessage, 0, n)
		for len(msgs) < n {
			msg, err := s.next()
			if err != nil {
				serverErr <- err
				return
			}
			msgs = append(msgs, msg)
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			var p struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(msgs[i].Params, &p); err != nil {
				serverErr <- err
				return
			}
			if err := s.respond(msgs[i].ID, map[string]int{"n": p.N * 10}); err != nil {
				serverErr <- err
				return
			}
		}
		serverErr <- nil
	}()

	ctx := testContext(t)
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var r struct {
				N int `json:"n"`
			}
			errs[i] = s.conn.Call(ctx, "test/scale", map[string]int{"n": i}, &r)
			results[i] = r.N
		}(i)
	}
	wg.Wait()

	require.NoError(t, <-serverErr)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i*10, results[i], "call %d got another call's response", i)
	}
	assert.Equal(t, 0, s.conn.pendingCount())
}

func TestConnection_ErrorResponseKinds(t *testing.T) {
	tests := []struct {
		code ErrorCode
		kind ErrorKind
	}{
		{CodeParseError, KindParseError},
		{CodeInvalidRequest, KindInvalidRequest},
		{CodeMethodNotFound, KindMethodNotFound},
		{CodeInvalidParams, KindInvalidParams},
		{CodeInternalError, KindInternalError},
		{-32800, KindServerDefined},
		{1, KindServerDefined},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			s := newFakeServer(t)
			go func() {
				msg, err := s.next()
				if err != nil {
					return
				}
				_ = s.respondError(msg.ID, tt.code, "boom")
			}()

			err := s.conn.Call(testContext(t), "test/fail", nil, nil)
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, tt.kind, perr.Kind())
			assert.Equal(t, "boom", perr.Message)
		})
	}
}

func TestConnection_UnknownIDDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	s := newFakeServer(t, WithMetrics(m))

	errc := make(chan error, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			errc <- err
			return
		}
		if err := s.respond(json.RawMessage("987654"), "stray"); err != nil {
			errc <- err
			return
		}
		errc <- s.respond(msg.ID, "ok")
	}()

	var result string
	require.NoError(t, s.conn.Call(testContext(t), "test/stray", nil, &result))
	require.NoError(t, <-errc)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unmatchedTotal.WithLabelValues("fake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("fake", "test/stray", "ok")))
}

func TestConnection_FramingErrorFailsPending(t *testing.T) {
	s := newFakeServer(t)

	go func() {
		if _, err := s.next(); err != nil {
			return
		}
		_, _ = s.out.Write([]byte("Content-Length: nope\r\n\r\n{}"))
	}()

	err := s.conn.Call(testContext(t), "test/pending", nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
	var ferr *FramingError
	require.ErrorAs(t, err, &ferr)

	<-s.conn.Done()
	assert.Equal(t, ConnStatusClosed, s.conn.Status())

	// Later calls fail fast instead of hanging.
	err = s.conn.Call(context.Background(), "test/after", nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, s.conn.Notify("test/after", nil), ErrConnectionClosed)
	assert.Equal(t, 0, s.conn.pendingCount())
}

func TestConnection_EOFFailsPending(t *testing.T) {
	s := newFakeServer(t)

	go func() {
		if _, err := s.next(); err != nil {
			return
		}
		s.out.Close()
	}()

	err := s.conn.Call(testContext(t), "test/pending", nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, err, io.EOF)
}

func TestConnection_ContextCancelRemovesPending(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	s := newFakeServer(t, WithMetrics(m))

	ids := make(chan json.RawMessage, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			return
		}
		ids <- msg.ID
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.conn.Call(ctx, "test/slow", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.conn.pendingCount())

	// A response arriving after the caller gave up is dropped.
	require.NoError(t, s.respond(<-ids, "late"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.unmatchedTotal.WithLabelValues("fake")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, s.conn.Err())
}

func TestConnection_DefaultRequestTimeout(t *testing.T) {
	s := newFakeServer(t, WithRequestTimeout(30*time.Millisecond))
	go func() { _, _ = s.next() }()

	err := s.conn.Call(context.Background(), "test/slow", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.conn.pendingCount())
}

func TestConnection_AllocIDSkipsPending(t *testing.T) {
	c := NewConnection(NewStreamTransport(eofReader{}, io.Discard, nil))

	assert.Equal(t, int64(1), c.allocID())
	assert.Equal(t, int64(2), c.allocID())

	c.nextID = maxRequestID - 1
	c.pending[maxRequestID] = make(chan *Response, 1)
	c.pending[1] = make(chan *Response, 1)
	assert.Equal(t, int64(2), c.allocID(), "wraps past the maximum and skips pending ids")
}

func TestConnection_AllocIDProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewConnection(NewStreamTransport(eofReader{}, io.Discard, nil))
		c.nextID = rapid.Int64Range(0, maxRequestID).Draw(t, "start")
		busy := rapid.SliceOfN(rapid.Int64Range(1, maxRequestID), 0, 8).Draw(t, "busy")
		for _, id := range busy {
			c.pending[id] = make(chan *Response, 1)
		}

		for i := 0; i < 4; i++ {
			id := c.allocID()
			if id < 1 || id > maxRequestID {
				t.Fatalf("id %d out of range", id)
			}
			if _, taken := c.pending[id]; taken {
				t.Fatalf("id %d collides with a pending request", id)
			}
			c.pending[id] = make(chan *Response, 1)
		}
	})
}

func TestConnection_NotificationDispatch(t *testing.T) {
	got := make(chan LogMessageParams, 1)
	s := newFakeServer(t, WithHandler("window/logMessage", func(ctx context.Context, msg *Message) error {
		var p LogMessageParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return err
		}
		got <- p
		return nil
	}))

	require.NoError(t, s.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "window/logMessage",
		"params":  map[string]any{"type": 3, "message": "indexing"},
	}))

	select {
	case p := <-got:
		assert.Equal(t, MessageTypeInfo, p.Type)
		assert.Equal(t, "indexing", p.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestConnection_WildcardHandler(t *testing.T) {
	got := make(chan string, 1)
	s := newFakeServer(t)
	s.conn.OnNotification("*", func(ctx context.Context, msg *Message) error {
		got <- msg.Method
		return nil
	})

	require.NoError(t, s.send(map[string]any{"jsonrpc": "2.0", "method": "custom/thing"}))
	select {
	case method := <-got:
		assert.Equal(t, "custom/thing", method)
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard handler not called")
	}
}

func TestConnection_HandlerPanicIsolated(t *testing.T) {
	panicked := make(chan struct{})
	s := newFakeServer(t, WithHandler("test/explode", func(ctx context.Context, msg *Message) error {
		defer close(panicked)
		panic("kaboom")
	}))

	require.NoError(t, s.send(map[string]any{"jsonrpc": "2.0", "method": "test/explode"}))
	<-panicked

	errc := s.serveOne("still alive")
	var result string
	require.NoError(t, s.conn.Call(testContext(t), "test/ping", nil, &result))
	require.NoError(t, <-errc)
	assert.Equal(t, "still alive", result)
}

func TestConnection_ServerRequestReplies(t *testing.T) {
	s := newFakeServer(t, WithHandler("workspace/configuration", func(ctx context.Context, msg *Message) error {
		return nil
	}))

	require.NoError(t, s.send(map[string]any{"jsonrpc": "2.0", "id": 7, "method": "workspace/configuration"}))
	require.NoError(t, s.send(map[string]any{"jsonrpc": "2.0", "id": "abc", "method": "foo/bar"}))

	replies := make(map[string]wireMessage)
	for len(replies) < 2 {
		msg, err := s.next()
		require.NoError(t, err)
		replies[string(msg.ID)] = msg
	}

	ok := replies["7"]
	assert.Nil(t, ok.Error)
	assert.Equal(t, "null", string(ok.Result))

	missing := replies[`"abc"`]
	require.NotNil(t, missing.Error)
	assert.Equal(t, CodeMethodNotFound, missing.Error.Code)
	assert.Empty(t, missing.Result)
}

func TestConnection_UndecodableFrameSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	s := newFakeServer(t, WithMetrics(m))

	errc := make(chan error, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			errc <- err
			return
		}
		if err := WriteMessage(s.out, []byte("this is not json")); err != nil {
			errc <- err
			return
		}
		errc <- s.respond(msg.ID, true)
	}()

	var result bool
	require.NoError(t, s.conn.Call(testContext(t), "test/after-garbage", nil, &result))
	require.NoError(t, <-errc)
	assert.True(t, result)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrorsTotal.WithLabelValues("fake")))
}

func TestConnection_InvalidResult(t *testing.T) {
	s := newFakeServer(t)
	errc := s.serveOne("not a number")

	var n int
	err := s.conn.Call(testContext(t), "test/number", nil, &n)
	require.NoError(t, <-errc)
	require.ErrorIs(t, err, ErrInvalidResponse)
}

// initializeServer answers initialize with caps and swallows initialized.
func initializeServer(t *testing.T, s *fakeServer, caps map[string]any) {
	t.Helper()

	errc := make(chan error, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			errc <- err
			return
		}
		if msg.Method != "initialize" {
			errc <- errors.New("expected initialize, got " + msg.Method)
			return
		}
		if err := s.respond(msg.ID, map[string]any{
			"capabilities": caps,
			"serverInfo":   map[string]any{"name": "fake-ls", "version": "0.1"},
		}); err != nil {
			errc <- err
			return
		}
		msg, err = s.next()
		if err == nil && msg.Method != "initialized" {
			err = errors.New("expected initialized, got " + msg.Method)
		}
		errc <- err
	}()

	_, err := s.conn.Initialize(testContext(t), initializeParams(ServerConfig{Name: "fake"}))
	require.NoError(t, err)
	require.NoError(t, <-errc)
}

func TestConnection_InitializeAndSemanticTokens(t *testing.T) {
	s := newFakeServer(t)

	_, _, err := s.conn.SemanticTokensFull(testContext(t), "file:///a.rs")
	require.ErrorIs(t, err, ErrNotInitialized)

	initializeServer(t, s, map[string]any{
		"positionEncoding": "utf-8",
		"semanticTokensProvider": map[string]any{
			"legend": map[string]any{
				"tokenTypes":     []string{"function", "variable"},
				"tokenModifiers": []string{"declaration"},
			},
			"full": map[string]any{"delta": true},
		},
	})

	assert.Equal(t, ConnStatusReady, s.conn.Status())
	require.NotNil(t, s.conn.ServerInfo())
	assert.Equal(t, "fake-ls", s.conn.ServerInfo().Name)

	caps, ok := s.conn.SemanticCapabilities()
	require.True(t, ok)
	assert.True(t, caps.Full)
	assert.False(t, caps.Range)
	assert.Equal(t, PositionEncodingUTF8, caps.Encoding)

	errc := make(chan error, 1)
	go func() {
		msg, err := s.next()
		if err != nil {
			errc <- err
			return
		}
		if msg.Method != "textDocument/semanticTokens/full" {
			errc <- errors.New("unexpected method " + msg.Method)
			return
		}
		errc <- s.respond(msg.ID, map[string]any{"data": []uint32{0, 0, 2, 0, 1}})
	}()

	tokens, legend, err := s.conn.SemanticTokensFull(testContext(t), "file:///a.rs")
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, []uint32{0, 0, 2, 0, 1}, tokens.Data)
	assert.Equal(t, []string{"function", "variable"}, legend.TokenTypes)
}

func TestConnection_NoSemanticTokens(t *testing.T) {
	s := newFakeServer(t)
	initializeServer(t, s, map[string]any{"textDocumentSync": 1})

	assert.Nil(t, s.conn.Legend())
	_, _, err := s.conn.SemanticTokensFull(testContext(t), "file:///a.rs")
	require.ErrorIs(t, err, ErrNoSemanticTokens)
}

func TestConnection_SyncDocument(t *testing.T) {
	s := newFakeServer(t)
	uri := DocumentURI("file:///tmp/main.go")

	msgs := make(chan wireMessage, 4)
	go func() {
		for {
			msg, err := s.next()
			if err != nil {
				close(msgs)
				return
			}
			msgs <- msg
		}
	}()

	require.NoError(t, s.conn.SyncDocument(uri, "go", 1, "package main"))
	require.NoError(t, s.conn.SyncDocument(uri, "go", 1, "package main"))
	require.NoError(t, s.conn.SyncDocument(uri, "go", 2, "package main\n"))
	require.NoError(t, s.conn.CloseDocument(uri))
	require.NoError(t, s.conn.CloseDocument(uri))

	open := <-msgs
	assert.Equal(t, "textDocument/didOpen", open.Method)
	var openParams DidOpenTextDocumentParams
	require.NoError(t, json.Unmarshal(open.Params, &openParams))
	assert.Equal(t, 1, openParams.TextDocument.Version)
	assert.Equal(t, "go", openParams.TextDocument.LanguageID)

	change := <-msgs
	assert.Equal(t, "textDocument/didChange", change.Method)
	var changeParams DidChangeTextDocumentParams
	require.NoError(t, json.Unmarshal(change.Params, &changeParams))
	assert.Equal(t, 2, changeParams.TextDocument.Version)
	require.Len(t, changeParams.ContentChanges, 1)
	assert.Nil(t, changeParams.ContentChanges[0].Range)
	assert.Equal(t, "package main\n", changeParams.ContentChanges[0].Text)

	closeMsg := <-msgs
	assert.Equal(t, "textDocument/didClose", closeMsg.Method)
}

func TestConnection_SyncDocumentRespectsSyncKind(t *testing.T) {
	tests := []struct {
		name       string
		sync       any
		wantChange bool
	}{
		{name: "none", sync: 0, wantChange: false},
		{name: "absent", sync: nil, wantChange: false},
		{name: "full", sync: 1, wantChange: true},
		{name: "incremental options", sync: map[string]any{"openClose": true, "change": 2}, wantChange: true},
		{name: "options without change", sync: map[string]any{"openClose": true}, wantChange: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeServer(t)
			caps := map[string]any{}
			if tt.sync != nil {
				caps["textDocumentSync"] = tt.sync
			}
			initializeServer(t, s, caps)

			msgs := make(chan wireMessage, 4)
			go func() {
				for {
					msg, err := s.next()
					if err != nil {
						close(msgs)
						return
					}
					msgs <- msg
				}
			}()

			uri := DocumentURI("file:///tmp/main.go")
			require.NoError(t, s.conn.SyncDocument(uri, "go", 1, "a"))
			require.NoError(t, s.conn.SyncDocument(uri, "go", 2, "b"))
			require.NoError(t, s.conn.CloseDocument(uri))

			assert.Equal(t, "textDocument/didOpen", (<-msgs).Method)
			if tt.wantChange {
				assert.Equal(t, "textDocument/didChange", (<-msgs).Method)
			}
			assert.Equal(t, "textDocument/didClose", (<-msgs).Method)
		})
	}
}

func TestConnection_Shutdown(t *testing.T) {
	s := newFakeServer(t)

	methods := make(chan string, 2)
	go func() {
		msg, err := s.next()
		if err != nil {
			return
		}
		methods <- msg.Method
		_ = s.respond(msg.ID, nil)
		msg, err = s.next()
		if err != nil {
			return
		}
		methods <- msg.Method
	}()

	require.NoError(t, s.conn.Shutdown(testContext(t)))
	assert.Equal(t, "shutdown", <-methods)
	assert.Equal(t, "exit", <-methods)

	<-s.conn.Done()
	require.ErrorIs(t, s.conn.Err(), ErrConnectionClosed)
}

// eofReader is an empty stream.
type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
