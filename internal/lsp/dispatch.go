package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// wildcardMethod registers a handler that receives every message with no
// method-specific handler.
const wildcardMethod = "*"

// Message is an incoming notification or server-to-client request.
// ID is nil for notifications.
type Message struct {
	Method string
	Params json.RawMessage
	ID     json.RawMessage
}

// IsRequest reports whether the server expects a reply.
func (m *Message) IsRequest() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// Handler handles an incoming message. The error is logged; for server
// requests it also becomes the error reply.
type Handler func(ctx context.Context, msg *Message) error

// Dispatcher routes incoming messages to handlers by method name.
// Every dispatch runs on its own goroutine; a failing or panicking handler
// never affects the read loop or request callers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Handle registers h for method, replacing any previous handler.
// Use "*" to register a fallback.
func (d *Dispatcher) Handle(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, method)
		return
	}
	d.handlers[method] = h
}

// lookup returns the handler for method, falling back to the wildcard.
func (d *Dispatcher) lookup(method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[method]; ok {
		return h, true
	}
	h, ok := d.handlers[wildcardMethod]
	return h, ok
}

// Dispatch runs the handler for msg on a new goroutine. done, if non-nil,
// is called on that goroutine with the handler outcome. It reports whether
// any handler was found; when none is, done receives a MethodNotFound error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message, done func(error)) bool {
	h, ok := d.lookup(msg.Method)
	if !ok {
		if done != nil {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				done(&ProtocolError{
					Code:    CodeMethodNotFound,
					Message: fmt.Sprintf("method not found: %s", msg.Method),
				})
			}()
		}
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.run(ctx, h, msg)
		if done != nil {
			done(err)
		}
	}()
	return true
}

// run invokes h, converting a panic into an error.
func (d *Dispatcher) run(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("method", msg.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = &ProtocolError{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	if err := h(ctx, msg); err != nil {
		d.logger.Warn("handler failed", zap.String("method", msg.Method), zap.Error(err))
		return err
	}
	return nil
}

// Wait blocks until every dispatched handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
