package lsp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry routes documents to language server connections by regular
// expressions over the document path. The first registered connection
// whose patterns match wins.
type Registry struct {
	mu      sync.RWMutex
	entries []*registryEntry

	logger      *zap.Logger
	connOptions []ConnOption
}

type registryEntry struct {
	conn     *Connection
	patterns []*regexp.Regexp
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used by the registry and by the
// connections it starts.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConnOptions sets options applied to every connection started by Start.
func WithConnOptions(opts ...ConnOption) RegistryOption {
	return func(r *Registry) {
		r.connOptions = append(r.connOptions, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register attaches conn to the documents matching patterns.
func (r *Registry) Register(conn *Connection, patterns []string) error {
	compiled, err := CompilePatterns(patterns)
	if err != nil {
		return &ServerError{Server: conn.Name(), Err: err}
	}

	r.mu.Lock()
	r.entries = append(r.entries, &registryEntry{conn: conn, patterns: compiled})
	r.mu.Unlock()

	r.logger.Debug("server registered",
		zap.String("server", conn.Name()),
		zap.Strings("patterns", patterns),
	)
	return nil
}

// CompilePatterns compiles file patterns, reporting the first invalid one.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile file pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Route returns the connection responsible for uri.
func (r *Registry) Route(uri DocumentURI) (*Connection, error) {
	path := URIToFilePath(uri)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		for _, re := range e.patterns {
			if re.MatchString(path) || re.MatchString(string(uri)) {
				return e.conn, nil
			}
		}
	}
	return nil, &RoutingError{URI: uri}
}

// Connections returns the registered connections in registration order.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, len(r.entries))
	for i, e := range r.entries {
		conns[i] = e.conn
	}
	return conns
}

// Call routes a request for uri and waits for the response.
func (r *Registry) Call(ctx context.Context, uri DocumentURI, method string, params, result any) error {
	conn, err := r.Route(uri)
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, method, params, result); err != nil {
		return &ServerError{Server: conn.Name(), Err: err}
	}
	return nil
}

// Notify routes a notification for uri.
func (r *Registry) Notify(uri DocumentURI, method string, params any) error {
	conn, err := r.Route(uri)
	if err != nil {
		return err
	}
	if err := conn.Notify(method, params); err != nil {
		return &ServerError{Server: conn.Name(), Err: err}
	}
	return nil
}

// SemanticTokens fetches full-document semantic tokens for uri together
// with the legend needed to decode them.
func (r *Registry) SemanticTokens(ctx context.Context, uri DocumentURI) (*SemanticTokens, *Legend, error) {
	conn, err := r.Route(uri)
	if err != nil {
		return nil, nil, err
	}
	tokens, legend, err := conn.SemanticTokensFull(ctx, uri)
	if err != nil {
		return nil, nil, &ServerError{Server: conn.Name(), Err: err}
	}
	return tokens, legend, nil
}

// Start spawns and initializes every configured server concurrently and
// registers them in configuration order. A server that fails to start is
// skipped; its error is joined into the result once all attempts finish.
func (r *Registry) Start(ctx context.Context, configs []ServerConfig) error {
	// Validate every pattern before spawning anything.
	compiled := make([][]*regexp.Regexp, len(configs))
	for i, cfg := range configs {
		res, err := CompilePatterns(cfg.FilePatterns)
		if err != nil {
			return &ServerError{Server: cfg.Name, Err: err}
		}
		compiled[i] = res
	}

	conns := make([]*Connection, len(configs))
	errs := make([]error, len(configs))

	var g errgroup.Group
	for i, cfg := range configs {
		g.Go(func() error {
			conn, err := StartServer(ctx, cfg, r.logger, r.connOptions...)
			if err != nil {
				r.logger.Error("failed to start language server", zap.String("server", cfg.Name), zap.Error(err))
				errs[i] = err
				return nil
			}
			conns[i] = conn
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for i, conn := range conns {
		if conn != nil {
			r.entries = append(r.entries, &registryEntry{conn: conn, patterns: compiled[i]})
		}
	}
	r.mu.Unlock()

	return errors.Join(errs...)
}

// Shutdown shuts down every registered connection concurrently and
// empties the registry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		conn := e.conn
		g.Go(func() error {
			if err := conn.Shutdown(ctx); err != nil {
				return &ServerError{Server: conn.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}
