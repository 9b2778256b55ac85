package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/tokenfuse/internal/config"
	"github.com/dshills/tokenfuse/internal/document"
	"github.com/dshills/tokenfuse/internal/highlight"
	"github.com/dshills/tokenfuse/internal/lsp"
)

// Application is the central coordinator. It owns the document store, the
// lexer registry and the language server registry.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger
	root   string

	store    *document.Store
	lexers   *highlight.LexerRegistry
	registry *lsp.Registry

	promReg *prometheus.Registry
	metrics *lsp.Metrics
	stats   *highlightMetrics

	diagMu      sync.RWMutex
	diagnostics map[string][]lsp.Diagnostic

	onChange func(path string)
	running  atomic.Bool
}

// Option configures the application.
type Option func(*Application)

// WithRoot sets the directory relative server root directories resolve
// against. It defaults to the current directory.
func WithRoot(dir string) Option {
	return func(a *Application) {
		a.root = dir
	}
}

// WithPrometheusRegistry registers the application's collectors with reg
// instead of a private registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *Application) {
		if reg != nil {
			a.promReg = reg
		}
	}
}

// WithChangeHandler sets a function called with the path of every open
// document that changes on disk while Watch runs.
func WithChangeHandler(fn func(path string)) Option {
	return func(a *Application) {
		a.onChange = fn
	}
}

// New creates an application from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Application{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "app")),
		root:        ".",
		diagnostics: make(map[string][]lsp.Diagnostic),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.promReg == nil {
		a.promReg = prometheus.NewRegistry()
	}

	lexers, err := highlight.DefaultLexers(cfg.Highlight.Engine)
	if err != nil {
		return nil, fmt.Errorf("lexers: %w", err)
	}
	a.lexers = lexers

	a.metrics = lsp.NewMetrics(cfg.Metrics.Namespace, a.promReg)
	a.stats = newHighlightMetrics(cfg.Metrics.Namespace, a.promReg)

	a.store = document.NewStore(
		document.WithLogger(logger),
		document.WithChangeHandler(a.documentChanged),
	)
	a.registry = lsp.NewRegistry(
		lsp.WithRegistryLogger(logger),
		lsp.WithConnOptions(a.connOptions()...),
	)
	return a, nil
}

// connOptions are applied to every server connection the registry starts.
func (a *Application) connOptions() []lsp.ConnOption {
	opts := []lsp.ConnOption{
		lsp.WithMetrics(a.metrics),
		lsp.WithRequestTimeout(a.cfg.LSP.RequestTimeout.Std()),
	}
	for method, h := range a.handlers() {
		opts = append(opts, lsp.WithHandler(method, h))
	}
	return opts
}

// Start spawns and initializes the configured language servers. Servers
// that fail to start are reported in the returned error; the others stay
// registered and the application remains usable.
func (a *Application) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	servers := a.cfg.ServerConfigs(a.root)
	for i := range servers {
		if servers[i].KillTimeout == 0 {
			servers[i].KillTimeout = a.cfg.LSP.KillTimeout.Std()
		}
	}
	a.logger.Info("starting language servers", zap.Int("count", len(servers)))
	if err := a.registry.Start(ctx, servers); err != nil {
		return fmt.Errorf("start servers: %w", err)
	}
	return nil
}

// Attach registers an already started and initialized connection for the
// documents matching patterns. The application's notification handlers are
// installed on it.
func (a *Application) Attach(conn *lsp.Connection, patterns []string) error {
	for method, h := range a.handlers() {
		conn.OnNotification(method, h)
	}
	return a.registry.Register(conn, patterns)
}

// Watch reloads open documents as they change on disk until ctx is done.
func (a *Application) Watch(ctx context.Context) error {
	return a.store.Watch(ctx)
}

// MetricsHandler serves the application's Prometheus metrics.
func (a *Application) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{})
}

// Shutdown shuts down every language server. The configured shutdown
// timeout bounds the whole operation.
func (a *Application) Shutdown(ctx context.Context) error {
	a.running.Store(false)
	if timeout := a.cfg.LSP.ShutdownTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	a.logger.Info("shutting down language servers")
	return a.registry.Shutdown(ctx)
}

// documentChanged keeps servers and diagnostics in step with the store.
func (a *Application) documentChanged(doc document.Document, kind document.ChangeKind) {
	a.logger.Debug("document changed", zap.String("path", doc.Path), zap.Stringer("kind", kind))
	if kind == document.Removed {
		a.diagMu.Lock()
		delete(a.diagnostics, doc.Path)
		a.diagMu.Unlock()

		if conn, err := a.registry.Route(doc.URI); err == nil {
			if err := conn.CloseDocument(doc.URI); err != nil {
				a.logger.Debug("didClose failed", zap.String("path", doc.Path), zap.Error(err))
			}
		}
		return
	}
	if a.onChange != nil {
		a.onChange(doc.Path)
	}
}
