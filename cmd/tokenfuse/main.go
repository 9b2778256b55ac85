// Package main is the entry point for the tokenfuse highlighter.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/tokenfuse/internal/app"
	"github.com/dshills/tokenfuse/internal/config"
	"github.com/dshills/tokenfuse/internal/highlight"
	"github.com/dshills/tokenfuse/internal/logging"
	"github.com/dshills/tokenfuse/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath  string
	root        string
	engine      string
	logLevel    string
	watch       bool
	diagnostics bool
	files       []string
}

// result is one line of output.
type result struct {
	Path        string               `json:"path"`
	Tree        *highlight.TokenTree `json:"tree"`
	Diagnostics []lsp.Diagnostic     `json:"diagnostics,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	changes := make(chan string, 16)
	application, err := app.New(cfg, logger,
		app.WithRoot(opts.root),
		app.WithChangeHandler(func(path string) {
			select {
			case changes <- path:
			default:
				logger.Debug("change dropped", zap.String("path", path))
			}
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		logger.Warn("language servers unavailable", zap.Error(err))
	}
	defer func() {
		if err := application.Shutdown(context.Background()); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	status := 0
	for _, path := range opts.files {
		if err := emit(ctx, application, enc, path, opts.diagnostics); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			status = 1
		}
	}
	if !opts.watch {
		return status
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, application, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	watchErr := make(chan error, 1)
	go func() { watchErr <- application.Watch(ctx) }()
	logger.Info("watching for changes", zap.Strings("files", opts.files))

	for {
		select {
		case <-ctx.Done():
			return status
		case err := <-watchErr:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: watch: %v\n", err)
				return 1
			}
			return status
		case path := <-changes:
			if err := emit(ctx, application, enc, path, opts.diagnostics); err != nil {
				logger.Error("highlight failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

// emit highlights path and writes one result line.
func emit(ctx context.Context, application *app.Application, enc *json.Encoder, path string, withDiagnostics bool) error {
	tree, err := application.Highlight(ctx, path)
	if err != nil {
		return err
	}
	out := result{Path: path, Tree: tree}
	if withDiagnostics {
		out.Diagnostics = application.Diagnostics(path)
	}
	return enc.Encode(out)
}

func serveMetrics(addr string, application *app.Application, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", application.MetricsHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// loadConfig reads the configuration file, or the defaults when none is
// given, and applies environment and flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
			return nil, err
		}
	}

	if opts.engine != "" {
		cfg.Highlight.Engine = opts.engine
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (.toml, .yaml)")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.root, "root", ".", "Workspace root handed to language servers")
	flag.StringVar(&opts.engine, "engine", "", "Lexer engine (simple, treesitter)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.watch, "watch", false, "Re-highlight files as they change")
	flag.BoolVar(&opts.diagnostics, "diagnostics", false, "Include published diagnostics in the output")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tokenfuse - semantic and lexical highlighting\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tokenfuse [options] files...\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tokenfuse main.go                    Lexical highlighting only\n")
		fmt.Fprintf(os.Stderr, "  tokenfuse -c tokenfuse.toml main.rs  With configured servers\n")
		fmt.Fprintf(os.Stderr, "  tokenfuse -watch -c cfg.yaml a.go    Re-emit on every save\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("tokenfuse %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	opts.files = flag.Args()
	if len(opts.files) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	return opts
}
