package lsp

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ServerConfig defines how to start a language server.
type ServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory (defaults to RootDir).
	WorkDir string

	// RootDir is the workspace root announced during initialize.
	RootDir string

	// InitializationOptions are sent during initialize.
	InitializationOptions any

	// FilePatterns are regular expressions over document paths that this
	// server handles (e.g. `^.+\.go$`).
	FilePatterns []string

	// Timeout for requests whose context has no deadline (default: 30s).
	Timeout time.Duration

	// KillTimeout bounds how long shutdown waits for the process to exit.
	KillTimeout time.Duration
}

// clientName is announced to servers in initialize.
const clientName = "tokenfuse"

// StartServer spawns the configured server, starts the connection's read
// loop and performs the initialize handshake. On failure the process is
// stopped and a *ServerError is returned.
func StartServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger, opts ...ConnOption) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Command)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = cfg.RootDir
	}

	pt, err := StartProcess(ProcessConfig{
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         cfg.Env,
		WorkDir:     workDir,
		KillTimeout: cfg.KillTimeout,
	}, logger.With(zap.String("server", cfg.Name)))
	if err != nil {
		return nil, &ServerError{Server: cfg.Name, Err: err}
	}

	base := []ConnOption{
		WithName(cfg.Name),
		WithLogger(logger),
		WithRequestTimeout(cfg.Timeout),
	}
	conn := NewConnection(pt, append(base, opts...)...)
	conn.Start()

	if _, err := conn.Initialize(ctx, initializeParams(cfg)); err != nil {
		_ = conn.Close()
		return nil, &ServerError{Server: cfg.Name, Err: err}
	}
	return conn, nil
}

// initializeParams builds the initialize request for cfg.
func initializeParams(cfg ServerConfig) InitializeParams {
	params := InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &ClientInfo{Name: clientName},
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: cfg.InitializationOptions,
	}
	if cfg.RootDir != "" {
		root := FilePathToURI(cfg.RootDir)
		params.RootURI = root
		params.WorkspaceFolders = []WorkspaceFolder{{URI: root, Name: filepath.Base(cfg.RootDir)}}
	}
	return params
}
