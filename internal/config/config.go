// Package config loads tokenfuse configuration from TOML or YAML files
// with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/tokenfuse/internal/highlight"
	"github.com/dshills/tokenfuse/internal/lsp"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// UnmarshalText parses a duration string. TOML decoding uses it.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete tokenfuse configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	LSP       LSPConfig       `toml:"lsp" yaml:"lsp"`
	Highlight HighlightConfig `toml:"highlight" yaml:"highlight"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Servers   []ServerConfig  `toml:"servers" yaml:"servers"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" yaml:"level"`

	// Format is json or console.
	Format string `toml:"format" yaml:"format"`
}

// LSPConfig holds timeouts shared by all servers.
type LSPConfig struct {
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	KillTimeout     Duration `toml:"kill_timeout" yaml:"kill_timeout"`
}

// HighlightConfig selects the lexical highlighter.
type HighlightConfig struct {
	// Engine is "treesitter" or "simple".
	Engine string `toml:"engine" yaml:"engine"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Namespace string `toml:"namespace" yaml:"namespace"`

	// Addr, when set, serves /metrics on this address in watch mode.
	Addr string `toml:"addr" yaml:"addr"`
}

// ServerConfig describes one language server.
type ServerConfig struct {
	Name                  string            `toml:"name" yaml:"name"`
	Command               string            `toml:"command" yaml:"command"`
	Args                  []string          `toml:"args" yaml:"args"`
	Env                   map[string]string `toml:"env" yaml:"env"`
	WorkDir               string            `toml:"work_dir" yaml:"work_dir"`
	RootDir               string            `toml:"root_dir" yaml:"root_dir"`
	FilePatterns          []string          `toml:"file_patterns" yaml:"file_patterns"`
	InitializationOptions map[string]any    `toml:"initialization_options" yaml:"initialization_options"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		LSP: LSPConfig{
			RequestTimeout:  Duration(lsp.DefaultRequestTimeout),
			ShutdownTimeout: Duration(5 * time.Second),
			KillTimeout:     Duration(2 * time.Second),
		},
		Highlight: HighlightConfig{
			Engine: highlight.EngineTreeSitter,
		},
		Metrics: MetricsConfig{
			Namespace: "tokenfuse",
		},
	}
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate checks the configuration and returns *ValidationErrors
// describing every problem found.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if !validLevels[c.Logging.Level] {
		errs.Add("logging.level", "unknown level %q", c.Logging.Level)
	}
	if !validFormats[c.Logging.Format] {
		errs.Add("logging.format", "unknown format %q", c.Logging.Format)
	}
	if c.LSP.RequestTimeout <= 0 {
		errs.Add("lsp.request_timeout", "must be positive")
	}
	if c.LSP.ShutdownTimeout < 0 {
		errs.Add("lsp.shutdown_timeout", "must not be negative")
	}
	if c.LSP.KillTimeout < 0 {
		errs.Add("lsp.kill_timeout", "must not be negative")
	}
	if c.Highlight.Engine != highlight.EngineTreeSitter && c.Highlight.Engine != highlight.EngineSimple {
		errs.Add("highlight.engine", "unknown engine %q", c.Highlight.Engine)
	}

	names := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		path := fmt.Sprintf("servers[%d]", i)
		if s.Command == "" {
			errs.Add(path+".command", "is required")
		}
		name := s.serverName()
		if names[name] {
			errs.Add(path+".name", "duplicate server name %q", name)
		}
		names[name] = true
		if len(s.FilePatterns) == 0 {
			errs.Add(path+".file_patterns", "at least one pattern is required")
		}
		for j, p := range s.FilePatterns {
			if _, err := regexp.Compile(p); err != nil {
				errs.Add(fmt.Sprintf("%s.file_patterns[%d]", path, j), "invalid pattern: %v", err)
			}
		}
	}
	return errs.Err()
}

func (s ServerConfig) serverName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Command)
}

// ServerConfigs converts the server entries into lsp.ServerConfig values.
// Relative root directories resolve against base.
func (c *Config) ServerConfigs(base string) []lsp.ServerConfig {
	out := make([]lsp.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		root := s.RootDir
		if root == "" {
			root = base
		} else if !filepath.IsAbs(root) {
			root = filepath.Join(base, root)
		}
		sc := lsp.ServerConfig{
			Name:         s.serverName(),
			Command:      s.Command,
			Args:         s.Args,
			Env:          s.Env,
			WorkDir:      s.WorkDir,
			RootDir:      root,
			FilePatterns: s.FilePatterns,
			Timeout:      c.LSP.RequestTimeout.Std(),
			KillTimeout:  c.LSP.KillTimeout.Std(),
		}
		if len(s.InitializationOptions) > 0 {
			sc.InitializationOptions = s.InitializationOptions
		}
		out = append(out, sc)
	}
	return out
}
