package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOKENFUSE_"

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. The decoder is chosen
// by extension: .toml, .yaml or .yml. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := Decode(cfg, path, data); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes data over cfg using the format implied by name's
// extension. Unknown keys are errors.
func Decode(cfg *Config, name string, data []byte) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		return decodeTOML(cfg, name, data)
	case ".yaml", ".yml":
		return decodeYAML(cfg, name, data)
	default:
		return fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
	}
}

func decodeTOML(cfg *Config, name string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: name, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

// yamlLine extracts the line number from yaml.v3 error messages.
var yamlLine = regexp.MustCompile(`line (\d+)`)

func decodeYAML(cfg *Config, name string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: name, Message: err.Error(), Err: err}
		if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
			perr.Line, _ = strconv.Atoi(m[1])
		}
		return perr
	}
	return nil
}

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv applies TOKENFUSE_* overrides:
//
//	TOKENFUSE_LOG_LEVEL        logging.level
//	TOKENFUSE_LOG_FORMAT       logging.format
//	TOKENFUSE_REQUEST_TIMEOUT  lsp.request_timeout
//	TOKENFUSE_ENGINE           highlight.engine
//	TOKENFUSE_METRICS_ADDR     metrics.addr
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_FORMAT"); ok {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPrefix + "REQUEST_TIMEOUT"); ok {
		if err := cfg.LSP.RequestTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sREQUEST_TIMEOUT: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "ENGINE"); ok {
		cfg.Highlight.Engine = v
	}
	if v, ok := lookup(EnvPrefix + "METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	return nil
}
