package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/tokenfuse/internal/lsp"
)

// handlers returns the notification handlers installed on every server.
func (a *Application) handlers() map[string]lsp.Handler {
	return map[string]lsp.Handler{
		"window/logMessage":               a.handleLogMessage,
		"window/showMessage":              a.handleLogMessage,
		"$/progress":                      a.handleProgress,
		"textDocument/publishDiagnostics": a.handleDiagnostics,
	}
}

// handleLogMessage forwards server messages to the logger at the matching
// level.
func (a *Application) handleLogMessage(_ context.Context, msg *lsp.Message) error {
	var params lsp.LogMessageParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Method, err)
	}
	if ce := a.logger.Check(messageLevel(params.Type), params.Message); ce != nil {
		ce.Write(zap.String("method", msg.Method))
	}
	return nil
}

func messageLevel(t lsp.MessageType) zapcore.Level {
	switch t {
	case lsp.MessageTypeError:
		return zapcore.ErrorLevel
	case lsp.MessageTypeWarning:
		return zapcore.WarnLevel
	case lsp.MessageTypeInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (a *Application) handleProgress(_ context.Context, msg *lsp.Message) error {
	var params lsp.ProgressParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Method, err)
	}
	var value lsp.WorkDoneProgressValue
	if err := json.Unmarshal(params.Value, &value); err != nil {
		// Non work-done progress carries arbitrary values.
		a.logger.Debug("progress", zap.ByteString("token", params.Token))
		return nil
	}

	fields := []zap.Field{
		zap.ByteString("token", params.Token),
		zap.String("kind", value.Kind),
	}
	if value.Title != "" {
		fields = append(fields, zap.String("title", value.Title))
	}
	if value.Message != "" {
		fields = append(fields, zap.String("message", value.Message))
	}
	if value.Percentage != nil {
		fields = append(fields, zap.Int("percentage", *value.Percentage))
	}
	a.logger.Debug("progress", fields...)
	return nil
}

// handleDiagnostics stores the latest diagnostics for a document. An empty
// list clears them.
func (a *Application) handleDiagnostics(_ context.Context, msg *lsp.Message) error {
	var params lsp.PublishDiagnosticsParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Method, err)
	}
	path := lsp.URIToFilePath(params.URI)

	a.diagMu.Lock()
	if len(params.Diagnostics) == 0 {
		delete(a.diagnostics, path)
	} else {
		a.diagnostics[path] = params.Diagnostics
	}
	a.diagMu.Unlock()

	a.logger.Debug("diagnostics published",
		zap.String("path", path),
		zap.Int("count", len(params.Diagnostics)),
	)
	return nil
}

// Diagnostics returns the diagnostics last published for the file at path.
func (a *Application) Diagnostics(path string) []lsp.Diagnostic {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	a.diagMu.RLock()
	defer a.diagMu.RUnlock()
	diags := a.diagnostics[path]
	out := make([]lsp.Diagnostic, len(diags))
	copy(out, diags)
	return out
}
