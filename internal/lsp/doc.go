// Package lsp provides the Language Server Protocol client layer for tokenfuse.
//
// It talks to external language servers (rust-analyzer, gopls, pyright, ...)
// over their standard input and output, correlates responses with the
// requests that caused them, and delivers everything else the server sends
// to registered handlers.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Framer: Content-Length message framing with strict CRLF headers
//   - Transport: serialized framed writes over pipes or a spawned process
//   - Connection: request/response correlation, read loop, session state
//   - Dispatcher: per-method notification handlers, one goroutine each
//   - Registry: routes documents to connections by file pattern
//
// # Quick Start
//
// Start the configured servers and fetch semantic tokens for a document:
//
//	reg := lsp.NewRegistry(lsp.WithRegistryLogger(logger))
//	if err := reg.Start(ctx, []lsp.ServerConfig{{
//	    Name:         "rust-analyzer",
//	    Command:      "rust-analyzer",
//	    FilePatterns: []string{`^.+\.rs$`},
//	}}); err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Shutdown(ctx)
//
//	tokens, legend, err := reg.SemanticTokens(ctx, lsp.FilePathToURI("src/main.rs"))
//
// # Liveness
//
// Every Call honours its context and, when the context has no deadline, the
// connection's request timeout. When the read loop ends (server exit, EOF or
// a framing error) all in-flight and later calls fail with
// ErrConnectionClosed wrapping the cause. Nothing is retried.
//
// # Thread Safety
//
// Connections and the Registry are safe for concurrent use. A connection's
// pending-request lock is never held while writing or waiting, and
// connections share no locks with each other.
package lsp
