package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/tokenfuse/internal/document"
	"github.com/dshills/tokenfuse/internal/highlight"
	"github.com/dshills/tokenfuse/internal/lsp"
)

// Highlight recomputes the token tree for the file at path. The document
// is (re)read, lexed, synced to its language server and fused with the
// server's semantic tokens. When no server serves the document, the server
// has no semantic tokens or its tokens do not fit the text, the lexical
// tree is returned and the cause is logged. Protocol and transport errors
// are returned.
func (a *Application) Highlight(ctx context.Context, path string) (*highlight.TokenTree, error) {
	start := time.Now()

	doc, err := a.store.Open(path)
	if err != nil {
		return nil, &OperationError{Op: "highlight", Target: path, Err: err}
	}

	lexical, err := a.lexicalTree(ctx, doc)
	if err != nil {
		return nil, &OperationError{Op: "highlight", Target: doc.Path, Err: err}
	}

	mode := modeFused
	semantic, err := a.semanticTree(ctx, doc)
	if err != nil {
		if !degradable(err) {
			return nil, &OperationError{Op: "highlight", Target: doc.Path, Err: err}
		}
		a.logger.Debug("using lexical highlighting",
			zap.String("path", doc.Path),
			zap.Error(err),
		)
		semantic = nil
		mode = modeLexical
	}

	tree := highlight.Fuse(lexical, semantic)
	a.stats.observe(mode, time.Since(start))
	return tree, nil
}

// SemanticTree returns the decoded semantic tokens of the file at path
// without merging them with the lexical tree.
func (a *Application) SemanticTree(ctx context.Context, path string) (*highlight.TokenTree, error) {
	doc, err := a.store.Open(path)
	if err != nil {
		return nil, &OperationError{Op: "semantic", Target: path, Err: err}
	}
	tree, err := a.semanticTree(ctx, doc)
	if err != nil {
		return nil, &OperationError{Op: "semantic", Target: doc.Path, Err: err}
	}
	return tree, nil
}

// lexicalTree lexes doc. Files without a lexer get a tree of whitespace,
// bracket and plain runs.
func (a *Application) lexicalTree(ctx context.Context, doc document.Document) (*highlight.TokenTree, error) {
	lx, ok := a.lexers.For(doc.Path)
	if !ok {
		return highlight.BuildTree(doc.Text, nil), nil
	}
	return highlight.LexTree(ctx, lx, doc.Text)
}

func (a *Application) semanticTree(ctx context.Context, doc document.Document) (*highlight.TokenTree, error) {
	conn, err := a.registry.Route(doc.URI)
	if err != nil {
		return nil, err
	}
	if err := conn.SyncDocument(doc.URI, doc.LanguageID, doc.Version, doc.Text); err != nil {
		return nil, &lsp.ServerError{Server: conn.Name(), Err: err}
	}

	tokens, legend, err := conn.SemanticTokensFull(ctx, doc.URI)
	if err != nil {
		return nil, &lsp.ServerError{Server: conn.Name(), Err: err}
	}
	caps, _ := conn.SemanticCapabilities()

	tree, err := highlight.Decode(tokens.Data, doc.Lines, legend, caps.Encoding)
	if err != nil {
		a.stats.decodeErrors.Inc()
		return nil, &lsp.ServerError{Server: conn.Name(), Err: err}
	}
	return tree, nil
}

// degradable reports errors after which lexical highlighting stands alone.
func degradable(err error) bool {
	var de *highlight.DecodeError
	return errors.Is(err, lsp.ErrNoRoute) ||
		errors.Is(err, lsp.ErrNoSemanticTokens) ||
		errors.Is(err, highlight.ErrMalformedTokens) ||
		errors.As(err, &de)
}
