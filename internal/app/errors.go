// Package app wires the document store, lexers and language servers into
// the highlighting pipeline.
package app

import (
	"errors"
	"fmt"
)

// Application errors.
var (
	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("application already running")
)

// OperationError reports a failed operation on a document.
type OperationError struct {
	Op     string // Operation name (e.g. "highlight", "semantic")
	Target string // Document path
	Err    error  // Underlying error
}

func (e *OperationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
