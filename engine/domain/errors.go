package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Transient collaborator failures
// are absorbed locally with retry; invariant violations surface as warnings
// and degrade operation instead of stopping the loop.
var (
	ErrMalformedDocument  = errors.New("malformed document")
	ErrEmbeddingFailure   = errors.New("embedding failure")
	ErrIndexInconsistency = errors.New("index inconsistency")
	ErrReasoningFailure   = errors.New("reasoning failure")
	ErrCheckpointWrite    = errors.New("checkpoint write failure")
	ErrQueueSaturated     = errors.New("dispatch queue saturated")
	ErrIndexNotReady      = errors.New("index not ready")
)

// IsMalformed reports whether err is a malformed-document failure. Malformed
// documents are dropped, never retried.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedDocument)
}

// DocumentError wraps a document-scoped failure with its ID for logging.
type DocumentError struct {
	DocID   string
	Wrapped error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %s: %v", e.DocID, e.Wrapped)
}

func (e *DocumentError) Unwrap() error { return e.Wrapped }

// NewDocumentError creates a DocumentError.
func NewDocumentError(docID string, wrapped error) *DocumentError {
	return &DocumentError{DocID: docID, Wrapped: wrapped}
}
