// Package domain contains the core business entities for Alexander Lifecycle.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// Node Errors
	// ===========================================

	// ErrNodeNotFound indicates the requested node does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeAlreadyExists indicates a live node with the same path exists.
	ErrNodeAlreadyExists = errors.New("node already exists")

	// ErrNodeIsFolder indicates a blob operation was attempted on a folder.
	ErrNodeIsFolder = errors.New("node is a folder")

	// ErrRepositoryNotFound indicates the repository metadata does not exist.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ===========================================
	// Blob/Storage Errors
	// ===========================================

	// ErrBlobNotFound indicates the requested blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrChecksumMismatch indicates restored content does not match its hash.
	ErrChecksumMismatch = errors.New("blob checksum mismatch")

	// ErrReferenceNotFound indicates there is no reference counter for the blob.
	ErrReferenceNotFound = errors.New("file reference not found")

	// ===========================================
	// Archive Errors
	// ===========================================

	// ErrArchiveRecordNotFound indicates no archive record exists for the blob.
	ErrArchiveRecordNotFound = errors.New("archive record not found")

	// ErrArchiveRecordExists indicates the blob is already on the archive track.
	ErrArchiveRecordExists = errors.New("archive record already exists")

	// ErrArchiveNotRestorable indicates the archive record is in a state that cannot be restored.
	ErrArchiveNotRestorable = errors.New("archive record is not restorable")

	// ===========================================
	// Compression Errors
	// ===========================================

	// ErrCompressRecordNotFound indicates no compress record exists for the blob.
	ErrCompressRecordNotFound = errors.New("compress record not found")

	// ErrChainTooLong indicates the delta chain would exceed MaxChainLength.
	ErrChainTooLong = errors.New("compress chain exceeds maximum length")

	// ErrBaseCompressed indicates the requested base blob is itself a delta.
	ErrBaseCompressed = errors.New("base blob is compressed")

	// ErrSelfBase indicates a blob was asked to be compressed against itself.
	ErrSelfBase = errors.New("blob cannot be its own base")

	// ErrLowReuseRate indicates the delta would not save enough space.
	ErrLowReuseRate = errors.New("delta reuse rate is too low")

	// ===========================================
	// State Errors
	// ===========================================

	// ErrInvalidStatus indicates a record is not in the status an operation requires.
	ErrInvalidStatus = errors.New("invalid record status")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., a blob key or node path).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// WrapError wraps an error with domain context if it's not already a DomainError.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	return &DomainError{
		Err:     err,
		Message: message,
	}
}
