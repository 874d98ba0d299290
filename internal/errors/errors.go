// Package errors provides typed errors for the threesd import engine.
// This enables callers to use errors.Is() and errors.As() for specific error handling.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per Error Kind of the data-path engine.
// Use errors.Is(err, ErrHashMismatch) etc. to check for specific conditions.
var (
	ErrBadMagic          = errors.New("bad magic or version")
	ErrTruncated         = errors.New("truncated or out of range")
	ErrOutOfRange        = errors.New("out of range")
	ErrCryptoUnavailable = errors.New("required key slot is empty")
	ErrSignatureInvalid  = errors.New("signature verification failed")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrUnsupported       = errors.New("unsupported format variant")
	ErrAborted           = errors.New("operation aborted")
	ErrNotFound          = errors.New("not found")
)

// IoError represents an error during a file operation.
type IoError struct {
	Op   string // "open", "read", "write", "seek", "create"
	Path string
	Err  error
}

func (e *IoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Op, e.Path)
}

func (e *IoError) Unwrap() error { return e.Err }

func NewIoError(op, path string, err error) *IoError {
	return &IoError{Op: op, Path: path, Err: err}
}

// ContainerError represents a failure while parsing a nested container
// stage (DISA/DIFF, DPFS, IVFC, Inner FAT, NCCH, TMD/ticket/cert, archive).
type ContainerError struct {
	Stage string // e.g. "disa", "dpfs", "inner_fat", "ncch", "tmd"
	Err   error
}

func (e *ContainerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: invalid", e.Stage)
}

func (e *ContainerError) Unwrap() error { return e.Err }

func NewContainerError(stage string, err error) *ContainerError {
	return &ContainerError{Stage: stage, Err: err}
}

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Is checks if target matches any of our sentinel errors.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsRecoverable reports whether err describes a condition this importer treats
// as locally recoverable: a missing optional auxiliary input. The pipeline
// continues, possibly degrading to fake keys, and later cryptographic
// checks may then fail on their own.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCryptoUnavailable)
}

// IsFatal reports whether err is one the build/import mode requires to
// hold: signature/hash verification failures, bad magic and unsupported
// formats abort the operation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrBadMagic) || errors.Is(err, ErrUnsupported)
}

// IsAborted reports whether err indicates caller-requested cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
