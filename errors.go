package ddb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the closed error taxonomy the core reports through, mirroring
// gladserv/ddb's errno-based error reporting (lib/ddb-error.c) but as a
// typed Go value instead of a raw errno.
type Code int

const (
	// Invalid marks malformed on-disk data or inconsistent arguments.
	Invalid Code = iota + 1
	// NotFound marks a missing file, device entry, or volume.
	NotFound
	// Exists marks an exclusive create against an existing container.
	Exists
	// AccessDenied marks a permission error.
	AccessDenied
	// IsDir marks a path that was expected to be a plain file.
	IsDir
	// NotDir marks a path component that was expected to be a directory.
	NotDir
	// Loop marks a symlink loop encountered while resolving a path.
	Loop
	// OutOfMemory marks an allocation failure.
	OutOfMemory
	// IOError wraps an OS-level I/O error not covered by the other codes.
	IOError
	// BlockRead marks a per-block read failure; queued for retry rather
	// than aborting the operation.
	BlockRead
	// BlockWrite marks a per-block write failure; queued for retry
	// rather than aborting the operation.
	BlockWrite
	// Unsupported marks an operation the device does not implement.
	Unsupported
)

func (c Code) String() string {
	switch c {
	case Invalid:
		return "Invalid"
	case NotFound:
		return "NotFound"
	case Exists:
		return "Exists"
	case AccessDenied:
		return "AccessDenied"
	case IsDir:
		return "IsDir"
	case NotDir:
		return "NotDir"
	case Loop:
		return "Loop"
	case OutOfMemory:
		return "OutOfMemory"
	case IOError:
		return "IOError"
	case BlockRead:
		return "BlockRead"
	case BlockWrite:
		return "BlockWrite"
	case Unsupported:
		return "Unsupported"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the core's error type: a taxonomy code, a message, an optional
// wrapped cause, and for BlockRead/BlockWrite an offending block index.
type Error struct {
	Code    Code
	Message string
	Block   int64 // valid when Code is BlockRead or BlockWrite
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// NewError constructs an *Error, wrapping cause (if non-nil) with
// github.com/pkg/errors so a stack trace is attached the first time the
// error is created.
func NewError(code Code, message string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Code: code, Message: message, cause: cause}
}

// NewBlockError constructs a BlockRead/BlockWrite error for a specific
// block index; the caller is responsible for queuing it into a retry set
// rather than propagating it as a fatal error (spec §7).
func NewBlockError(code Code, block int64, cause error) *Error {
	if code != BlockRead && code != BlockWrite {
		panic("ddb: NewBlockError: code must be BlockRead or BlockWrite")
	}
	return &Error{Code: code, Message: fmt.Sprintf("block %d", block), Block: block, cause: errors.WithStack(cause)}
}

// Is reports whether err carries the given Code, so callers can write
// errors.Is(err, ddb.CodeError(ddb.NotFound)).
func (e *Error) Is(target error) bool {
	o, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == o.Code
}

// CodeError returns a bare sentinel for use with errors.Is(err,
// ddb.CodeError(code)).
func CodeError(code Code) error {
	return &Error{Code: code}
}
