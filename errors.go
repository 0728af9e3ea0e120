package bmft

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Error is the structured error surfaced by every public BMF-T operation
// (spec.md §7). It carries the failing operation, the peer rank involved
// (if any), a high-level Code for errors.Is-style matching, and the
// underlying cause for diagnostics.
type Error struct {
	Op     string    // operation that failed (e.g. "OpenDevice", "WriteRemote")
	RankID int       // peer rank involved, -1 if not applicable
	Code   ErrorCode // high-level error category
	Errno  syscall.Errno
	Msg    string // human-readable message
	Inner  error  // wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.RankID >= 0 {
		parts = append(parts, fmt.Sprintf("rank=%d", e.RankID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("bmft: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("bmft: %s", msg)
}

// Unwrap returns the wrapped cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, matching on Code only.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level error category named in spec.md §7.
type ErrorCode string

const (
	CodeInvalidParam    ErrorCode = "INVALID_PARAM"
	CodeNotInitialized  ErrorCode = "NOT_INITIALIZED"
	CodeDriverFail      ErrorCode = "DL_FAIL"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeError           ErrorCode = "ERROR"
	CodeMallocFailed    ErrorCode = "MALLOC_FAILED"
)

// NewError creates a structured error with no rank context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, RankID: -1, Code: code, Msg: msg}
}

// NewRankError creates a structured error scoped to a peer rank.
func NewRankError(op string, rankID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, RankID: rankID, Code: code, Msg: msg}
}

// WrapError folds an arbitrary error (syscall errno, context deadline,
// pkg/errors-wrapped cause, ...) into a *Error, preserving an already
// structured error's fields and only reclassifying the Code when needed.
func WrapError(op string, rankID int, inner error) *Error {
	if inner == nil {
		return nil
	}

	var be *Error
	if errors.As(inner, &be) {
		return &Error{
			Op:     op,
			RankID: be.RankID,
			Code:   be.Code,
			Errno:  be.Errno,
			Msg:    be.Msg,
			Inner:  be.Inner,
		}
	}

	if rankID < 0 {
		rankID = -1
	}

	if errors.Is(inner, context.DeadlineExceeded) {
		return &Error{Op: op, RankID: rankID, Code: CodeTimeout, Msg: inner.Error(), Inner: inner}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:     op,
			RankID: rankID,
			Code:   mapErrnoToCode(errno),
			Errno:  errno,
			Msg:    errno.Error(),
			Inner:  inner,
		}
	}

	return &Error{Op: op, RankID: rankID, Code: CodeDriverFail, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a syscall errno to a BMF-T error code.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParam
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeMallocFailed
	default:
		return CodeDriverFail
	}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
