// Package kerr defines the kernel's error taxonomy: resource exhaustion,
// usage errors and fatal conditions, each identified by a Code that the
// syscall layer hands back to user programs as a negative result.
package kerr

import (
	"errors"
	"fmt"
)

// Error is a kernel error with a code and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kernel error with the same code, so that
// errors.Is(err, kerr.ErrNoChild) works for any message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the code's default message.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err yields nil.
func Wrap(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Wrapf attaches a code and a formatted message to err.
func Wrapf(err error, code Code, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// GetCode extracts the code from any error. Errors that carry no code
// report IO.
func GetCode(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return IO
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// Errno converts err to a syscall result: 0 on success, otherwise the
// negated code.
func Errno(err error) int32 {
	return -int32(GetCode(err))
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoFreeSlot     = New(NoFreeSlot)
	ErrAllocTableFull = New(AllocTableFull)
	ErrNoMemory       = New(NoMemory)
	ErrFileTableFull  = New(FileTableFull)
	ErrQuotaExceeded  = New(QuotaExceeded)
	ErrInvalidArg     = New(InvalidArg)
	ErrBadAddress     = New(BadAddress)
	ErrMisaligned     = New(Misaligned)
	ErrBadFD          = New(BadFD)
	ErrNoChild        = New(NoChild)
	ErrBadPath        = New(BadPath)
	ErrBadFormat      = New(BadFormat)
	ErrNotMapped      = New(NotMapped)
	ErrFault          = New(Fault)
	ErrNotDirectory   = New(NotDirectory)
	ErrNoSuchProcess  = New(NoSuchProcess)
	ErrKernelPanic    = New(KernelPanic)
)
