package domain

import (
	"errors"
	"fmt"
)

// Relay error taxonomy. None of these is fatal to the process: the caller logs
// and drops the affected record or datagram.
var (
	ErrEncode               = fmt.Errorf("advertisement encoding failed")
	ErrTransport            = fmt.Errorf("relay transport failed")
	ErrMalformed            = fmt.Errorf("malformed advertisement payload")
	ErrMissingRequiredField = fmt.Errorf("missing required field")
	ErrCircuitOpen          = fmt.Errorf("send circuit open")
	ErrClosed               = fmt.Errorf("relay closed")
	ErrInvalidInput         = fmt.Errorf("invalid input")
	ErrSinkFull             = fmt.Errorf("sink queue full")
	ErrSinkPanic            = fmt.Errorf("sink panicked")
	ErrScanner              = fmt.Errorf("scanner failure")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Decoder.Decode")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsDecodeError reports whether err rejects a datagram's content (as opposed
// to a transport or sink failure).
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrMissingRequiredField)
}

// ErrorCode is a machine-parseable error category for logs and counters.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeEncode          ErrorCode = "ENCODE"
	CodeTransport       ErrorCode = "TRANSPORT"
	CodeMalformed       ErrorCode = "MALFORMED"
	CodeMissingRequired ErrorCode = "MISSING_REQUIRED_FIELD"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	CodeClosed          ErrorCode = "CLOSED"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeSinkFull        ErrorCode = "SINK_FULL"
	CodeSinkPanic       ErrorCode = "SINK_PANIC"
	CodeScanner         ErrorCode = "SCANNER"
)

// errorCodeMap maps sentinel errors to their codes. ErrCircuitOpen is listed
// before ErrTransport is consulted because an open circuit wraps both.
var errorCodeMap = map[error]ErrorCode{
	ErrEncode:               CodeEncode,
	ErrTransport:            CodeTransport,
	ErrMalformed:            CodeMalformed,
	ErrMissingRequiredField: CodeMissingRequired,
	ErrCircuitOpen:          CodeCircuitOpen,
	ErrClosed:               CodeClosed,
	ErrInvalidInput:         CodeInvalidInput,
	ErrSinkFull:             CodeSinkFull,
	ErrSinkPanic:            CodeSinkPanic,
	ErrScanner:              CodeScanner,
}

// codePriority is the order in which wrapped sentinels are matched when an
// error chain contains more than one.
var codePriority = []error{
	ErrCircuitOpen,
	ErrMissingRequiredField,
	ErrMalformed,
	ErrEncode,
	ErrSinkFull,
	ErrSinkPanic,
	ErrClosed,
	ErrScanner,
	ErrInvalidInput,
	ErrTransport,
}

// ErrorCodeOf returns the machine-parseable error code for err.
// Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
