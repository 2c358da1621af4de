// Package apperr defines the coded error taxonomy shared by the orchestration core and its
// HTTP surface.
package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code identifies a class of failure.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUpstreamModel   Code = "UPSTREAM_MODEL"
	CodeTool            Code = "TOOL"
	CodeStorage         Code = "STORAGE"
)

// Conflict reason codes surfaced to clients verbatim.
const (
	ReasonRunningThread             = "Running_Thread"
	ReasonNotBrowserTaskBGMode      = "Not_Browser_Task_BG_Mode"
	ReasonNotRunning                = "Not_Running"
	ReasonCannotDeleteWorkingThread = "Cannot_Delete_Working_Thread"
)

// Attributes describe the default behaviour of a code.
type Attributes struct {
	Message    string
	HTTPStatus int
	Retryable  bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:         {Message: "unknown error", HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument: {Message: "invalid argument", HTTPStatus: http.StatusBadRequest},
		CodeUnauthenticated: {Message: "invalid token", HTTPStatus: http.StatusUnauthorized},
		CodeNotFound:        {Message: "resource not found", HTTPStatus: http.StatusNotFound},
		CodeConflict:        {Message: "resource conflict", HTTPStatus: http.StatusBadRequest},
		CodeUpstreamModel:   {Message: "model invocation failed", HTTPStatus: http.StatusBadGateway, Retryable: true},
		CodeTool:            {Message: "tool failure", HTTPStatus: http.StatusUnprocessableEntity},
		CodeStorage:         {Message: "storage failure", HTTPStatus: http.StatusInternalServerError, Retryable: true},
	}
)

// Register adds or replaces the attributes of a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes, falling back to CodeUnknown.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the coded error carried across package boundaries.
type Error struct {
	code      Code
	reason    string
	message   string
	cause     error
	retryable *bool
}

// Option customises an Error.
type Option func(*Error)

// WithReason attaches a machine-readable reason code.
func WithReason(reason string) Option {
	return func(e *Error) { e.reason = reason }
}

// WithRetryable overrides the code's default retryability.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error with the same code, so errors.Is(err, apperr.New(CodeNotFound, ""))
// holds for any not-found error.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stdErrors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.code == other.code
}

func (e *Error) Code() Code      { return e.code }
func (e *Error) Reason() string  { return e.reason }
func (e *Error) Message() string { return e.message }

func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// From extracts the first *Error in err's chain.
func From(err error) (*Error, bool) {
	var e *Error
	if stdErrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// ReasonOf returns the reason code of err, or "".
func ReasonOf(err error) string {
	if e, ok := From(err); ok {
		return e.reason
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}

func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

func Conflict(reason string) *Error {
	return New(CodeConflict, reason, WithReason(reason))
}

func InvalidArgument(message string) *Error {
	return New(CodeInvalidArgument, message)
}

func Upstream(cause error, message string) *Error {
	return Wrap(CodeUpstreamModel, cause, message)
}

func Storage(cause error, message string) *Error {
	return Wrap(CodeStorage, cause, message)
}
