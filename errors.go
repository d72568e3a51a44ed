package indexstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType is the top-level failure taxonomy. Every error crossing the
// facade boundary carries exactly one type.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeParsing       ErrorType = "parsing"
	ErrorTypeFileSystem    ErrorType = "filesystem"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeResource      ErrorType = "resource"
	ErrorTypeDatabase      ErrorType = "database"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeService       ErrorType = "service"
)

// ErrorCode identifies the concrete failure shape within a type.
type ErrorCode string

const (
	CodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"
	CodeQueryFailed         ErrorCode = "QUERY_FAILED"
	CodeTransactionFailed   ErrorCode = "TRANSACTION_FAILED"
	CodeMigrationFailed     ErrorCode = "MIGRATION_FAILED"
	CodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
	CodeCorruption          ErrorCode = "CORRUPTION"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeParsingFailed       ErrorCode = "PARSING_FAILED"
	CodeFileSystemError     ErrorCode = "FILESYSTEM_ERROR"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeResourceExhausted   ErrorCode = "RESOURCE_EXHAUSTED"
	CodeConfigurationError  ErrorCode = "CONFIGURATION_ERROR"
	CodeServiceError        ErrorCode = "SERVICE_ERROR"
)

// Typed contexts. One closed struct per error kind instead of an open
// property bag; the Context field of ServiceError holds exactly one of
// these (or nil).

// DatabaseErrorContext carries the failing statement and its parameters.
type DatabaseErrorContext struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// TimeoutErrorContext carries the operation, its configured budget and
// the elapsed time at failure.
type TimeoutErrorContext struct {
	Operation string        `json:"operation"`
	Timeout   time.Duration `json:"timeout"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ResourceErrorContext carries the exhausted resource and its limits.
type ResourceErrorContext struct {
	Resource string `json:"resource"`
	Current  int64  `json:"current"`
	Limit    int64  `json:"limit"`
}

// FileSystemErrorContext carries the path and the file operation.
type FileSystemErrorContext struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// ValidationErrorContext carries the offending field and value.
type ValidationErrorContext struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// NetworkErrorContext carries the remote endpoint and the operation.
type NetworkErrorContext struct {
	Host string `json:"host"`
	Op   string `json:"op"`
}

// ServiceError is the single error representation used throughout the
// storage core. Instances are immutable; the With* methods copy.
type ServiceError struct {
	Type       ErrorType     `json:"type"`
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Timestamp  time.Time     `json:"timestamp"`
	Operation  string        `json:"operation,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Context    any           `json:"context,omitempty"`
	Cause      error         `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s [%s]: %s (operation: %s)", e.Type, e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Type, e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *ServiceError) Unwrap() error { return e.Cause }

// WithOperation returns a copy annotated with the operation name.
func (e *ServiceError) WithOperation(op string) *ServiceError {
	cp := *e
	cp.Operation = op
	return &cp
}

// WithContext returns a copy carrying the given typed context.
func (e *ServiceError) WithContext(ctx any) *ServiceError {
	cp := *e
	cp.Context = ctx
	return &cp
}

// WithRetryable returns a copy with the retryability default overridden.
func (e *ServiceError) WithRetryable(retryable bool) *ServiceError {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// ErrorResponse is the structured shape suitable for returning to an
// external caller. No stack traces, no wrapped internals.
type ErrorResponse struct {
	Type       ErrorType     `json:"type"`
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Timestamp  time.Time     `json:"timestamp"`
	Operation  string        `json:"operation,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Response renders the error for external callers.
func (e *ServiceError) Response() ErrorResponse {
	return ErrorResponse{
		Type:       e.Type,
		Code:       e.Code,
		Message:    e.Message,
		Timestamp:  e.Timestamp,
		Operation:  e.Operation,
		Retryable:  e.Retryable,
		RetryAfter: e.RetryAfter,
	}
}

func newServiceError(t ErrorType, code ErrorCode, msg string) *ServiceError {
	return &ServiceError{
		Type:      t,
		Code:      code,
		Message:   msg,
		Timestamp: time.Now(),
		Retryable: defaultRetryable(t, code),
	}
}

// Static constructors for common failure shapes.

// NewDatabaseError builds a Database error around a failing statement.
func NewDatabaseError(code ErrorCode, msg, query string, args []any, cause error) *ServiceError {
	e := newServiceError(ErrorTypeDatabase, code, msg)
	e.Context = DatabaseErrorContext{Query: query, Args: args}
	e.Cause = cause
	return e
}

// NewTimeoutError builds a Timeout error for an overrun operation.
func NewTimeoutError(operation string, timeout, elapsed time.Duration) *ServiceError {
	e := newServiceError(ErrorTypeTimeout, CodeTimeout, fmt.Sprintf("operation %q timed out after %v", operation, elapsed))
	e.Operation = operation
	e.Context = TimeoutErrorContext{Operation: operation, Timeout: timeout, Elapsed: elapsed}
	return e
}

// NewResourceError builds a Resource error with usage against a limit.
func NewResourceError(resource string, current, limit int64) *ServiceError {
	e := newServiceError(ErrorTypeResource, CodeResourceExhausted,
		fmt.Sprintf("resource %q exhausted: %d of %d", resource, current, limit))
	e.Context = ResourceErrorContext{Resource: resource, Current: current, Limit: limit}
	return e
}

// NewFileSystemError builds a FileSystem error for a path operation.
func NewFileSystemError(msg, path, op string, cause error) *ServiceError {
	e := newServiceError(ErrorTypeFileSystem, CodeFileSystemError, msg)
	e.Context = FileSystemErrorContext{Path: path, Op: op}
	e.Cause = cause
	return e
}

// NewValidationError builds a Validation error for a rejected field.
func NewValidationError(field string, value any, msg string) *ServiceError {
	e := newServiceError(ErrorTypeValidation, CodeValidationFailed, msg)
	e.Context = ValidationErrorContext{Field: field, Value: value}
	return e
}

// NewNetworkError builds a Network error for a remote operation.
func NewNetworkError(msg, host, op string, cause error) *ServiceError {
	e := newServiceError(ErrorTypeNetwork, CodeNetworkError, msg)
	e.Context = NetworkErrorContext{Host: host, Op: op}
	e.Cause = cause
	return e
}

// NewParsingError builds a Parsing error.
func NewParsingError(msg string, cause error) *ServiceError {
	e := newServiceError(ErrorTypeParsing, CodeParsingFailed, msg)
	e.Cause = cause
	return e
}

// NewConfigurationError builds a Configuration error.
func NewConfigurationError(msg, field string) *ServiceError {
	e := newServiceError(ErrorTypeConfiguration, CodeConfigurationError, msg)
	e.Context = ValidationErrorContext{Field: field}
	return e
}

// NewMigrationError builds the fatal, non-retryable migration failure.
func NewMigrationError(msg string, version int64, cause error) *ServiceError {
	e := newServiceError(ErrorTypeDatabase, CodeMigrationFailed, msg)
	e.Context = DatabaseErrorContext{Query: fmt.Sprintf("migration v%d", version)}
	e.Cause = cause
	return e
}

// Retryability dispatch table. Codes override types.

var retryableByType = map[ErrorType]bool{
	ErrorTypeValidation:    false,
	ErrorTypeParsing:       false,
	ErrorTypeFileSystem:    false,
	ErrorTypeNetwork:       true,
	ErrorTypeTimeout:       true,
	ErrorTypeResource:      true,
	ErrorTypeDatabase:      false,
	ErrorTypeConfiguration: false,
	ErrorTypeService:       false,
}

var retryableByCode = map[ErrorCode]bool{
	CodeConnectionFailed:    true,
	CodeTimeout:             true,
	CodeCircuitOpen:         true,
	CodeConstraintViolation: false,
	CodeCorruption:          false,
	CodePermissionDenied:    false,
	CodeMigrationFailed:     false,
}

func defaultRetryable(t ErrorType, code ErrorCode) bool {
	if v, ok := retryableByCode[code]; ok {
		return v
	}
	return retryableByType[t]
}

// retryBaseDelays maps each error type to the base delay used for
// exponential backoff. Network and database contention recover quickly;
// resource pressure needs room to drain.
var retryBaseDelays = map[ErrorType]time.Duration{
	ErrorTypeNetwork:  100 * time.Millisecond,
	ErrorTypeDatabase: 100 * time.Millisecond,
	ErrorTypeTimeout:  500 * time.Millisecond,
	ErrorTypeResource: 2 * time.Second,
}

// maxRetryDelay caps all backoff growth.
const maxRetryDelay = 30 * time.Second

// RetryBaseDelay returns the backoff base delay for an error.
func RetryBaseDelay(err error) time.Duration {
	se := Classify(err, "")
	if d, ok := retryBaseDelays[se.Type]; ok {
		return d
	}
	return time.Second
}

// Classification keyword tables, checked in order. SQLite reports most
// failure shapes only through its message text.
var classifyKeywords = []struct {
	substr    string
	t         ErrorType
	code      ErrorCode
	retryable bool
}{
	{"unique constraint", ErrorTypeDatabase, CodeConstraintViolation, false},
	{"foreign key constraint", ErrorTypeDatabase, CodeConstraintViolation, false},
	{"constraint failed", ErrorTypeDatabase, CodeConstraintViolation, false},
	{"database disk image is malformed", ErrorTypeDatabase, CodeCorruption, false},
	{"corrupt", ErrorTypeDatabase, CodeCorruption, false},
	{"database is locked", ErrorTypeDatabase, CodeQueryFailed, true},
	{"database table is locked", ErrorTypeDatabase, CodeQueryFailed, true},
	{"busy", ErrorTypeDatabase, CodeQueryFailed, true},
	{"attempt to write a readonly database", ErrorTypeFileSystem, CodePermissionDenied, false},
	{"permission denied", ErrorTypeFileSystem, CodePermissionDenied, false},
	{"unable to open database file", ErrorTypeFileSystem, CodeFileSystemError, false},
	{"no such file", ErrorTypeFileSystem, CodeFileSystemError, false},
	{"file", ErrorTypeFileSystem, CodeFileSystemError, false},
	{"syntax error", ErrorTypeParsing, CodeParsingFailed, false},
	{"no such table", ErrorTypeDatabase, CodeQueryFailed, false},
	{"no such column", ErrorTypeDatabase, CodeQueryFailed, false},
	{"connection refused", ErrorTypeNetwork, CodeNetworkError, true},
	{"connection reset", ErrorTypeNetwork, CodeNetworkError, true},
	{"connection", ErrorTypeDatabase, CodeConnectionFailed, true},
	{"timeout", ErrorTypeTimeout, CodeTimeout, true},
	{"timed out", ErrorTypeTimeout, CodeTimeout, true},
	{"out of memory", ErrorTypeResource, CodeResourceExhausted, true},
}

// Classify turns an arbitrary failure into a *ServiceError. Existing
// ServiceErrors pass through, optionally gaining the operation name.
// Unclassifiable failures become a generic, non-retryable Service error.
func Classify(err error, operation string) *ServiceError {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if errors.As(err, &se) {
		if operation != "" && se.Operation == "" {
			return se.WithOperation(operation)
		}
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		e := newServiceError(ErrorTypeTimeout, CodeTimeout, err.Error())
		e.Operation = operation
		e.Cause = err
		return e
	}
	if errors.Is(err, context.Canceled) {
		e := newServiceError(ErrorTypeService, CodeServiceError, "operation canceled")
		e.Operation = operation
		e.Cause = err
		return e
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range classifyKeywords {
		if strings.Contains(msg, kw.substr) {
			e := newServiceError(kw.t, kw.code, err.Error())
			e.Retryable = kw.retryable
			e.Operation = operation
			e.Cause = err
			return e
		}
	}

	e := newServiceError(ErrorTypeService, CodeServiceError, err.Error())
	e.Operation = operation
	e.Cause = err
	return e
}

// IsRetryable reports whether an arbitrary failure should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, "").Retryable
}
