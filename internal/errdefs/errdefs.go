// Package errdefs defines the machine-readable error kinds used across the
// control plane. Every error that reaches the HTTP surface carries a Code
// that maps to a fixed HTTP status, so handlers never invent statuses ad hoc.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodePluginNotFound       Code = "PLUGIN_NOT_FOUND"
	CodeFunctionNotFound     Code = "FUNCTION_NOT_FOUND"
	CodeSourceNotFound       Code = "SOURCE_NOT_FOUND"
	CodePluginExists         Code = "PLUGIN_EXISTS"
	CodeConflict             Code = "CONFLICT"
	CodePluginNotRunning     Code = "PLUGIN_NOT_RUNNING"
	CodeInvalidOperation     Code = "INVALID_OPERATION"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeIntegrationOff       Code = "INTEGRATION_DISABLED"
	CodeCannotDeleteOfficial Code = "CANNOT_DELETE_OFFICIAL"
	CodeInstallFailed        Code = "INSTALL_FAILED"
	CodeStartFailed          Code = "START_FAILED"
	CodeStopFailed           Code = "STOP_FAILED"
	CodeUpdateFailed         Code = "UPDATE_FAILED"
	CodeRollbackFailed       Code = "ROLLBACK_FAILED"
	CodeNothingToRollback    Code = "NOTHING_TO_ROLLBACK"
	CodeUninstallFailed      Code = "UNINSTALL_FAILED"
	CodeExportFailed         Code = "EXPORT_FAILED"
	CodeImportFailed         Code = "IMPORT_FAILED"
	CodeInspectFailed        Code = "INSPECT_FAILED"
	CodeContainerError       Code = "CONTAINER_ERROR"
	CodeGatewayError         Code = "GATEWAY_ERROR"
	CodeContainerUnavailable Code = "CONTAINER_UNAVAILABLE"
	CodeGatewayUnavailable   Code = "GATEWAY_UNAVAILABLE"
	CodeProxyError           Code = "PROXY_ERROR"
	CodeGatewayTimeout       Code = "GATEWAY_TIMEOUT"
	CodeExecutionError       Code = "EXECUTION_ERROR"
	CodeNoPortsAvailable     Code = "NO_PORTS_AVAILABLE"
	CodeNoFile               Code = "NO_FILE"
	CodeInvalidPackage       Code = "INVALID_PACKAGE"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// statusByCode maps each code to its HTTP status. Codes not listed here
// default to 500.
var statusByCode = map[Code]int{
	CodeValidation:           http.StatusBadRequest,
	CodePluginNotFound:       http.StatusNotFound,
	CodeFunctionNotFound:     http.StatusNotFound,
	CodeSourceNotFound:       http.StatusNotFound,
	CodePluginExists:         http.StatusConflict,
	CodeConflict:             http.StatusConflict,
	CodePluginNotRunning:     http.StatusBadRequest,
	CodeInvalidOperation:     http.StatusBadRequest,
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeForbidden:            http.StatusForbidden,
	CodeIntegrationOff:       http.StatusForbidden,
	CodeCannotDeleteOfficial: http.StatusForbidden,
	CodeNothingToRollback:    http.StatusBadRequest,
	CodeContainerUnavailable: http.StatusBadGateway,
	CodeGatewayUnavailable:   http.StatusBadGateway,
	CodeProxyError:           http.StatusBadGateway,
	CodeGatewayTimeout:       http.StatusGatewayTimeout,
	CodeNoFile:               http.StatusBadRequest,
	CodeInvalidPackage:       http.StatusBadRequest,
}

// Error is the typed error carried from the core to the HTTP surface.
type Error struct {
	Code    Code
	Message string
	// Details is rendered alongside code/message in the JSON error body,
	// e.g. availableEndpoints for FUNCTION_NOT_FOUND.
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status for this error's code.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error whose Cause is err.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithDetail attaches a detail entry and returns the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from err, or CodeInternal if it is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// StatusOf extracts the HTTP status from err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsError converts any error into an *Error, wrapping foreign errors under
// the given fallback code.
func AsError(err error, fallback Code) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallback, Message: err.Error(), Cause: err}
}
