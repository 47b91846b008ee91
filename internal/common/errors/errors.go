// Package errors provides the error taxonomy used at the control-plane boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"

	ErrCodeDesignCyclic            = "DESIGN_CYCLIC"
	ErrCodeCredentialUnavailable   = "CREDENTIAL_UNAVAILABLE"
	ErrCodeAgentFailed             = "AGENT_FAILED"
	ErrCodeRoutingUndecided        = "ROUTING_UNDECIDED"
	ErrCodeWorkspaceProvisionError = "WORKSPACE_PROVISION_FAILED"
	ErrCodeSubprocessTimeout       = "SUBPROCESS_TIMEOUT"
	ErrCodeEndpointConflict        = "ENDPOINT_CONFLICT"
	ErrCodeEndpointNotFound        = "ENDPOINT_NOT_FOUND"
	ErrCodeCancelled               = "CANCELLED"
)

// statusClientClosedRequest is the nginx convention for a caller-initiated cancel;
// net/http has no constant for it.
const statusClientClosedRequest = 499

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// DesignCyclic reports a cycle in a design's block graph.
// The cycle argument lists block ids along one offending cycle.
func DesignCyclic(cycle []string) *AppError {
	return &AppError{
		Code:       ErrCodeDesignCyclic,
		Message:    fmt.Sprintf("design contains a cycle through blocks %v", cycle),
		HTTPStatus: http.StatusBadRequest,
	}
}

// CredentialUnavailable reports that no usable credentials exist for a user.
func CredentialUnavailable(userID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeCredentialUnavailable,
		Message:    fmt.Sprintf("no usable assistant credentials for user '%s'", userID),
		HTTPStatus: http.StatusPreconditionFailed,
		Err:        err,
	}
}

// AgentFailed reports a failed agent turn: non-zero subprocess exit with no
// assistant text, or an unrecoverable stream failure.
func AgentFailed(agentName string, exitCode int, stderrTail string) *AppError {
	msg := fmt.Sprintf("agent '%s' failed with exit code %d", agentName, exitCode)
	if stderrTail != "" {
		msg += ": " + stderrTail
	}
	return &AppError{
		Code:       ErrCodeAgentFailed,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// RoutingUndecided reports a router agent that failed to produce a parseable
// decision after the retry.
func RoutingUndecided(routerName string) *AppError {
	return &AppError{
		Code:       ErrCodeRoutingUndecided,
		Message:    fmt.Sprintf("router '%s' did not return a parseable routing decision", routerName),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// WorkspaceProvisionFailed reports a failed workspace clone or setup.
func WorkspaceProvisionFailed(detail string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspaceProvisionError,
		Message:    fmt.Sprintf("workspace provisioning failed: %s", detail),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SubprocessTimeout reports an agent turn exceeding its wall-clock budget.
func SubprocessTimeout(agentName string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSubprocessTimeout,
		Message:    fmt.Sprintf("agent '%s' exceeded the turn timeout", agentName),
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// EndpointConflict reports an endpoint path already bound to another deployment,
// or a dispatch against an inactive deployment.
func EndpointConflict(path string) *AppError {
	return &AppError{
		Code:       ErrCodeEndpointConflict,
		Message:    fmt.Sprintf("endpoint path '%s' conflicts with an existing or inactive deployment", path),
		HTTPStatus: http.StatusConflict,
	}
}

// EndpointNotFound reports a dispatch against an unknown endpoint path.
func EndpointNotFound(path string) *AppError {
	return &AppError{
		Code:       ErrCodeEndpointNotFound,
		Message:    fmt.Sprintf("no deployment bound to endpoint path '%s'", path),
		HTTPStatus: http.StatusNotFound,
	}
}

// Cancelled reports an execution terminated by caller cancellation.
func Cancelled(what string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    fmt.Sprintf("%s was cancelled", what),
		HTTPStatus: statusClientClosedRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf returns the error code for an error, or ErrCodeInternalError when the
// error is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || hasCode(err, ErrCodeEndpointNotFound)
}

// IsValidation checks if the error is a caller error (bad request or validation).
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeBadRequest) || hasCode(err, ErrCodeValidationError) || hasCode(err, ErrCodeDesignCyclic)
}

// IsCancelled checks if the error is a cancellation.
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

// IsTimeout checks if the error is a subprocess timeout.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeSubprocessTimeout)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
