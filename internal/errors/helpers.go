package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewStateError creates a local state storage error with operation context
func NewStateError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStateStorage, fmt.Sprintf("local state %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Local state could not be accessed")
}

// NewTransportError creates a realtime transport error. Transport errors are
// always retryable: the channel reconnects on its own.
func NewTransportError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransport, fmt.Sprintf("realtime %s failed", operation)).
		WithContext("operation", operation)
}

// NewCredentialError creates an error for a failed short-lived credential fetch
func NewCredentialError(err error) *AppError {
	return WrapRetryable(err, ErrCodeCredential, "credential fetch failed").
		WithUserMessage("Could not authenticate the live connection")
}

// NewParseError creates an error for a payload that could not be decoded
func NewParseError(what string, err error) *AppError {
	return Wrap(err, ErrCodeParse, fmt.Sprintf("failed to parse %s", what)).
		WithContext("payload", what)
}

// NewAPIError creates an API error for backend calls
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	code := ErrCodeBackendAPI
	switch statusCode {
	case http.StatusUnauthorized:
		code = ErrCodeAuthentication
	case http.StatusForbidden:
		code = ErrCodeAuthorization
	case http.StatusNotFound:
		code = ErrCodeNotFound
	case http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	}

	appErr := Wrap(err, code, "backend API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode).
		WithUserMessage("The server could not complete the request")

	// Determine if error is retryable based on status code
	if statusCode >= 500 || statusCode == 429 || statusCode == 408 || statusCode == 0 {
		appErr.Retryable = true
	}

	return appErr
}

// NewFetchError wraps a failed fetch so stores can expose it as typed state
func NewFetchError(resource string, err error) *AppError {
	appErr := Wrap(err, ErrCodeFetch, fmt.Sprintf("failed to fetch %s", resource)).
		WithContext("resource", resource).
		WithUserMessage(fmt.Sprintf("Could not load %s", resource))
	appErr.Retryable = IsRetryable(err)
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication/authorization error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// HTTPStatusCode maps error codes to the status the console API answers with
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig, ErrCodeParse:
		return http.StatusBadRequest
	case ErrCodeAuthentication, ErrCodeCredential:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeBackendAPI, ErrCodeFetch, ErrCodeTransport:
		return http.StatusBadGateway
	case ErrCodeStateStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body of the console API
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error) HTTPErrorResponse {
	var response HTTPErrorResponse

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "token" && k != "secret" && k != "session_token" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
