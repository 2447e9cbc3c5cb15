// Package errors provides the typed error taxonomy for the codex proxy core.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// CodexError is the base error for all proxy errors. Every variant carries a
// stable code, a retryability hint, and optional context metadata.
type CodexError struct {
	Message   string         `json:"message"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Cause     error          `json:"-"`
}

func (e *CodexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *CodexError) Unwrap() error {
	return e.Cause
}

// ToJSON converts the error to a map for API responses.
func (e *CodexError) ToJSON() map[string]any {
	result := map[string]any{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *CodexError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

func newBase(message, code string, retryable bool, metadata map[string]any) *CodexError {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &CodexError{Message: message, Code: code, Retryable: retryable, Metadata: metadata}
}

// NetworkError represents a connection, DNS, or transport failure.
type NetworkError struct {
	*CodexError
}

// NewNetworkError creates a NetworkError; retryable by default.
func NewNetworkError(message string, cause error) *NetworkError {
	e := &NetworkError{newBase(message, "NETWORK_ERROR", true, nil)}
	e.Cause = cause
	return e
}

// ApiError represents a non-2xx upstream HTTP response.
type ApiError struct {
	*CodexError
	Status  int         `json:"status"`
	Headers http.Header `json:"-"`
}

// NewApiError creates an ApiError; 5xx and 429 are retryable.
func NewApiError(message string, status int, headers http.Header) *ApiError {
	return &ApiError{
		CodexError: newBase(message, "API_ERROR", status >= 500 || status == 429, map[string]any{
			"status": status,
		}),
		Status:  status,
		Headers: headers,
	}
}

// AuthError represents a credential or refresh failure.
type AuthError struct {
	*CodexError
	AccountID string `json:"accountId,omitempty"`
}

// NewAuthError creates an AuthError with an explicit retryability hint.
func NewAuthError(message, accountID string, retryable bool) *AuthError {
	metadata := map[string]any{}
	if accountID != "" {
		metadata["accountId"] = accountID
	}
	return &AuthError{
		CodexError: newBase(message, "AUTH_ERROR", retryable, metadata),
		AccountID:  accountID,
	}
}

// ValidationError represents rejected input.
type ValidationError struct {
	*CodexError
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// NewValidationError creates a ValidationError.
func NewValidationError(message, field, expected string) *ValidationError {
	return &ValidationError{
		CodexError: newBase(message, "VALIDATION_ERROR", false, map[string]any{
			"field":    field,
			"expected": expected,
		}),
		Field:    field,
		Expected: expected,
	}
}

// RateLimitError represents a 429-class upstream response.
type RateLimitError struct {
	*CodexError
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
}

// NewRateLimitError creates a RateLimitError.
func NewRateLimitError(message string, retryAfterMs int64, accountID string) *RateLimitError {
	metadata := map[string]any{}
	if retryAfterMs > 0 {
		metadata["retryAfterMs"] = retryAfterMs
	}
	if accountID != "" {
		metadata["accountId"] = accountID
	}
	return &RateLimitError{
		CodexError:   newBase(message, "RATE_LIMITED", true, metadata),
		RetryAfterMs: retryAfterMs,
		AccountID:    accountID,
	}
}

// TimeoutError represents a deadline exceeded.
type TimeoutError struct {
	*CodexError
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{newBase(message, "TIMEOUT", true, nil)}
}

// Storage error codes
const (
	StorageCodeAccess  = "EACCES"
	StorageCodePerm    = "EPERM"
	StorageCodeBusy    = "EBUSY"
	StorageCodeNoSpace = "ENOSPC"
	StorageCodeEmpty   = "EEMPTY"
	StorageCodeUnknown = "UNKNOWN"
)

// StorageError represents a persisted-state failure.
type StorageError struct {
	*CodexError
	StorageCode string `json:"storageCode"`
	Path        string `json:"path"`
	Hint        string `json:"hint"`
}

// NewStorageError creates a StorageError with a platform-aware hint.
func NewStorageError(message, code, path string, cause error) *StorageError {
	hint := StorageHint(code, path)
	e := &StorageError{
		CodexError: newBase(message, "STORAGE_ERROR", false, map[string]any{
			"storageCode": code,
			"path":        path,
			"hint":        hint,
		}),
		StorageCode: code,
		Path:        path,
		Hint:        hint,
	}
	e.Cause = cause
	return e
}

// StorageHint produces a human-readable recovery hint for a storage failure.
func StorageHint(code, path string) string {
	switch code {
	case StorageCodeAccess, StorageCodePerm:
		if runtime.GOOS == "windows" {
			return "Permission denied: check antivirus exclusions and verify write permissions for " + path
		}
		return fmt.Sprintf("Permission denied: check folder permissions; try chmod 755 %s", path)
	case StorageCodeBusy:
		return "The file is locked by another process; close other instances and retry"
	case StorageCodeNoSpace:
		return "Disk full: free up space and retry"
	case StorageCodeEmpty:
		return "The written file was 0 bytes; the original file was left untouched"
	default:
		return "Verify the path exists and is writable: " + path
	}
}

// CircuitOpenError means the breaker refused the call.
type CircuitOpenError struct {
	*CodexError
	Target string `json:"target"`
}

// NewCircuitOpenError creates a CircuitOpenError.
func NewCircuitOpenError(message, target string) *CircuitOpenError {
	return &CircuitOpenError{
		CodexError: newBase(message, "CIRCUIT_OPEN", true, map[string]any{"target": target}),
		Target:     target,
	}
}

// AuthRateLimitError means too many login attempts for one account key.
type AuthRateLimitError struct {
	*CodexError
	Key               string `json:"key"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
	ResetAfterMs      int64  `json:"resetAfterMs"`
}

// NewAuthRateLimitError creates an AuthRateLimitError.
func NewAuthRateLimitError(key string, attemptsRemaining int, resetAfterMs int64) *AuthRateLimitError {
	message := fmt.Sprintf("too many login attempts for %s; retry in %.0fs", key, float64(resetAfterMs)/1000)
	return &AuthRateLimitError{
		CodexError: newBase(message, "AUTH_RATE_LIMITED", true, map[string]any{
			"key":               key,
			"attemptsRemaining": attemptsRemaining,
			"resetAfterMs":      resetAfterMs,
		}),
		Key:               key,
		AttemptsRemaining: attemptsRemaining,
		ResetAfterMs:      resetAfterMs,
	}
}

// IsRateLimitError checks whether an error is 429-class.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	if api, ok := err.(*ApiError); ok {
		return api.Status == 429
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "usage_limit")
}

// IsAuthError checks whether an error is an authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*AuthError); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "token refresh failed")
}

// IsRetryable reports the retryability hint for typed errors; unknown errors
// are not retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(interface{ Base() *CodexError }); ok {
		return e.Base().Retryable
	}
	if e, ok := err.(*CodexError); ok {
		return e.Retryable
	}
	return false
}

// Base exposes the embedded CodexError; every variant inherits it.
func (e *CodexError) Base() *CodexError {
	return e
}

// HTTPStatusFromError returns the HTTP status for an error on the management
// surface. Wrapped and joined errors are unwrapped to find a typed variant.
func HTTPStatusFromError(err error) int {
	var (
		rateErr     *RateLimitError
		authRate    *AuthRateLimitError
		authErr     *AuthError
		validation  *ValidationError
		timeout     *TimeoutError
		circuitOpen *CircuitOpenError
		apiErr      *ApiError
	)
	switch {
	case stderrors.As(err, &rateErr), stderrors.As(err, &authRate):
		return http.StatusTooManyRequests
	case stderrors.As(err, &authErr):
		return http.StatusUnauthorized
	case stderrors.As(err, &validation):
		return http.StatusBadRequest
	case stderrors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case stderrors.As(err, &circuitOpen):
		return http.StatusServiceUnavailable
	case stderrors.As(err, &apiErr):
		return apiErr.Status
	default:
		return http.StatusInternalServerError
	}
}

// FormatAPIError formats any error for an API response body.
func FormatAPIError(err error) map[string]any {
	type jsonable interface{ ToJSON() map[string]any }
	if j, ok := err.(jsonable); ok {
		return j.ToJSON()
	}
	return map[string]any{
		"code":      "INTERNAL_ERROR",
		"message":   err.Error(),
		"retryable": false,
	}
}
