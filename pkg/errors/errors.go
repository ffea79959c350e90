// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Nest device exporter.
//
// The exporter distinguishes four classes of failure, each with its own
// propagation policy:
//
//   - ConfigError: missing or invalid configuration. Fatal at startup.
//   - AuthError: the OAuth token endpoint answered with an error payload.
//     Fatal when it happens on the first exchange, surfaced to scrape
//     requests when it happens on a later renewal.
//   - RemoteAPIError: the device-listing endpoint failed, returned an error
//     payload, a malformed body, or timed out. Recoverable per request.
//   - ShapeMismatchError: a device resource path did not have the expected
//     shape. Fails the scrape, since it signals an upstream contract change.
//
// # Example Usage
//
//	err := errors.NewRemoteAPIError("list devices", 502, `{"code":502}`, nil)
//	if errors.IsRemoteAPIError(err) {
//	    log.Printf("upstream failed: %v", err)
//	}
//
//	var authErr *errors.AuthError
//	if errors.As(err, &authErr) {
//	    log.Printf("token endpoint said %s", authErr.Code)
//	}
package errors

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AuthError represents an error payload returned by the OAuth token endpoint.
type AuthError struct {
	Code        string // OAuth error code, e.g. "invalid_grant"
	Description string // error_description, if the endpoint sent one
	Err         error  // Underlying error (optional)
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth: token endpoint returned %q", e.Code)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new auth error.
func NewAuthError(code, description string) *AuthError {
	return &AuthError{Code: code, Description: description}
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RemoteAPIError represents a failed call to an upstream HTTP API.
type RemoteAPIError struct {
	Op         string // Operation being performed (e.g., "list devices", "token exchange")
	StatusCode int    // HTTP status, 0 when no response was received
	Payload    string // Upstream error payload, verbatim
	Retryable  bool   // True for timeouts and transport failures
	Err        error  // Underlying error
}

func (e *RemoteAPIError) Error() string {
	msg := "remote api " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	switch {
	case e.Payload != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", msg, e.Payload, e.Err)
	case e.Payload != "":
		return fmt.Sprintf("%s: %s", msg, e.Payload)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg + " failed"
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// NewRemoteAPIError creates a new remote API error.
func NewRemoteAPIError(op string, statusCode int, payload string, err error) *RemoteAPIError {
	return &RemoteAPIError{Op: op, StatusCode: statusCode, Payload: payload, Err: err}
}

// NewRetryableError creates a remote API error for a timeout or transport
// failure. Callers may retry the operation.
func NewRetryableError(op string, err error) *RemoteAPIError {
	return &RemoteAPIError{Op: op, Retryable: true, Err: err}
}

// IsRemoteAPIError checks if an error is a RemoteAPIError.
func IsRemoteAPIError(err error) bool {
	var re *RemoteAPIError
	return errors.As(err, &re)
}

// IsRetryable reports whether err is a RemoteAPIError marked retryable.
func IsRetryable(err error) bool {
	var re *RemoteAPIError
	return errors.As(err, &re) && re.Retryable
}

// ShapeMismatchError represents an upstream field that does not match the
// expected resource path shape.
type ShapeMismatchError struct {
	Field   string // Field that failed to parse (e.g., "name", "assignee")
	Value   string // The value received
	Pattern string // The expected pattern
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: field %q value %q does not match %s", e.Field, e.Value, e.Pattern)
}

// NewShapeMismatchError creates a new shape mismatch error.
func NewShapeMismatchError(field, value, pattern string) *ShapeMismatchError {
	return &ShapeMismatchError{Field: field, Value: value, Pattern: pattern}
}

// IsShapeMismatchError checks if an error is a ShapeMismatchError.
func IsShapeMismatchError(err error) bool {
	var se *ShapeMismatchError
	return errors.As(err, &se)
}

// Sentinel errors for common conditions
var (
	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCacheClosed indicates the token cache was shut down
	ErrCacheClosed = errors.New("token cache closed")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
