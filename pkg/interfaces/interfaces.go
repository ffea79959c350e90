// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
)

// TokenSource provides bearer tokens for authenticated upstream calls.
// Implementations must be safe for concurrent use.
type TokenSource interface {
	// Token returns a currently valid access token, waiting for an
	// in-flight refresh if there is one.
	Token(ctx context.Context) (string, error)
}

// TokenLifecycle is a TokenSource with an explicit lifecycle.
type TokenLifecycle interface {
	TokenSource

	// Start performs the first token exchange and schedules renewal.
	Start(ctx context.Context) error

	// Ready reports whether a valid token is currently held.
	Ready() bool

	// Close cancels the renewal timer and any pending exchange.
	Close()
}
