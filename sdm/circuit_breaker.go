// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sdm

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/soothill/nest-device-exporter/pkg/errors"
	"github.com/soothill/nest-device-exporter/pkg/logger"
)

// BreakerSettings configures the circuit breaker around device listing.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before letting a
	// probe request through.
	ResetTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerSettings opens after five consecutive failures and probes
// again after 30 seconds.
var DefaultBreakerSettings = BreakerSettings{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
	HalfOpenRequests: 1,
}

// CircuitBreaker stops hammering the device-listing endpoint while it is
// failing. It wraps gobreaker with a context-aware Execute.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, s BreakerSettings) *CircuitBreaker {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerSettings.FailureThreshold
	}
	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: s.HalfOpenRequests,
			Timeout:     s.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
			// A caller giving up is not an upstream failure.
			IsSuccessful: func(err error) bool {
				return err == nil || stderrors.Is(err, context.Canceled)
			},
		}),
	}
}

// Execute executes the given function with circuit breaker protection.
// While the breaker is open it returns errors.ErrCircuitBreakerOpen without
// calling f.
func (b *CircuitBreaker) Execute(ctx context.Context, f func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, f(ctx)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.ErrCircuitBreakerOpen
	}
	return err
}

// State returns the breaker state as a string: "closed", "half-open" or "open".
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}
