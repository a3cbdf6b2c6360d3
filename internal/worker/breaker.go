package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BreakerConfig configures the circuit breaker around coordinator calls.
type BreakerConfig struct {
	// Failures is the number of consecutive transport failures that opens
	// the circuit (default 5).
	Failures uint32
	// OpenTimeout is how long the circuit stays open before a trial call
	// (default 30s).
	OpenTimeout time.Duration
	// OnStateChange is called with the new state name on every transition.
	OnStateChange func(from, to string)
}

// NewBreaker builds a gobreaker circuit breaker. Only transport failures
// count against it; coordinator rejections such as NotFound are successful
// round trips.
func NewBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			return !isTransportError(err)
		},
	})
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
