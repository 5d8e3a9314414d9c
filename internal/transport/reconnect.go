package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/yellowfun/session_layer/pkg/logger"
)

// ReconnectPolicy is an explicit, bounded reconnection policy layered above
// the transport. The transport itself never retries; a caller that wants
// reconnection runs this policy and then re-authenticates.
type ReconnectPolicy struct {
	// MaxAttempts bounds the number of dial attempts.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter adds randomness to each delay (0.0 to 1.0).
	Jitter float64
}

// DefaultReconnectPolicy returns sensible defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Backoff returns the delay before the given attempt (1-based). Attempt 1
// has no delay.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-2))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

// Reconnect dials until connected or the policy is exhausted.
func Reconnect(ctx context.Context, conn *Conn, policy ReconnectPolicy, log *logger.Logger) error {
	if log == nil {
		log = logger.NewDefault("transport")
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.Backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = conn.Connect(ctx); lastErr == nil {
			return nil
		}
		log.WithError(lastErr).Warn("relay dial failed", "attempt", attempt)
	}
	return fmt.Errorf("reconnect gave up after %d attempts: %w", policy.MaxAttempts, lastErr)
}
