package live

import (
	"math"
	"time"
)

// ReconnectPolicy decides how long to wait before the next connection
// attempt. attempt is the number of failed attempts already made since the
// last successful handshake. A false result means no further attempt.
type ReconnectPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
}

// ReconnectPolicyFunc adapts a function to ReconnectPolicy.
type ReconnectPolicyFunc func(attempt int) (time.Duration, bool)

// NextDelay calls f.
func (f ReconnectPolicyFunc) NextDelay(attempt int) (time.Duration, bool) { return f(attempt) }

// Default reconnect parameters.
const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxAttempts = 5
)

// ExponentialBackoff doubles BaseDelay on every attempt, up to MaxAttempts
// attempts. MaxDelay caps a single delay; zero leaves it uncapped.
type ExponentialBackoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewExponentialBackoff returns a new ExponentialBackoff.
func NewExponentialBackoff(baseDelay time.Duration, maxAttempts int) *ExponentialBackoff {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &ExponentialBackoff{BaseDelay: baseDelay, MaxAttempts: maxAttempts}
}

// WithMaxDelay sets the cap on a single delay.
func (strategy *ExponentialBackoff) WithMaxDelay(maxDelay time.Duration) *ExponentialBackoff {
	if strategy == nil {
		return strategy
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	strategy.MaxDelay = maxDelay
	return strategy
}

// NextDelay returns BaseDelay * 2^attempt.
func (strategy *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if strategy == nil || attempt < 0 || attempt >= strategy.MaxAttempts {
		return 0, false
	}

	delayFloat := float64(strategy.BaseDelay) * math.Pow(2, float64(attempt))
	if strategy.MaxDelay > 0 && delayFloat > float64(strategy.MaxDelay) {
		delayFloat = float64(strategy.MaxDelay)
	}
	if delayFloat >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(delayFloat), true
}

// FixedDelay waits the same Delay before each of MaxAttempts attempts.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay returns a new FixedDelay.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

// NextDelay returns Delay while attempts remain.
func (strategy *FixedDelay) NextDelay(attempt int) (time.Duration, bool) {
	if strategy == nil || attempt < 0 || attempt >= strategy.MaxAttempts {
		return 0, false
	}
	return strategy.Delay, true
}
