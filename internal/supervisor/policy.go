package supervisor

import (
	"math"
	"time"
)

// ReconnectionPolicy controls retry pacing and circuit breaking for a
// transport session. MaxAttempts of zero means retry forever.
type ReconnectionPolicy struct {
	MaxAttempts             int
	InitialBackoff          time.Duration
	BackoffMultiplier       float64
	MaxBackoff              time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

// ConservativePolicy backs off quickly and gives up early, for endpoints
// where hammering a struggling server makes things worse.
func ConservativePolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		MaxAttempts:             5,
		InitialBackoff:          2 * time.Second,
		BackoffMultiplier:       2.0,
		MaxBackoff:              60 * time.Second,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  120 * time.Second,
	}
}

// AggressivePolicy retries hard with short backoffs, for latency-sensitive
// media sessions where every missed second is audible.
func AggressivePolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		MaxAttempts:             0,
		InitialBackoff:          500 * time.Millisecond,
		BackoffMultiplier:       1.5,
		MaxBackoff:              10 * time.Second,
		CircuitBreakerThreshold: 10,
		CircuitBreakerCooldown:  30 * time.Second,
	}
}

func BalancedPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		MaxAttempts:             20,
		InitialBackoff:          time.Second,
		BackoffMultiplier:       2.0,
		MaxBackoff:              30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  60 * time.Second,
	}
}

func PolicyByName(name string) ReconnectionPolicy {
	switch name {
	case "conservative":
		return ConservativePolicy()
	case "aggressive":
		return AggressivePolicy()
	default:
		return BalancedPolicy()
	}
}

// Backoff returns the delay before the given zero-based attempt, growing
// exponentially and capped at MaxBackoff.
func (p ReconnectionPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt)))
	if d > p.MaxBackoff || d < 0 {
		d = p.MaxBackoff
	}
	return d
}

// Exhausted reports whether the attempt budget is spent.
func (p ReconnectionPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
