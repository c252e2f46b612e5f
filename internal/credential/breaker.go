package credential

import (
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps gobreaker's TwoStepCircuitBreaker. Unlike the standard
// Execute()-wrapping CircuitBreaker, the two-step form lets Acquire/Release
// straddle arbitrary upstream I/O instead of a single closure — Allow()
// gates entry and returns a callback invoked once the outcome is known.
// Grounded on the teacher's internal/resilience/streaming_breaker.go, which
// solves the identical problem for streaming responses.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker builds a breaker with the spec §4.1 defaults: failureThreshold
// consecutive failures trips it, cooldownPeriod governs the open→half-open
// transition, and exactly one probe is admitted while half-open
// (MaxRequests=1).
func NewBreaker(name string, failureThreshold uint32, cooldownPeriod time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never reset closed-state counts on a timer; only ReadyToTrip matters
		Timeout:     cooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow returns a done callback to invoke with the outcome, or an error if
// the breaker is open (or, while half-open, already probing).
func (b *Breaker) Allow() (done func(success bool), err error) {
	return b.cb.Allow()
}

func (b *Breaker) State() gobreaker.State   { return b.cb.State() }
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }
