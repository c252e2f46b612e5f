// Package credential implements one upstream credential's identity,
// in-flight budget, circuit breaker, and rolling stats (spec §3, §4.1).
package credential

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/sony/gobreaker"
)

// Stats is a read-only snapshot of a credential's cumulative counters,
// copied out from under the lock for observability (spec §3).
type Stats struct {
	TotalRequests int64
	Successes     int64
	Failures      int64
	LastUsedAt    time.Time
	LatencyEWMAMs float64
}

// ewmaAlpha weights the most recent latency sample. Matches the single
// fixed-alpha smoothing the teacher applies to rolling stats elsewhere in
// the pack (no windowing).
const ewmaAlpha = 0.2

const recentOutcomeCapacity = 50

// Config bundles the tunables from spec §4.1 defaults.
type Config struct {
	MaxConcurrency   int
	FailureThreshold uint32
	CooldownPeriod   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   5,
		FailureThreshold: 5,
		CooldownPeriod:   60 * time.Second,
	}
}

// Credential is one upstream credential and its mutable runtime state.
// inFlight is mutated only by Acquire/Lease.Release (spec invariant, §3).
type Credential struct {
	ID             string
	Secret         string
	ProviderName   string
	Weight         float64
	MaxConcurrency int

	inFlight         atomic.Int64
	rateLimitedUntil atomic.Int64 // unix nano; 0 = not limited

	breaker *Breaker

	mu             sync.Mutex
	stats          Stats
	recentOutcomes []bool // ring buffer of recent success/failure for error-rate display
}

// New constructs a Credential with weight defaulting to 1 when <= 0.
func New(id, secret, provider string, weight float64, cfg Config) *Credential {
	if weight <= 0 {
		weight = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Credential{
		ID:             id,
		Secret:         secret,
		ProviderName:   provider,
		Weight:         weight,
		MaxConcurrency: cfg.MaxConcurrency,
		breaker:        NewBreaker(id, cfg.FailureThreshold, cfg.CooldownPeriod),
	}
}

// Lease is the token returned by a successful Acquire. Release must be
// called exactly once per lease (spec invariant, §8).
type Lease struct {
	cred  *Credential
	done  func(success bool)
	start time.Time
}

// Acquire attempts to reserve one in-flight slot. Succeeds only if
// inFlight < maxConcurrency, the breaker admits the request (closed, or
// half-open with no other probe outstanding), and any explicit rate-limit
// window has elapsed (spec §4.1).
func (c *Credential) Acquire() (*Lease, bool) {
	if until := c.rateLimitedUntil.Load(); until > 0 && time.Now().UnixNano() < until {
		return nil, false
	}

	for {
		cur := c.inFlight.Load()
		if cur >= int64(c.MaxConcurrency) {
			return nil, false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	done, err := c.breaker.Allow()
	if err != nil {
		c.inFlight.Add(-1)
		return nil, false
	}

	return &Lease{cred: c, done: done, start: time.Now()}, true
}

// InFlight returns the current in-flight count.
func (c *Credential) InFlight() int64 { return c.inFlight.Load() }

// Release decrements inFlight and feeds stats + the circuit breaker with
// the classified outcome.
func (l *Lease) Release(kind apierr.Kind) {
	c := l.cred
	latency := time.Since(l.start)

	for {
		cur := c.inFlight.Load()
		if cur <= 0 {
			break
		}
		if c.inFlight.CompareAndSwap(cur, cur-1) {
			break
		}
	}

	c.mu.Lock()
	c.stats.TotalRequests++
	c.stats.LastUsedAt = time.Now()
	if kind == apierr.KindSuccess {
		c.stats.Successes++
	} else {
		c.stats.Failures++
	}
	if latency > 0 {
		ms := float64(latency.Milliseconds())
		if c.stats.LatencyEWMAMs == 0 {
			c.stats.LatencyEWMAMs = ms
		} else {
			c.stats.LatencyEWMAMs = ewmaAlpha*ms + (1-ewmaAlpha)*c.stats.LatencyEWMAMs
		}
	}
	c.recentOutcomes = append(c.recentOutcomes, kind == apierr.KindSuccess)
	if len(c.recentOutcomes) > recentOutcomeCapacity {
		c.recentOutcomes = c.recentOutcomes[len(c.recentOutcomes)-recentOutcomeCapacity:]
	}
	c.mu.Unlock()

	// rate_limited and client_aborted never count as breaker failures (§7).
	l.done(!kind.CountsAsBreakerFailure() || kind == apierr.KindSuccess)
}

// RecordRateLimit sets an explicit per-credential rate-limit window
// (spec §4.3 recordRateLimit) — this is distinct from, and does not feed,
// the circuit breaker.
func (c *Credential) RecordRateLimit(retryAfter time.Duration) {
	c.rateLimitedUntil.Store(time.Now().Add(retryAfter).UnixNano())
}

// RateLimitedUntil returns the explicit rate-limit deadline, zero if none.
func (c *Credential) RateLimitedUntil() time.Time {
	ns := c.rateLimitedUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ErrorRate returns the fraction of recent outcomes that were failures,
// used by KeyManager scoring (spec §4.3).
func (c *Credential) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recentOutcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range c.recentOutcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(c.recentOutcomes))
}

// Snapshot copies the current stats out from under the lock.
func (c *Credential) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// BreakerState exposes the circuit breaker's current state for admin/stats
// surfaces.
func (c *Credential) BreakerState() gobreaker.State { return c.breaker.State() }

// Breaker returns the underlying breaker for counters inspection.
func (c *Credential) Breaker() *Breaker { return c.breaker }
