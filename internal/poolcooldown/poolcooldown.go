// Package poolcooldown implements per-(provider,upstream-model) 429
// tracking: exponential backoff with decay, and proactive pacing derived
// from rate-limit headers (spec §3 ModelPool, §4.2).
//
// Grounded on the teacher's internal/provider/quota_manager.go (sharded
// state map, atomic counters, Snapshot()) and internal/provider/retry.go's
// nextQuotaCooldown exponential-backoff-with-cap.
package poolcooldown

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxPoolCount bounds the consecutive-hit exponent (spec §3 invariant).
const MaxPoolCount = 10

const numShards = 16

// Config is the `.poolCooldown` block (spec §4.2 defaults).
type Config struct {
	BaseMs             int64
	CapMs              int64
	DecayMs            int64
	RemainingThreshold int64
	PacingDelayMs      int64
}

func DefaultConfig() Config {
	return Config{
		BaseMs:             500,
		CapMs:              15000,
		DecayMs:            15000,
		RemainingThreshold: 15,
		PacingDelayMs:      500,
	}
}

// pool is the per-(provider,model) cooldown state (spec §3 ModelPool).
type pool struct {
	mu   sync.Mutex
	cooldownUntil  int64 // unix nano
	pacingUntil    int64 // unix nano
	count          int
	lastHitAt      int64 // unix nano

	lastRemaining int64
	lastLimit     int64
	lastReset     int64
}

type shard struct {
	mu    sync.Mutex
	pools map[string]*pool
}

// Engine owns all ModelPools. One mutex per shard per spec §5 ("a mutex
// per map operation; all four read/write operations are O(1) per pool").
type Engine struct {
	cfg    Config
	shards [numShards]*shard

	// nowFn is overridable in tests.
	nowFn func() time.Time
	// randFn returns a float in [0,1) and is overridable in tests for
	// deterministic jitter assertions.
	randFn func() float64
}

func New(cfg Config) *Engine {
	e := &Engine{cfg: cfg, nowFn: time.Now, randFn: rand.Float64}
	for i := range e.shards {
		e.shards[i] = &shard{pools: make(map[string]*pool)}
	}
	return e
}

func key(provider, model string) string { return provider + "\x00" + model }

func (e *Engine) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return e.shards[h.Sum32()%numShards]
}

func (e *Engine) poolFor(provider, model string) *pool {
	k := key(provider, model)
	s := e.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[k]
	if !ok {
		p = &pool{}
		s.pools[k] = p
	}
	return p
}

// HitResult is the return of RecordHit (spec §4.2).
type HitResult struct {
	CooldownMs      int64
	Count           int
	WasAlreadyBlocked bool
}

// RecordHit records a 429 for (provider, model) and computes the next
// cooldown window. burstDampened suppresses the count increment so a
// concurrent burst of near-simultaneous 429s registers as one backoff step
// (spec §4.2, glossary "burst dampening").
func (e *Engine) RecordHit(provider, model string, burstDampened bool) HitResult {
	p := e.poolFor(provider, model)
	now := e.nowFn()
	nowNs := now.UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	decayNs := e.cfg.DecayMs * int64(time.Millisecond)
	if nowNs-p.lastHitAt > decayNs {
		p.count = 0
	}

	wasAlreadyBlocked := p.cooldownUntil > nowNs

	if !burstDampened {
		if p.count < MaxPoolCount {
			p.count++
		}
	} else if p.count == 0 {
		// Even a dampened hit must register as at least one step if this
		// pool has never been hit before.
		p.count = 1
	}

	base := float64(e.cfg.BaseMs)
	capMs := float64(e.cfg.CapMs)
	cooldownMs := base * float64(int64(1)<<uint(p.count-1))
	if cooldownMs > capMs {
		cooldownMs = capMs
	}
	jitter := 0.85 + e.randFn()*0.30 // uniform [0.85, 1.15]
	cooldownMs *= jitter

	candidate := nowNs + int64(cooldownMs*float64(time.Millisecond))

	if candidate > p.cooldownUntil {
		p.cooldownUntil = candidate
	}
	p.lastHitAt = nowNs

	return HitResult{CooldownMs: int64(cooldownMs), Count: p.count, WasAlreadyBlocked: wasAlreadyBlocked}
}

// HeaderValues are the parsed rate-limit headers from an upstream response
// (spec §4.2 recordHeaders / §4.7).
type HeaderValues struct {
	Remaining int64 // -1 = absent
	Limit     int64
	Reset     int64
}

// RecordHeaders stores the last observed rate-limit headers and, if
// remaining has dropped to or below remainingThreshold, schedules a
// proactively-paced delay scaled linearly toward zero remaining (spec
// §4.2). Pacing never shortens an existing cooldown or pacing window.
func (e *Engine) RecordHeaders(provider, model string, hv HeaderValues) {
	p := e.poolFor(provider, model)
	now := e.nowFn().UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastRemaining = hv.Remaining
	p.lastLimit = hv.Limit
	p.lastReset = hv.Reset

	if hv.Remaining < 0 || hv.Remaining > e.cfg.RemainingThreshold {
		return
	}

	threshold := float64(e.cfg.RemainingThreshold)
	delayMs := float64(e.cfg.PacingDelayMs) * (threshold - float64(hv.Remaining) + 1) / (threshold + 1)
	candidate := now + int64(delayMs*float64(time.Millisecond))
	if candidate > p.pacingUntil {
		p.pacingUntil = candidate
	}
}

// RemainingFor returns the time remaining before (provider, model) is
// selectable again: the larger of the cooldown and pacing windows.
func (e *Engine) RemainingFor(provider, model string) time.Duration {
	p := e.poolFor(provider, model)
	now := e.nowFn().UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.cooldownUntil
	if p.pacingUntil > until {
		until = p.pacingUntil
	}
	remaining := until - now
	if remaining < 0 {
		return 0
	}
	return time.Duration(remaining)
}

// AnyRemaining returns the maximum remaining cooldown/pacing window across
// every pool this engine has ever seen limited.
func (e *Engine) AnyRemaining() time.Duration {
	now := e.nowFn().UnixNano()
	var max int64
	for _, s := range e.shards {
		s.mu.Lock()
		for _, p := range s.pools {
			p.mu.Lock()
			until := p.cooldownUntil
			if p.pacingUntil > until {
				until = p.pacingUntil
			}
			if remaining := until - now; remaining > max {
				max = remaining
			}
			p.mu.Unlock()
		}
		s.mu.Unlock()
	}
	if max < 0 {
		return 0
	}
	return time.Duration(max)
}

// Snapshot is a read-only view of one pool's state for observability.
type Snapshot struct {
	Provider          string
	Model             string
	CooldownRemaining time.Duration
	Count             int
	LastRemaining     int64
	LastLimit         int64
	LastReset         int64
}

// Snapshots returns a point-in-time view of every pool this engine has
// ever seen limited, for admin/observability output.
func (e *Engine) Snapshots() []Snapshot {
	now := e.nowFn().UnixNano()
	var out []Snapshot
	for _, s := range e.shards {
		s.mu.Lock()
		for k, p := range s.pools {
			provider, model := splitKey(k)
			p.mu.Lock()
			until := p.cooldownUntil
			if p.pacingUntil > until {
				until = p.pacingUntil
			}
			remaining := until - now
			if remaining < 0 {
				remaining = 0
			}
			out = append(out, Snapshot{
				Provider:          provider,
				Model:             model,
				CooldownRemaining: time.Duration(remaining),
				Count:             p.count,
				LastRemaining:     p.lastRemaining,
				LastLimit:         p.lastLimit,
				LastReset:         p.lastReset,
			})
			p.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return out
}

func splitKey(k string) (provider, model string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// GlobalPacer returns a token-bucket limiter sized off the largest
// x-ratelimit-limit last observed on any pool, for an optional
// downstream-facing proactive throttle distinct from the per-pool pacing
// math above (SPEC_FULL §C2 new). Returns nil if no headers have been
// observed yet.
func (e *Engine) GlobalPacer() *rate.Limiter {
	var limit int64
	for _, s := range e.shards {
		s.mu.Lock()
		for _, p := range s.pools {
			p.mu.Lock()
			if p.lastLimit > limit {
				limit = p.lastLimit
			}
			p.mu.Unlock()
		}
		s.mu.Unlock()
	}
	if limit <= 0 {
		return nil
	}
	// Spread the window's budget evenly over one minute, a conservative
	// reading of typical x-ratelimit-limit windows.
	perSecond := float64(limit) / 60.0
	return rate.NewLimiter(rate.Limit(perSecond), int(limit))
}
