// Package keymanager owns the credential set, selects one on demand, and
// records outcomes (spec §3, §4.3).
//
// Grounded on the teacher's internal/provider/auth_pool.go (AuthPool.Pick,
// GetReady, least-loaded tie-break) and
// internal/provider/provider_strategy.go (DefaultStrategy.Score penalty
// accumulation).
package keymanager

import (
	"sort"
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/credential"
	"github.com/nghyane/llm-relay/internal/queue"
)

// untaggedProvider is the pseudo-provider untagged keys belong to
// (spec §4.3 step 1).
const untaggedProvider = "__untagged__"

// ProviderHealth is the read-only snapshot exposed by GetProviderHealthStats
// (spec §4.3).
type ProviderHealth struct {
	Total        int
	Available    int
	InFlight     int64
	OpenCircuits int
	ErrorRate    float64
}

// Manager owns the credential set under a single mutex (spec §5: "one
// mutex; operations are short").
type Manager struct {
	mu                  sync.RWMutex
	credentials         []*credential.Credential
	byID                map[string]*credential.Credential
	maxTotalConcurrency int

	// waiter is the front-door admission queue (spec §4.4 RequestQueue).
	// Nil until SetWaiter is called; wired by the process entrypoint once
	// both the manager and the queue exist. Woken on every slot release so
	// FIFO waiters don't have to poll.
	waiter *queue.Queue
}

func New(maxTotalConcurrency int) *Manager {
	if maxTotalConcurrency <= 0 {
		maxTotalConcurrency = 200
	}
	return &Manager{
		byID:                make(map[string]*credential.Credential),
		maxTotalConcurrency: maxTotalConcurrency,
	}
}

// LoadKeys rebuilds the pool from a flat list, replacing any prior set.
// Credentials no longer present lose their in-flight state implicitly
// (they are simply dropped); credentials that persist across a reload
// (matched by ID) keep their runtime state (spec §4.3 loadKeys).
func (m *Manager) LoadKeys(creds []*credential.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*credential.Credential, len(creds))
	nextList := make([]*credential.Credential, 0, len(creds))
	for _, c := range creds {
		if existing, ok := m.byID[c.ID]; ok {
			next[c.ID] = existing
			nextList = append(nextList, existing)
			continue
		}
		next[c.ID] = c
		nextList = append(nextList, c)
	}
	m.byID = next
	m.credentials = nextList
}

// totalInFlight sums inFlight across every credential (spec §4.3 invariant
// sum(inFlight) <= maxTotalConcurrency). Caller must hold m.mu.
func (m *Manager) totalInFlight() int64 {
	var total int64
	for _, c := range m.credentials {
		total += c.InFlight()
	}
	return total
}

// TotalInFlight is the exported, self-locking form of totalInFlight, for
// callers deciding whether to admit a new request directly or route it
// through the front-door queue (spec §4.4).
func (m *Manager) TotalInFlight() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalInFlight()
}

// Capacity returns maxTotalConcurrency, the ceiling TotalInFlight is
// compared against at the door.
func (m *Manager) Capacity() int {
	return m.maxTotalConcurrency
}

// SetWaiter wires the front-door admission queue so slot releases wake
// the oldest waiter instead of leaving it to poll. Optional: a Manager
// with no waiter set behaves exactly as before.
func (m *Manager) SetWaiter(q *queue.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiter = q
}

func (m *Manager) wakeWaiter() {
	m.mu.RLock()
	w := m.waiter
	m.mu.RUnlock()
	if w != nil {
		w.SignalSlotAvailable()
	}
}

func providerKey(name string) string {
	if name == "" {
		return untaggedProvider
	}
	return name
}

// AcquireKey selects the best available credential for providerName,
// excluding any id already in attemptedIDs (spec §4.3 selection
// algorithm). Returns (nil, nil) on exhaustion (caller must queue) rather
// than an error, matching "return null" in the spec.
func (m *Manager) AcquireKey(attemptedIDs map[string]struct{}, providerName string) (*credential.Lease, *credential.Credential) {
	want := providerKey(providerName)

	m.mu.RLock()
	if m.totalInFlight() >= int64(m.maxTotalConcurrency) {
		m.mu.RUnlock()
		return nil, nil
	}

	candidates := make([]*credential.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		if providerKey(c.ProviderName) != want {
			continue
		}
		if _, tried := attemptedIDs[c.ID]; tried {
			continue
		}
		candidates = append(candidates, c)
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj // higher score wins
		}
		return candidates[i].ID < candidates[j].ID // deterministic tie-break
	})

	for _, c := range candidates {
		if lease, ok := c.Acquire(); ok {
			return lease, c
		}
	}
	return nil, nil
}

// score implements spec §4.3 step 5: base weight*(1-errorRate), penalized
// by in-flight saturation and recent failures, bonused for low latency.
// Higher is better. Deterministic given identical stats (spec invariant).
func score(c *credential.Credential) float64 {
	stats := c.Snapshot()
	errorRate := c.ErrorRate()

	base := c.Weight * (1 - errorRate)

	saturation := float64(c.InFlight()) / float64(maxInt(c.MaxConcurrency, 1))
	satPenalty := saturation * 0.5

	failurePenalty := errorRate * 0.3

	latencyBonus := 0.0
	if stats.LatencyEWMAMs > 0 {
		// Bonus shrinks as latency grows; capped so it never dominates base.
		latencyBonus = 0.1 / (1 + stats.LatencyEWMAMs/1000)
	}

	return base - satPenalty - failurePenalty + latencyBonus
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RecordSuccess releases the lease with a success outcome and records
// latency (spec §4.3 recordSuccess). The lease itself already measures
// latency from Acquire to Release.
func (m *Manager) RecordSuccess(lease *credential.Lease) {
	lease.Release(apierr.KindSuccess)
	m.wakeWaiter()
}

// RecordFailure releases the lease with the classified failure kind
// (spec §4.3 recordFailure).
func (m *Manager) RecordFailure(lease *credential.Lease, kind apierr.Kind) {
	lease.Release(kind)
	m.wakeWaiter()
}

// RecordRateLimit sets the credential's explicit rate-limit window without
// counting it as a circuit-breaker failure (spec §4.3 recordRateLimit).
// The lease is still released (rate_limited never counts as a breaker
// failure, per §7).
func (m *Manager) RecordRateLimit(lease *credential.Lease, cred *credential.Credential, retryAfter time.Duration) {
	cred.RecordRateLimit(retryAfter)
	lease.Release(apierr.KindRateLimited)
	m.wakeWaiter()
}

// GetProviderHealthStats returns per-provider totals for observability
// (spec §4.3, §6 /stats providerHealth block).
func (m *Manager) GetProviderHealthStats() map[string]ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderHealth)
	for _, c := range m.credentials {
		key := providerKey(c.ProviderName)
		h := out[key]
		h.Total++
		h.InFlight += c.InFlight()
		if c.BreakerState().String() == "open" {
			h.OpenCircuits++
		} else if c.InFlight() < int64(c.MaxConcurrency) && time.Now().After(c.RateLimitedUntil()) {
			h.Available++
		}
		h.ErrorRate += c.ErrorRate()
		out[key] = h
	}
	for key, h := range out {
		if h.Total > 0 {
			h.ErrorRate /= float64(h.Total)
		}
		out[key] = h
	}
	return out
}

// Credentials returns a copy of the current credential slice, for callers
// (e.g. RetryController's cooldown-wait estimation) that need to inspect
// the whole set without re-acquiring.
func (m *Manager) Credentials() []*credential.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*credential.Credential, len(m.credentials))
	copy(out, m.credentials)
	return out
}

// HasAvailable reports whether any credential for providerName is
// currently acquirable (not blocked), without actually acquiring one.
// Mirrors the teacher's hasAvailableAuth, used by the retry controller to
// decide whether waiting is worthwhile (spec §4.6).
func (m *Manager) HasAvailable(providerName string) bool {
	want := providerKey(providerName)
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.credentials {
		if providerKey(c.ProviderName) != want {
			continue
		}
		if c.BreakerState().String() == "open" {
			continue
		}
		if now.Before(c.RateLimitedUntil()) {
			continue
		}
		if c.InFlight() < int64(c.MaxConcurrency) {
			return true
		}
	}
	return false
}

// HasUntriedBlocked reports whether providerName has at least one
// credential not yet in attemptedIDs that is only temporarily blocked
// (rate limit window or saturation) rather than permanently exhausted
// for this request. The retry controller uses this to decide whether
// waiting for a slot is worthwhile versus failing the model over
// immediately (spec §4.6 waitForAvailableAuth precedent).
func (m *Manager) HasUntriedBlocked(attemptedIDs map[string]struct{}, providerName string) bool {
	want := providerKey(providerName)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.credentials {
		if providerKey(c.ProviderName) != want {
			continue
		}
		if _, tried := attemptedIDs[c.ID]; tried {
			continue
		}
		if c.BreakerState().String() == "open" {
			continue
		}
		return true
	}
	return false
}
