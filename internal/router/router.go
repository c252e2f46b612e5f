// Package router converts an incoming downstream request into a
// RouteDecision and maintains per-upstream-model cooldowns so a failover
// does not re-use a freshly-429'd model (spec §3 RouteDecision,
// ModelCooldown; §4.5).
//
// Grounded on the teacher's internal/registry/model_registry.go
// (copy-on-write atomic-pointer state for lock-free reads) and
// internal/provider/provider_strategy.go (tier/strategy dispatch,
// OnQuotaHit cooldown-merge semantics).
package router

import (
	"path"
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/job"
)

// Tier is the coarse capability class used to pick an ordered candidate
// list of upstream models (spec glossary).
type Tier string

const (
	TierLight  Tier = "light"
	TierMedium Tier = "medium"
	TierHeavy  Tier = "heavy"
)

// Source identifies which pipeline stage produced a RouteDecision
// (spec §3).
type Source string

const (
	SourceRule          Source = "rule"
	SourceClassifier    Source = "classifier"
	SourceSavedOverride Source = "saved-override"
	SourceDefault       Source = "default"
)

// ClientModelPolicy governs whether the classifier may run for real
// (spec §4.5).
type ClientModelPolicy string

const (
	PolicyClassify      ClientModelPolicy = "classify"
	PolicyRuleMatchOnly ClientModelPolicy = "rule-match-only"
)

// TierConfig is one tier's ordered candidate models and classifier policy.
type TierConfig struct {
	Models            []string
	ClientModelPolicy ClientModelPolicy
}

// Rule matches on a conjunction of feature predicates (spec §4.5).
// Zero-value pointer fields are "don't care".
type Rule struct {
	IncomingModelGlob string
	HasTools          *bool
	HasVision         *bool
	MaxTokensGte      *int64
	MessageCountGte   *int
	SystemLengthGte   *int
	Tier              Tier
}

func (r Rule) matches(incomingModel string, f job.Features) bool {
	if r.IncomingModelGlob != "" {
		ok, err := path.Match(r.IncomingModelGlob, incomingModel)
		if err != nil || !ok {
			return false
		}
	}
	if r.HasTools != nil && *r.HasTools != f.HasTools {
		return false
	}
	if r.HasVision != nil && *r.HasVision != f.HasVision {
		return false
	}
	if r.MaxTokensGte != nil {
		if f.MaxTokens == nil || *f.MaxTokens < *r.MaxTokensGte {
			return false
		}
	}
	if r.MessageCountGte != nil && f.MessageCount < *r.MessageCountGte {
		return false
	}
	if r.SystemLengthGte != nil && f.SystemLength < *r.SystemLengthGte {
		return false
	}
	return true
}

// Classifier optionally reclassifies a rule-matched tier given the full
// feature set (spec §4.5 step 3). Returns the same or a different tier.
type Classifier func(tier Tier, f job.Features) Tier

// Config is the `modelRouting` block (spec §6).
type Config struct {
	Enabled             bool
	DefaultModel        string
	Tiers               map[Tier]TierConfig
	Rules               []Rule
	Overrides           map[string]string // exact incomingModel -> upstreamModel; "*" = wildcard
	Classifier          Classifier
	CooldownDefaultMs   int64
	CooldownMaxMs       int64
	CooldownDecayMs     int64
	BurstWindowMs       int64 // concurrent RecordModelCooldown calls inside this window of each other collapse into one backoff step (spec §4.5, glossary "burst dampening")
	BackoffMultiplier   float64
	MaxCooldownEntries  int
	MaxModelSwitches    int // failover.maxModelSwitchesPerRequest
	WarmupDuration      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		DefaultModel:       "glm-4.6",
		CooldownDefaultMs:  1000,
		CooldownMaxMs:      60000,
		CooldownDecayMs:    30000,
		BurstWindowMs:      100,
		BackoffMultiplier:  2,
		MaxCooldownEntries: 256,
		MaxModelSwitches:   2,
		WarmupDuration:     60 * time.Second,
		Tiers: map[Tier]TierConfig{
			TierMedium: {Models: []string{"glm-4.6"}, ClientModelPolicy: PolicyRuleMatchOnly},
		},
		Rules: []Rule{{Tier: TierMedium}}, // unconditional catch-all, per spec §4.5
	}
}

// modelCooldown is the per-upstream-model cooldown entry (spec §3).
type modelCooldown struct {
	cooldownUntil int64 // unix nano
	lastHitAt     int64 // unix nano; 0 until the first hit
	count         int
	burstDampened bool
}

// Stats are the router's observability counters (spec §4.5).
type Stats struct {
	ByTier               map[Tier]int64
	BySource             map[Source]int64
	FailoverTotal        int64
	FailoverWarmupTotal  int64
	BurstDampenedTotal   int64
	ClassifierShadowTotal int64
}

// Router owns overrides and per-model cooldowns behind a single mutex
// (spec §5: "ModelRouter's cooldown map and override map share one
// mutex").
type Router struct {
	mu        sync.Mutex
	cfg       Config
	cooldowns map[string]*modelCooldown

	startedAt time.Time
	stats     Stats

	nowFn  func() time.Time
	randFn func() float64
}

func New(cfg Config) *Router {
	return &Router{
		cfg:       cfg,
		cooldowns: make(map[string]*modelCooldown),
		startedAt: time.Now(),
		stats: Stats{
			ByTier:   make(map[Tier]int64),
			BySource: make(map[Source]int64),
		},
		nowFn:  time.Now,
		randFn: func() float64 { return 0.5 },
	}
}

// RouteDecision is the router's verdict for one attempt (spec §3).
type RouteDecision struct {
	Tier              Tier
	SelectedModel     string
	FallbackRemaining []string
	Source            Source
	Reason            string
	CooldownReasons   []string
}

// inWarmup reports whether the router is still within its startup warmup
// window, during which selection has no history to base decisions on
// (spec §4.5 glossary "warmup").
func (r *Router) inWarmup() bool {
	return r.nowFn().Sub(r.startedAt) < r.cfg.WarmupDuration
}

// SelectModel converts incomingModel + features into a RouteDecision,
// excluding any model already in excluding (spec §4.5 classification
// pipeline, first match wins).
func (r *Router) SelectModel(incomingModel string, features job.Features, excluding map[string]struct{}) *RouteDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. Saved overrides.
	if target, ok := r.cfg.Overrides[incomingModel]; ok {
		return r.finalizeDecision(TierMedium, []string{target}, SourceSavedOverride, "exact override match", excluding)
	}
	if target, ok := r.cfg.Overrides["*"]; ok {
		return r.finalizeDecision(TierMedium, []string{target}, SourceSavedOverride, "wildcard override match", excluding)
	}

	// 2. Rules, first match wins.
	var matchedTier Tier
	matched := false
	for _, rule := range r.cfg.Rules {
		if rule.matches(incomingModel, features) {
			matchedTier = rule.Tier
			matched = true
			break
		}
	}
	if !matched {
		matchedTier = TierMedium
	}

	source := SourceRule
	tier := matchedTier

	// 3. Classifier: only promotes when policy says "classify"; otherwise
	// it still runs in shadow mode for observability but never influences
	// routing (spec open-question decision, see DESIGN.md).
	if tc, ok := r.cfg.Tiers[matchedTier]; ok && r.cfg.Classifier != nil {
		shadowTier := r.cfg.Classifier(matchedTier, features)
		if tc.ClientModelPolicy == PolicyClassify {
			if shadowTier != matchedTier {
				tier = shadowTier
				source = SourceClassifier
			}
		} else {
			r.stats.ClassifierShadowTotal++
		}
	}

	tc, ok := r.cfg.Tiers[tier]
	if !ok || len(tc.Models) == 0 {
		return r.finalizeDecision(tier, []string{r.cfg.DefaultModel}, SourceDefault, "tier has no configured models; using default", excluding)
	}

	return r.finalizeDecision(tier, tc.Models, source, "", excluding)
}

// finalizeDecision picks the first candidate not in cooldown and not
// already attempted, forming fallbackRemaining from the rest in order
// (spec §4.5 "Tier -> candidate list"). Caller must hold r.mu.
func (r *Router) finalizeDecision(tier Tier, candidates []string, source Source, reason string, excluding map[string]struct{}) *RouteDecision {
	r.stats.ByTier[tier]++
	r.stats.BySource[source]++

	now := r.nowFn().UnixNano()
	var selected string
	var fallback []string
	var cooldownReasons []string

	for _, m := range candidates {
		if _, excl := excluding[m]; excl {
			continue
		}
		if cd, ok := r.cooldowns[m]; ok && cd.cooldownUntil > now {
			cooldownReasons = append(cooldownReasons, m)
			continue
		}
		if selected == "" {
			selected = m
			continue
		}
		fallback = append(fallback, m)
	}

	return &RouteDecision{
		Tier:              tier,
		SelectedModel:     selected,
		FallbackRemaining: fallback,
		Source:            source,
		Reason:            reason,
		CooldownReasons:   cooldownReasons,
	}
}

// RecordModelCooldown applies exponential backoff to upstreamModel (spec
// §4.5). Burst dampening is detected here, not supplied by the caller:
// concurrent jobs independently rate-limited on the same model each call
// this around the same instant, so a call landing within BurstWindowMs of
// the previous one on this model is treated as part of the same
// concurrent burst and does not increment count — only the first caller
// in a burst advances the backoff step (spec §4.5, glossary "burst
// dampening").
func (r *Router) RecordModelCooldown(upstreamModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cd, ok := r.cooldowns[upstreamModel]
	if !ok {
		if len(r.cooldowns) >= r.cfg.MaxCooldownEntries {
			r.evictOldestLocked()
		}
		cd = &modelCooldown{}
		r.cooldowns[upstreamModel] = cd
	}

	nowNs := r.nowFn().UnixNano()

	if cd.lastHitAt > 0 {
		decayNs := r.cfg.CooldownDecayMs * int64(time.Millisecond)
		if nowNs-cd.lastHitAt > decayNs {
			cd.count = 0
		}
	}

	burstDampened := cd.lastHitAt > 0 && nowNs-cd.lastHitAt < r.cfg.BurstWindowMs*int64(time.Millisecond)

	if !burstDampened {
		cd.count++
	} else if cd.count == 0 {
		cd.count = 1
	}
	cd.burstDampened = burstDampened
	cd.lastHitAt = nowNs

	delay := float64(r.cfg.CooldownDefaultMs)
	for i := 1; i < cd.count; i++ {
		delay *= r.cfg.BackoffMultiplier
	}
	if delay > float64(r.cfg.CooldownMaxMs) {
		delay = float64(r.cfg.CooldownMaxMs)
	}

	candidate := nowNs + int64(delay*float64(time.Millisecond))
	if candidate > cd.cooldownUntil {
		cd.cooldownUntil = candidate
	}

	r.stats.FailoverTotal++
	if r.inWarmup() {
		r.stats.FailoverWarmupTotal++
	}
	if burstDampened {
		r.stats.BurstDampenedTotal++
	}
}

func (r *Router) evictOldestLocked() {
	var oldestKey string
	var oldestUntil int64 = -1
	for k, cd := range r.cooldowns {
		if oldestUntil == -1 || cd.cooldownUntil < oldestUntil {
			oldestUntil = cd.cooldownUntil
			oldestKey = k
		}
	}
	delete(r.cooldowns, oldestKey)
}

// CooldownSnapshot is a point-in-time view of one model's cooldown for
// observability (spec §4.5 getCooldowns).
type CooldownSnapshot struct {
	Model         string
	RemainingMs   int64
	Count         int
	BurstDampened bool
}

// GetCooldowns returns the current cooldown map for observability.
func (r *Router) GetCooldowns() []CooldownSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn().UnixNano()
	out := make([]CooldownSnapshot, 0, len(r.cooldowns))
	for m, cd := range r.cooldowns {
		remaining := cd.cooldownUntil - now
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, CooldownSnapshot{
			Model:         m,
			RemainingMs:   remaining / int64(time.Millisecond),
			Count:         cd.count,
			BurstDampened: cd.burstDampened,
		})
	}
	return out
}

// Reset clears a single model's cooldown entry (spec §8 round-trip:
// recordModelCooldown then reset leaves no cooldown).
func (r *Router) Reset(upstreamModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cooldowns, upstreamModel)
}

// SetOverride installs or replaces an exact (or wildcard "*") saved
// override.
func (r *Router) SetOverride(incomingModel, upstreamModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.Overrides == nil {
		r.cfg.Overrides = make(map[string]string)
	}
	r.cfg.Overrides[incomingModel] = upstreamModel
}

// DeleteOverride removes a saved override.
func (r *Router) DeleteOverride(incomingModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cfg.Overrides, incomingModel)
}

// Overrides returns a copy of the current override map (for export/PUT
// round-trip, spec §8).
func (r *Router) Overrides() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.cfg.Overrides))
	for k, v := range r.cfg.Overrides {
		out[k] = v
	}
	return out
}

// MaxModelSwitches returns failover.maxModelSwitchesPerRequest.
func (r *Router) MaxModelSwitches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.MaxModelSwitches
}

// SetMaxModelSwitches updates failover.maxModelSwitchesPerRequest
// (spec §8 scenario 6: PUT /model-routing with a new value persists).
func (r *Router) SetMaxModelSwitches(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxModelSwitches = n
}

// Config returns a snapshot of the router's full configuration, for
// GET /model-routing and /model-routing/export (spec §6).
func (r *Router) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.cfg
	cp.Tiers = make(map[Tier]TierConfig, len(r.cfg.Tiers))
	for t, tc := range r.cfg.Tiers {
		models := make([]string, len(tc.Models))
		copy(models, tc.Models)
		cp.Tiers[t] = TierConfig{Models: models, ClientModelPolicy: tc.ClientModelPolicy}
	}
	cp.Rules = make([]Rule, len(r.cfg.Rules))
	copy(cp.Rules, r.cfg.Rules)
	cp.Overrides = make(map[string]string, len(r.cfg.Overrides))
	for k, v := range r.cfg.Overrides {
		cp.Overrides[k] = v
	}
	return cp
}

// Update replaces tiers/rules/enabled/defaultModel/cooldown/failover
// fields from a validated PUT body, preserving the classifier and saved
// overrides (those have their own endpoints). Returns warnings for
// accepted-but-notable values (spec §8 scenario 6).
func (r *Router) Update(patch ConfigPatch) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var warnings []string

	if patch.Enabled != nil {
		r.cfg.Enabled = *patch.Enabled
	}
	if patch.DefaultModel != nil {
		r.cfg.DefaultModel = *patch.DefaultModel
	}
	if patch.Tiers != nil {
		r.cfg.Tiers = patch.Tiers
	}
	if patch.Rules != nil {
		r.cfg.Rules = patch.Rules
	}
	if patch.MaxModelSwitches != nil {
		total := 0
		for _, tc := range r.cfg.Tiers {
			if len(tc.Models) > total {
				total = len(tc.Models)
			}
		}
		if total > 0 && *patch.MaxModelSwitches >= total {
			warnings = append(warnings, "maxModelSwitchesPerRequest is >= the largest tier's model count; every candidate will be tried before exhaustion")
		}
		r.cfg.MaxModelSwitches = *patch.MaxModelSwitches
	}
	if patch.CooldownDefaultMs != nil {
		r.cfg.CooldownDefaultMs = *patch.CooldownDefaultMs
	}
	if patch.CooldownMaxMs != nil {
		r.cfg.CooldownMaxMs = *patch.CooldownMaxMs
	}
	if patch.CooldownDecayMs != nil {
		r.cfg.CooldownDecayMs = *patch.CooldownDecayMs
	}

	return warnings
}

// ConfigPatch is the runtime-editable subset of Config accepted by
// PUT /model-routing (spec §6 "runtime-editable subset is
// schema-validated"). Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled           *bool
	DefaultModel      *string
	Tiers             map[Tier]TierConfig
	Rules             []Rule
	MaxModelSwitches  *int
	CooldownDefaultMs *int64
	CooldownMaxMs     *int64
	CooldownDecayMs   *int64
}

// Stats returns a copy of the router's observability counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := Stats{
		ByTier:                make(map[Tier]int64, len(r.stats.ByTier)),
		BySource:              make(map[Source]int64, len(r.stats.BySource)),
		FailoverTotal:         r.stats.FailoverTotal,
		FailoverWarmupTotal:   r.stats.FailoverWarmupTotal,
		BurstDampenedTotal:    r.stats.BurstDampenedTotal,
		ClassifierShadowTotal: r.stats.ClassifierShadowTotal,
	}
	for k, v := range r.stats.ByTier {
		cp.ByTier[k] = v
	}
	for k, v := range r.stats.BySource {
		cp.BySource[k] = v
	}
	return cp
}
