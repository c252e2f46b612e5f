package router

import (
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/job"
)

func boolPtr(b bool) *bool { return &b }

func TestSelectModelSavedOverrideWinsOverRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides = map[string]string{"claude-3-5-sonnet": "glm-4.6-forced"}
	r := New(cfg)

	d := r.SelectModel("claude-3-5-sonnet", job.Features{}, nil)
	if d.Source != SourceSavedOverride || d.SelectedModel != "glm-4.6-forced" {
		t.Fatalf("got %+v", d)
	}
}

func TestSelectModelWildcardOverrideAppliesWhenNoExactMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides = map[string]string{"*": "glm-4.6-all"}
	r := New(cfg)

	d := r.SelectModel("some-unlisted-model", job.Features{}, nil)
	if d.Source != SourceSavedOverride || d.SelectedModel != "glm-4.6-all" {
		t.Fatalf("got %+v", d)
	}
}

func TestSelectModelFirstMatchingRuleWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[Tier]TierConfig{
		TierHeavy:  {Models: []string{"glm-4.6-heavy"}, ClientModelPolicy: PolicyRuleMatchOnly},
		TierMedium: {Models: []string{"glm-4.6"}, ClientModelPolicy: PolicyRuleMatchOnly},
	}
	cfg.Rules = []Rule{
		{HasTools: boolPtr(true), Tier: TierHeavy},
		{Tier: TierMedium}, // catch-all
	}
	r := New(cfg)

	d := r.SelectModel("anything", job.Features{HasTools: true}, nil)
	if d.Tier != TierHeavy || d.SelectedModel != "glm-4.6-heavy" {
		t.Fatalf("got %+v", d)
	}

	d2 := r.SelectModel("anything", job.Features{HasTools: false}, nil)
	if d2.Tier != TierMedium || d2.SelectedModel != "glm-4.6" {
		t.Fatalf("got %+v", d2)
	}
}

func TestSelectModelGlobMatchesOnIncomingModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[Tier]TierConfig{
		TierHeavy:  {Models: []string{"glm-4.6-heavy"}},
		TierMedium: {Models: []string{"glm-4.6"}},
	}
	cfg.Rules = []Rule{
		{IncomingModelGlob: "claude-3-opus*", Tier: TierHeavy},
		{Tier: TierMedium},
	}
	r := New(cfg)

	d := r.SelectModel("claude-3-opus-20240229", job.Features{}, nil)
	if d.Tier != TierHeavy {
		t.Fatalf("expected glob match to route to heavy tier, got %+v", d)
	}

	d2 := r.SelectModel("claude-3-5-sonnet", job.Features{}, nil)
	if d2.Tier != TierMedium {
		t.Fatalf("expected non-matching model to fall through to catch-all, got %+v", d2)
	}
}

func TestSelectModelClassifierOnlyAppliesWhenPolicyIsClassify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[Tier]TierConfig{
		TierMedium: {Models: []string{"glm-4.6"}, ClientModelPolicy: PolicyClassify},
		TierHeavy:  {Models: []string{"glm-4.6-heavy"}},
	}
	cfg.Rules = []Rule{{Tier: TierMedium}}
	cfg.Classifier = func(tier Tier, f job.Features) Tier {
		if f.HasVision {
			return TierHeavy
		}
		return tier
	}
	r := New(cfg)

	d := r.SelectModel("m", job.Features{HasVision: true}, nil)
	if d.Tier != TierHeavy || d.Source != SourceClassifier {
		t.Fatalf("expected classifier promotion to heavy, got %+v", d)
	}
}

func TestSelectModelClassifierShadowModeNeverChangesRouting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[Tier]TierConfig{
		TierMedium: {Models: []string{"glm-4.6"}, ClientModelPolicy: PolicyRuleMatchOnly},
		TierHeavy:  {Models: []string{"glm-4.6-heavy"}},
	}
	cfg.Rules = []Rule{{Tier: TierMedium}}
	classifierCalled := false
	cfg.Classifier = func(tier Tier, f job.Features) Tier {
		classifierCalled = true
		return TierHeavy
	}
	r := New(cfg)

	d := r.SelectModel("m", job.Features{}, nil)
	if d.Tier != TierMedium || d.Source != SourceRule {
		t.Fatalf("shadow classifier must never change routing, got %+v", d)
	}
	if !classifierCalled {
		t.Fatal("classifier should still run in shadow mode for observability")
	}
	if r.Stats().ClassifierShadowTotal != 1 {
		t.Fatalf("ClassifierShadowTotal = %d, want 1", r.Stats().ClassifierShadowTotal)
	}
}

func TestSelectModelExcludesAttemptedAndCooledDownModels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = map[Tier]TierConfig{
		TierMedium: {Models: []string{"m1", "m2", "m3"}},
	}
	cfg.Rules = []Rule{{Tier: TierMedium}}
	r := New(cfg)
	r.RecordModelCooldown("m1")

	d := r.SelectModel("x", job.Features{}, map[string]struct{}{"m2": {}})
	if d.SelectedModel != "m3" {
		t.Fatalf("expected m3 selected (m1 cooling down, m2 excluded), got %+v", d)
	}
	if len(d.CooldownReasons) != 1 || d.CooldownReasons[0] != "m1" {
		t.Fatalf("expected m1 reported as a cooldown reason, got %+v", d.CooldownReasons)
	}
}

func TestRecordModelCooldownExponentialBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownDefaultMs = 1000
	cfg.CooldownMaxMs = 8000
	cfg.BackoffMultiplier = 2
	r := New(cfg)

	// Each hit lands well outside BurstWindowMs of the previous one, so
	// they are independent sequential hits rather than a collapsed burst.
	start := time.Unix(0, 0)
	tick := time.Duration(cfg.BurstWindowMs)*time.Millisecond + time.Second
	now := start
	r.nowFn = func() time.Time { return now }

	r.RecordModelCooldown("m")
	snap := snapshotFor(r, "m")
	if snap.RemainingMs != 1000 {
		t.Fatalf("1st hit remaining = %d, want 1000", snap.RemainingMs)
	}

	now = now.Add(tick)
	r.RecordModelCooldown("m")
	snap = snapshotFor(r, "m")
	if snap.RemainingMs != 2000 {
		t.Fatalf("2nd hit remaining = %d, want 2000", snap.RemainingMs)
	}

	now = now.Add(tick)
	r.RecordModelCooldown("m")
	snap = snapshotFor(r, "m")
	if snap.RemainingMs != 4000 {
		t.Fatalf("3rd hit remaining = %d, want 4000", snap.RemainingMs)
	}

	now = now.Add(tick)
	r.RecordModelCooldown("m")
	snap = snapshotFor(r, "m")
	if snap.RemainingMs != 8000 {
		t.Fatalf("4th hit remaining = %d, want 8000 (capped)", snap.RemainingMs)
	}
}

// TestRecordModelCooldownBurstDampenedDoesNotIncrementCount simulates the
// spec's concurrent-callers scenario: several independent jobs rate-limited
// on the same model within the same instant, each calling
// RecordModelCooldown on its own with no coordination between them. The
// dampening must be detected internally from elapsed time, not supplied by
// the caller — ten near-simultaneous hits collapse into a single backoff
// step and the other nine are reported as dampened.
func TestRecordModelCooldownBurstDampenedDoesNotIncrementCount(t *testing.T) {
	cfg := DefaultConfig()
	r := New(cfg)

	now := time.Unix(0, 0)
	r.nowFn = func() time.Time { return now }

	const concurrentCallers = 10
	for i := 0; i < concurrentCallers; i++ {
		// Each caller lands a few milliseconds after the last, well
		// inside BurstWindowMs, modeling concurrent goroutines racing
		// through RecordModelCooldown rather than a single caller
		// retrying sequentially.
		now = now.Add(2 * time.Millisecond)
		r.RecordModelCooldown("m")
	}

	snap := snapshotFor(r, "m")
	if snap.Count != 1 {
		t.Fatalf("burst-dampened hits must collapse to a single backoff step, count = %d", snap.Count)
	}
	stats := r.Stats()
	if stats.BurstDampenedTotal != concurrentCallers-1 {
		t.Fatalf("BurstDampenedTotal = %d, want %d", stats.BurstDampenedTotal, concurrentCallers-1)
	}
}

func TestRecordModelCooldownCountDecaysAfterQuietPeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownDefaultMs = 1000
	cfg.CooldownMaxMs = 8000
	cfg.CooldownDecayMs = 5000
	cfg.BackoffMultiplier = 2
	r := New(cfg)

	start := time.Unix(0, 0)
	now := start
	r.nowFn = func() time.Time { return now }
	r.RecordModelCooldown("m")
	now = now.Add(time.Duration(cfg.BurstWindowMs)*time.Millisecond + time.Second)
	r.RecordModelCooldown("m")
	snap := snapshotFor(r, "m")
	if snap.Count != 2 {
		t.Fatalf("count after 2 hits = %d, want 2", snap.Count)
	}

	// Well past CooldownDecayMs with no further hits: the next hit must
	// reset count rather than continuing to escalate the backoff.
	now = start.Add(10 * time.Second)
	r.RecordModelCooldown("m")
	snap = snapshotFor(r, "m")
	if snap.Count != 1 {
		t.Fatalf("count after a hit past the decay window = %d, want 1 (reset)", snap.Count)
	}
	if snap.RemainingMs != 1000 {
		t.Fatalf("remaining after decay reset = %d, want 1000 (base delay, not escalated)", snap.RemainingMs)
	}
}

func TestRecordModelCooldownFailoverWarmupTotalOnlyDuringWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupDuration = time.Minute
	r := New(cfg)

	start := time.Unix(1000, 0)
	r.startedAt = start
	r.nowFn = func() time.Time { return start.Add(10 * time.Second) }
	r.RecordModelCooldown("m")

	r.nowFn = func() time.Time { return start.Add(10 * time.Minute) }
	r.RecordModelCooldown("m")

	stats := r.Stats()
	if stats.FailoverTotal != 2 {
		t.Fatalf("FailoverTotal = %d, want 2", stats.FailoverTotal)
	}
	if stats.FailoverWarmupTotal != 1 {
		t.Fatalf("FailoverWarmupTotal = %d, want 1 (only the in-warmup hit)", stats.FailoverWarmupTotal)
	}
}

func TestResetClearsCooldownEntry(t *testing.T) {
	r := New(DefaultConfig())
	r.RecordModelCooldown("m")
	r.Reset("m")

	d := r.SelectModel("x", job.Features{}, nil)
	_ = d
	found := false
	for _, s := range r.GetCooldowns() {
		if s.Model == "m" {
			found = true
		}
	}
	if found {
		t.Fatal("expected cooldown entry to be cleared after Reset")
	}
}

func TestSetAndDeleteOverrideRoundTrip(t *testing.T) {
	r := New(DefaultConfig())
	r.SetOverride("a", "b")
	if got := r.Overrides()["a"]; got != "b" {
		t.Fatalf("got override %q, want b", got)
	}
	r.DeleteOverride("a")
	if _, ok := r.Overrides()["a"]; ok {
		t.Fatal("expected override to be removed")
	}
}

func TestSetMaxModelSwitchesPersists(t *testing.T) {
	r := New(DefaultConfig())
	r.SetMaxModelSwitches(5)
	if r.MaxModelSwitches() != 5 {
		t.Fatalf("MaxModelSwitches() = %d, want 5", r.MaxModelSwitches())
	}
}

func snapshotFor(r *Router, model string) CooldownSnapshot {
	for _, s := range r.GetCooldowns() {
		if s.Model == model {
			return s
		}
	}
	return CooldownSnapshot{}
}
