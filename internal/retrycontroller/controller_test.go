package retrycontroller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/credential"
	"github.com/nghyane/llm-relay/internal/job"
	"github.com/nghyane/llm-relay/internal/keymanager"
	"github.com/nghyane/llm-relay/internal/router"
)

type scriptedDispatcher struct {
	mu      sync.Mutex
	script  []Outcome
	calls   []string // providerModel per call, in order
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, cred *credential.Credential, providerModel string, j *job.Job) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, providerModel)
	if len(d.script) == 0 {
		return Outcome{Success: true}, nil
	}
	o := d.script[0]
	d.script = d.script[1:]
	if !o.Success && !o.Kind.Retryable() {
		return o, apierr.New(o.Kind, "scripted failure")
	}
	return o, nil
}

func identityMapping(upstreamModel string) (string, string) {
	return upstreamModel, "z.ai"
}

func newCred(id string) *credential.Credential {
	return credential.New(id, "secret", "z.ai", 1, credential.Config{
		MaxConcurrency:   5,
		FailureThreshold: 10,
		CooldownPeriod:   time.Second,
	})
}

func singleModelRouter(model string) *router.Router {
	cfg := router.DefaultConfig()
	cfg.Tiers = map[router.Tier]router.TierConfig{
		router.TierMedium: {Models: []string{model}},
	}
	cfg.Rules = []router.Rule{{Tier: router.TierMedium}}
	return router.New(cfg)
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	rt := singleModelRouter("glm-4.6")
	km := keymanager.New(200)
	km.LoadKeys([]*credential.Credential{newCred("a")})
	d := &scriptedDispatcher{}

	cfg := DefaultConfig()
	c := New(cfg, rt, km, d, identityMapping)

	j := job.New("POST", "/v1/messages", "claude-3-5-sonnet", nil, nil, job.Features{})
	res := c.Run(context.Background(), j)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", res.AttemptCount)
	}
}

func TestRunRetriesWithDifferentCredentialOnSameModel(t *testing.T) {
	rt := singleModelRouter("glm-4.6")
	km := keymanager.New(200)
	km.LoadKeys([]*credential.Credential{newCred("a"), newCred("b")})
	d := &scriptedDispatcher{script: []Outcome{{Success: false, Kind: apierr.KindServerError}}}

	cfg := DefaultConfig()
	c := New(cfg, rt, km, d, identityMapping)

	j := job.New("POST", "/v1/messages", "claude-3-5-sonnet", nil, nil, job.Features{})
	res := c.Run(context.Background(), j)

	if !res.Success {
		t.Fatalf("expected eventual success after one credential failure, got %+v", res)
	}
	if res.AttemptCount != 2 {
		t.Fatalf("AttemptCount = %d, want 2", res.AttemptCount)
	}
	if len(j.AttemptedCredentials()) != 2 {
		t.Fatalf("expected both credentials tried, got %v", j.AttemptedCredentials())
	}
}

func TestRunFailsOverToNextModelOnExhaustion(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.Tiers = map[router.Tier]router.TierConfig{
		router.TierMedium: {Models: []string{"m1", "m2"}},
	}
	cfg.Rules = []router.Rule{{Tier: router.TierMedium}}
	rt := router.New(cfg)

	km := keymanager.New(200)
	km.LoadKeys([]*credential.Credential{newCred("a")})
	d := &scriptedDispatcher{script: []Outcome{{Success: false, Kind: apierr.KindServerError}}}

	rcCfg := DefaultConfig()
	c := New(rcCfg, rt, km, d, identityMapping)

	j := job.New("POST", "/v1/messages", "x", nil, nil, job.Features{})
	res := c.Run(context.Background(), j)

	if !res.Success {
		t.Fatalf("expected success on second model, got %+v", res)
	}
	if len(d.calls) != 2 || d.calls[0] != "m1" || d.calls[1] != "m2" {
		t.Fatalf("expected failover m1 -> m2, got %v", d.calls)
	}
}

func TestRunStopsModelSwitchingOnceBudgetExhausted(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.Tiers = map[router.Tier]router.TierConfig{
		router.TierMedium: {Models: []string{"m1", "m2", "m3"}},
	}
	cfg.Rules = []router.Rule{{Tier: router.TierMedium}}
	cfg.MaxModelSwitches = 1
	rt := router.New(cfg)

	km := keymanager.New(200)
	km.LoadKeys([]*credential.Credential{newCred("a"), newCred("b"), newCred("c")})
	// m1 fails, m2 fails (1 switch used, budget reached) -> must commit to
	// m2 and only rotate credentials, never reaching m3.
	d := &scriptedDispatcher{script: []Outcome{
		{Success: false, Kind: apierr.KindServerError},
		{Success: false, Kind: apierr.KindServerError},
	}}

	rcCfg := DefaultConfig()
	c := New(rcCfg, rt, km, d, identityMapping)

	j := job.New("POST", "/v1/messages", "x", nil, nil, job.Features{})
	res := c.Run(context.Background(), j)

	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	for _, call := range d.calls {
		if call == "m3" {
			t.Fatalf("must never reach m3 once the switch budget is exhausted, calls=%v", d.calls)
		}
	}
}

func TestRunNonRetryableFailureStopsImmediately(t *testing.T) {
	rt := singleModelRouter("glm-4.6")
	km := keymanager.New(200)
	km.LoadKeys([]*credential.Credential{newCred("a"), newCred("b")})
	d := &scriptedDispatcher{script: []Outcome{{Success: false, Kind: apierr.KindClientError}}}

	cfg := DefaultConfig()
	c := New(cfg, rt, km, d, identityMapping)

	j := job.New("POST", "/v1/messages", "x", nil, nil, job.Features{})
	res := c.Run(context.Background(), j)

	if res.Success {
		t.Fatal("non-retryable client error must not be retried")
	}
	if len(d.calls) != 1 {
		t.Fatalf("expected exactly one dispatch attempt, got %d", len(d.calls))
	}
}
