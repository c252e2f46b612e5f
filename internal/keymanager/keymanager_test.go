package keymanager

import (
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/credential"
)

func newCred(id, provider string) *credential.Credential {
	return credential.New(id, "secret", provider, 1, credential.Config{
		MaxConcurrency:   1,
		FailureThreshold: 5,
		CooldownPeriod:   time.Second,
	})
}

func TestAcquireKeyFiltersByProviderAndAttempted(t *testing.T) {
	m := New(200)
	a := newCred("a", "z.ai")
	b := newCred("b", "z.ai")
	c := newCred("c", "other")
	m.LoadKeys([]*credential.Credential{a, b, c})

	lease, cred := m.AcquireKey(map[string]struct{}{"a": {}}, "z.ai")
	if lease == nil || cred.ID != "b" {
		t.Fatalf("expected credential b, got %+v", cred)
	}
	lease.Release(apierr.KindSuccess)

	if _, cred := m.AcquireKey(nil, "other"); cred.ID != "c" {
		t.Fatalf("expected credential c for provider 'other', got %+v", cred)
	}
}

func TestAcquireKeyReturnsNilOnExhaustion(t *testing.T) {
	m := New(200)
	a := newCred("a", "z.ai")
	m.LoadKeys([]*credential.Credential{a})

	lease1, cred1 := m.AcquireKey(nil, "z.ai")
	if lease1 == nil {
		t.Fatal("first acquire should succeed")
	}
	if lease2, cred2 := m.AcquireKey(nil, "z.ai"); lease2 != nil || cred2 != nil {
		t.Fatal("second acquire should fail: only credential is already at maxConcurrency=1")
	}
	lease1.Release(apierr.KindSuccess)
	_ = cred1
}

func TestAcquireKeyRespectsMaxTotalConcurrency(t *testing.T) {
	m := New(1)
	a := newCred("a", "z.ai")
	b := newCred("b", "z.ai")
	m.LoadKeys([]*credential.Credential{a, b})

	lease, _ := m.AcquireKey(nil, "z.ai")
	if lease == nil {
		t.Fatal("first acquire should succeed")
	}
	if lease2, cred2 := m.AcquireKey(nil, "z.ai"); lease2 != nil || cred2 != nil {
		t.Fatal("second acquire should fail: total concurrency budget of 1 is saturated")
	}
}

func TestFailedCredentialIsPreferredLast(t *testing.T) {
	m := New(200)
	good := newCred("good", "z.ai")
	good.MaxConcurrency = 5
	bad := newCred("bad", "z.ai")
	bad.MaxConcurrency = 5
	m.LoadKeys([]*credential.Credential{good, bad})

	// Drive bad's error rate up without tripping its breaker.
	for i := 0; i < 3; i++ {
		lease, cred := m.AcquireKey(nil, "z.ai")
		if cred.ID == "bad" {
			lease.Release(apierr.KindServerError)
		} else {
			lease.Release(apierr.KindSuccess)
		}
	}

	lease, cred := m.AcquireKey(nil, "z.ai")
	if cred.ID != "good" {
		t.Fatalf("expected 'good' to be preferred, got %q", cred.ID)
	}
	lease.Release(apierr.KindSuccess)
}

func TestUntaggedKeysBelongToPseudoProvider(t *testing.T) {
	m := New(200)
	untagged := newCred("u1", "")
	m.LoadKeys([]*credential.Credential{untagged})

	lease, cred := m.AcquireKey(nil, "")
	if lease == nil || cred.ID != "u1" {
		t.Fatal("untagged credential should be selectable under the untagged pseudo-provider")
	}
	lease.Release(apierr.KindSuccess)
}

func TestProviderHealthStatsReflectsOpenCircuits(t *testing.T) {
	m := New(200)
	flaky := newCred("flaky", "z.ai")
	m.LoadKeys([]*credential.Credential{flaky})

	for i := 0; i < 5; i++ {
		lease, _ := m.AcquireKey(nil, "z.ai")
		lease.Release(apierr.KindServerError)
	}

	health := m.GetProviderHealthStats()["z.ai"]
	if health.OpenCircuits != 1 {
		t.Fatalf("OpenCircuits = %d, want 1", health.OpenCircuits)
	}
}
