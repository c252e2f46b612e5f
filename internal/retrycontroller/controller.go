// Package retrycontroller is the central orchestration loop (spec §4.6):
// pick a model via the router, pick a credential via the key manager,
// dispatch to the upstream client, and on a retryable failure either try
// another credential on the same model or fail the model over to the
// next candidate — until success, exhaustion, or the request's deadline.
//
// Grounded on the teacher's internal/provider/execution.go (attempt loop:
// pick -> execute -> mark -> continue/return) and internal/provider/retry.go
// (shouldRetryAfterError, hasAvailableAuth, waitForAvailableAuth,
// closestCooldownWait).
package retrycontroller

import (
	"context"
	"time"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/credential"
	"github.com/nghyane/llm-relay/internal/job"
	"github.com/nghyane/llm-relay/internal/keymanager"
	"github.com/nghyane/llm-relay/internal/router"
)

// Dispatcher sends one attempt to an upstream and reports how it went.
// Implemented by internal/upstream.RequestDispatcher; kept as an interface here so
// the controller is testable without a real network stack.
type Dispatcher interface {
	Dispatch(ctx context.Context, cred *credential.Credential, providerModel string, j *job.Job) (Outcome, error)
}

// Outcome is the attempt result the controller needs to route the next
// decision, independent of whatever transport carried it.
type Outcome struct {
	Success     bool
	Kind        apierr.Kind
	RetryAfter  *time.Duration
	RateLimited bool
}

// Config is the `failover` config block (spec §6).
type Config struct {
	MaxAttemptsPerRequest int
	PerAttemptTimeout     time.Duration
	RequestDeadline       time.Duration
	CooldownPollInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerRequest: 6,
		PerAttemptTimeout:     60 * time.Second,
		RequestDeadline:       120 * time.Second,
		CooldownPollInterval:  500 * time.Millisecond,
	}
}

// Controller wires the router, key manager and dispatcher together.
type Controller struct {
	cfg     Config
	router  *router.Router
	keys    *keymanager.Manager
	dispatch Dispatcher
	mapping func(upstreamModel string) (providerModel string, providerName string)
}

// New builds a Controller. mapping resolves an upstream model name
// selected by the router into the (providerModel, providerName) pair the
// key manager and dispatcher need; callers typically close over
// internal/providerregistry.Registry.ResolveProviderForModel.
func New(cfg Config, rt *router.Router, keys *keymanager.Manager, dispatch Dispatcher, mapping func(string) (string, string)) *Controller {
	return &Controller{cfg: cfg, router: rt, keys: keys, dispatch: dispatch, mapping: mapping}
}

// Result is the terminal outcome of Run.
type Result struct {
	Success        bool
	FinalErr       error
	AttemptCount   int
	ModelsAttempted []string
}

// Run drives the full attempt loop for one downstream request (spec
// §4.6 pseudocode): select a model, acquire a credential, dispatch, and
// on failure decide whether to retry the same model with a different
// credential, fail over to the next model, or give up.
func (c *Controller) Run(ctx context.Context, j *job.Job) Result {
	deadline := time.Now().Add(c.cfg.RequestDeadline)

	excludedModels := make(map[string]struct{})
	var lastErr error
	committedModel := "" // set once the switch budget is exhausted (spec §9 open question)

	for attempt := 0; attempt < c.cfg.MaxAttemptsPerRequest; attempt++ {
		if time.Now().After(deadline) {
			return Result{Success: false, FinalErr: apierr.New(apierr.KindTimeout, "request deadline exceeded"), AttemptCount: attempt, ModelsAttempted: modelsSlice(j)}
		}

		selectedModel := committedModel
		if selectedModel == "" {
			decision := c.router.SelectModel(j.IncomingModel, j.Features, excludedModels)
			if decision.SelectedModel == "" {
				return Result{Success: false, FinalErr: apierr.New(apierr.KindExhaustedModels, "no upstream model available"), AttemptCount: attempt, ModelsAttempted: modelsSlice(j)}
			}
			selectedModel = decision.SelectedModel
			j.MarkModelAttempted(selectedModel)
			if j.ModelSwitchCount() >= c.router.MaxModelSwitches() {
				// Model-switch budget reached: commit to this model and
				// only rotate credentials on it from here on, rather than
				// attempting an (N+1)th switch.
				committedModel = selectedModel
			}
		}

		providerModel, providerName := c.mapping(selectedModel)

		res, err := c.runModelAttempts(ctx, j, providerModel, providerName, deadline)
		if res.Success {
			return Result{Success: true, AttemptCount: j.AttemptCount(), ModelsAttempted: modelsSlice(j)}
		}
		lastErr = err

		if !shouldFailoverModel(err) {
			return Result{Success: false, FinalErr: err, AttemptCount: j.AttemptCount(), ModelsAttempted: modelsSlice(j)}
		}

		c.router.RecordModelCooldown(selectedModel)
		if committedModel == "" {
			excludedModels[selectedModel] = struct{}{}
		}
	}

	return Result{Success: false, FinalErr: lastErr, AttemptCount: j.AttemptCount(), ModelsAttempted: modelsSlice(j)}
}

type modelAttemptResult struct {
	Success bool
}

// runModelAttempts exhausts credentials for a single upstream model
// before the caller fails the request over to the next model (spec
// §4.6: "retry with a different credential on the same model, or fail
// over to the next model").
func (c *Controller) runModelAttempts(ctx context.Context, j *job.Job, providerModel, providerName string, deadline time.Time) (modelAttemptResult, error) {
	var lastErr error

	for {
		if time.Now().After(deadline) {
			return modelAttemptResult{}, apierr.New(apierr.KindTimeout, "request deadline exceeded")
		}
		if j.AttemptCount() >= c.cfg.MaxAttemptsPerRequest {
			return modelAttemptResult{}, lastErrOrExhausted(lastErr)
		}

		attempted := j.AttemptedCredentials()
		lease, cred := c.keys.AcquireKey(attempted, providerName)
		if lease == nil {
			if !c.keys.HasUntriedBlocked(attempted, providerName) {
				return modelAttemptResult{}, lastErrOrExhausted(lastErr)
			}
			if err := c.waitForSlot(ctx, deadline); err != nil {
				return modelAttemptResult{}, err
			}
			continue
		}

		j.MarkCredentialAttempted(cred.ID)

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.PerAttemptTimeout)
		outcome, err := c.dispatch.Dispatch(attemptCtx, cred, providerModel, j)
		cancel()

		if err != nil && outcome.Kind == "" {
			outcome.Kind = apierr.KindServerError
		}

		if outcome.Success {
			c.keys.RecordSuccess(lease)
			return modelAttemptResult{Success: true}, nil
		}

		if outcome.RateLimited {
			retryAfter := time.Second
			if outcome.RetryAfter != nil {
				retryAfter = *outcome.RetryAfter
			}
			c.keys.RecordRateLimit(lease, cred, retryAfter)
		} else {
			c.keys.RecordFailure(lease, outcome.Kind)
		}

		lastErr = apierr.New(outcome.Kind, "upstream attempt failed")
		if err != nil {
			lastErr = err
		}

		if !outcome.Kind.Retryable() {
			return modelAttemptResult{}, lastErr
		}
	}
}

// waitForSlot blocks until a credential might be available again or the
// deadline/context ends (spec §4.6 waitForAvailableAuth precedent).
func (c *Controller) waitForSlot(ctx context.Context, deadline time.Time) error {
	wait := c.cfg.CooldownPollInterval
	if remaining := time.Until(deadline); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return apierr.New(apierr.KindTimeout, "request deadline exceeded")
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apierr.New(apierr.KindClientAborted, ctx.Err().Error())
	case <-timer.C:
		return nil
	}
}

// shouldFailoverModel reports whether err warrants trying the next
// model rather than surfacing to the caller (spec §4.6).
func shouldFailoverModel(err error) bool {
	ae, ok := err.(*apierr.Error)
	if !ok {
		return true
	}
	return ae.Category().Retryable() || ae.Category() == apierr.KindExhaustedModels
}

func lastErrOrExhausted(lastErr error) error {
	if lastErr != nil {
		return lastErr
	}
	return apierr.New(apierr.KindExhaustedModels, "no credential available for this model")
}

func modelsSlice(j *job.Job) []string {
	set := j.AttemptedModels()
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}
