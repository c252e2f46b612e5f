// Package job defines the downstream-request-in-flight data model (spec
// §3 Job) shared by the router and retry controller.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Features are extracted once from the downstream request body (spec §3).
type Features struct {
	MaxTokens     *int64
	MessageCount  int
	SystemLength  int
	HasTools      bool
	HasVision     bool
}

// Job is a downstream request in flight. Immutable fields are set at
// construction; mutable fields are owned exclusively by the retry
// controller for the duration of dispatch (spec §3 ownership).
type Job struct {
	ID string

	Method            string
	Path              string
	Headers           map[string]string
	Body              []byte
	IncomingModel     string
	Features          Features

	StartedAt time.Time

	mu                  sync.Mutex
	attemptedCredentials map[string]struct{}
	attemptedModels       map[string]struct{}
	attemptCount          int
	modelSwitchCount      int
}

// New constructs a Job with a fresh jobId.
func New(method, path, incomingModel string, headers map[string]string, body []byte, features Features) *Job {
	return &Job{
		ID:                    uuid.NewString(),
		Method:                method,
		Path:                  path,
		Headers:               headers,
		Body:                  body,
		IncomingModel:         incomingModel,
		Features:              features,
		StartedAt:             time.Now(),
		attemptedCredentials:  make(map[string]struct{}),
		attemptedModels:       make(map[string]struct{}),
	}
}

// MarkCredentialAttempted records credentialID as tried for this job.
func (j *Job) MarkCredentialAttempted(credentialID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attemptedCredentials[credentialID] = struct{}{}
	j.attemptCount++
}

// MarkModelAttempted records model as tried, incrementing modelSwitchCount
// only the first time a given model is seen.
func (j *Job) MarkModelAttempted(model string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.attemptedModels[model]; !ok {
		j.attemptedModels[model] = struct{}{}
		if len(j.attemptedModels) > 1 {
			j.modelSwitchCount++
		}
	}
}

// AttemptedCredentials returns a snapshot set of credential ids already
// tried for this job.
func (j *Job) AttemptedCredentials() map[string]struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]struct{}, len(j.attemptedCredentials))
	for k := range j.attemptedCredentials {
		out[k] = struct{}{}
	}
	return out
}

// AttemptedModels returns a snapshot set of upstream models already tried.
func (j *Job) AttemptedModels() map[string]struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]struct{}, len(j.attemptedModels))
	for k := range j.attemptedModels {
		out[k] = struct{}{}
	}
	return out
}

// AttemptCount returns the number of credential acquisitions made so far.
func (j *Job) AttemptCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attemptCount
}

// ModelSwitchCount returns how many times this job has moved to a
// different upstream model (spec §3, §8 invariant
// attemptedModels.size <= maxModelSwitchesPerRequest + 1).
func (j *Job) ModelSwitchCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.modelSwitchCount
}
