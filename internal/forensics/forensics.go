// Package forensics keeps two small bounded ring buffers for
// operators: one optional per-job snapshot taken only when a request
// ultimately fails (spec Non-goals: "no storage of request bodies
// beyond an optional forensic snapshot"), and one admin-HTTP audit
// trail satisfying logging.RequestLogger (spec §1 "log ring buffers"
// thin shell).
//
// Grounded on the teacher's internal/resilience/streaming_breaker.go
// ring-buffer-of-outcomes pattern (fixed-capacity slice, oldest entry
// evicted on overflow) adapted to store snapshots instead of booleans.
package forensics

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/job"
)

const maxBodySnapshotBytes = 4096

// redactedHeaders never survive into a snapshot (spec: forensic
// snapshots must not leak credentials).
var redactedHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
}

// JobSnapshot is one failed job's forensic record.
type JobSnapshot struct {
	JobID         string
	IncomingModel string
	ProviderName  string
	Kind          apierr.Kind
	AttemptCount  int
	ModelsTried   []string
	Headers       map[string]string
	Body          []byte
	Truncated     bool
	RecordedAt    time.Time
}

// AuditEntry is one admin-HTTP request/response pair.
type AuditEntry struct {
	Method     string
	Path       string
	Status     int
	ClientIP   string
	Latency    time.Duration
	RecordedAt time.Time
}

// Recorder is a bounded ring buffer of both snapshot kinds, safe for
// concurrent use.
type Recorder struct {
	mu sync.Mutex

	jobCap int
	jobs   []JobSnapshot

	auditCap int
	audits   []AuditEntry

	nowFn func() time.Time
}

func New(jobCapacity, auditCapacity int) *Recorder {
	if jobCapacity <= 0 {
		jobCapacity = 200
	}
	if auditCapacity <= 0 {
		auditCapacity = 500
	}
	return &Recorder{jobCap: jobCapacity, auditCap: auditCapacity, nowFn: time.Now}
}

// RecordFailure appends a forensic snapshot for a job that ultimately
// failed (spec: never called on success — snapshots exist to debug
// failures, not to audit every request).
func (r *Recorder) RecordFailure(j *job.Job, providerName string, kind apierr.Kind) {
	headers := make(map[string]string, len(j.Headers))
	for k, v := range j.Headers {
		lower := lowerASCII(k)
		if _, redact := redactedHeaders[lower]; redact {
			continue
		}
		headers[k] = v
	}

	body := j.Body
	truncated := false
	if len(body) > maxBodySnapshotBytes {
		body = body[:maxBodySnapshotBytes]
		truncated = true
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	models := make([]string, 0, len(j.AttemptedModels()))
	for m := range j.AttemptedModels() {
		models = append(models, m)
	}

	snap := JobSnapshot{
		JobID:         j.ID,
		IncomingModel: j.IncomingModel,
		ProviderName:  providerName,
		Kind:          kind,
		AttemptCount:  j.AttemptCount(),
		ModelsTried:   models,
		Headers:       headers,
		Body:          bodyCopy,
		Truncated:     truncated,
		RecordedAt:    r.nowFn(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, snap)
	if len(r.jobs) > r.jobCap {
		r.jobs = r.jobs[len(r.jobs)-r.jobCap:]
	}
}

// JobSnapshots returns a copy of the current forensic ring buffer,
// newest last.
func (r *Recorder) JobSnapshots() []JobSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobSnapshot, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// LogRequest implements logging.RequestLogger, recording one admin-HTTP
// request into the audit ring buffer.
func (r *Recorder) LogRequest(c *gin.Context, status int, latency time.Duration) {
	entry := AuditEntry{
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		Status:     status,
		ClientIP:   c.ClientIP(),
		Latency:    latency,
		RecordedAt: r.nowFn(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, entry)
	if len(r.audits) > r.auditCap {
		r.audits = r.audits[len(r.audits)-r.auditCap:]
	}
}

// AuditEntries returns a copy of the current audit ring buffer, newest
// last.
func (r *Recorder) AuditEntries() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEntry, len(r.audits))
	copy(out, r.audits)
	return out
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
