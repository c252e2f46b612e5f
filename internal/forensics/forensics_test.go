package forensics

import (
	"testing"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/job"
)

func TestRecordFailureRedactsAuthHeaders(t *testing.T) {
	r := New(10, 10)
	j := job.New("POST", "/v1/messages", "claude-3-opus", map[string]string{
		"authorization": "Bearer secret",
		"x-request-id":  "abc",
	}, []byte(`{"model":"claude-3-opus"}`), job.Features{})

	r.RecordFailure(j, "z.ai", apierr.KindServerError)

	snaps := r.JobSnapshots()
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if _, ok := snaps[0].Headers["authorization"]; ok {
		t.Fatal("authorization header should have been redacted")
	}
	if snaps[0].Headers["x-request-id"] != "abc" {
		t.Fatal("non-sensitive header should survive")
	}
}

func TestJobSnapshotRingBufferEvictsOldest(t *testing.T) {
	r := New(2, 10)
	for i := 0; i < 3; i++ {
		j := job.New("POST", "/v1/messages", "m", nil, nil, job.Features{})
		r.RecordFailure(j, "z.ai", apierr.KindTimeout)
	}
	if got := len(r.JobSnapshots()); got != 2 {
		t.Fatalf("got %d snapshots, want 2 (capacity)", got)
	}
}

func TestBodyLargerThanLimitIsTruncated(t *testing.T) {
	r := New(10, 10)
	body := make([]byte, maxBodySnapshotBytes+100)
	j := job.New("POST", "/v1/messages", "m", nil, body, job.Features{})
	r.RecordFailure(j, "z.ai", apierr.KindTimeout)

	snap := r.JobSnapshots()[0]
	if !snap.Truncated {
		t.Fatal("expected Truncated = true")
	}
	if len(snap.Body) != maxBodySnapshotBytes {
		t.Fatalf("body len = %d, want %d", len(snap.Body), maxBodySnapshotBytes)
	}
}
