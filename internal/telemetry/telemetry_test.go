package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartProviderSpanReturnsUsableSpan(t *testing.T) {
	ctx, span := StartProviderSpan(context.Background(), "z.ai", "glm-4.6")
	defer span.End()
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	RecordLatency(span, time.Now())
	RecordError(span, errors.New("boom"))
}

func TestRecordErrorNilIsNoop(t *testing.T) {
	_, span := StartProviderSpan(context.Background(), "z.ai", "glm-4.6")
	defer span.End()
	RecordError(span, nil)
}
