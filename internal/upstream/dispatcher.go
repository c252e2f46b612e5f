package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/credential"
	"github.com/nghyane/llm-relay/internal/job"
	"github.com/nghyane/llm-relay/internal/retrycontroller"
	"github.com/nghyane/llm-relay/internal/telemetry"
)

// RequestDispatcher adapts one *Client plus one downstream
// http.ResponseWriter into retrycontroller.Dispatcher. It is built fresh
// per downstream request (the writer is request-scoped).
//
// Once the first SSE event has been forwarded to the downstream writer,
// the dispatcher is "committed": headers and a partial body have already
// reached the real client, so a later mid-stream failure can no longer be
// retried transparently underneath it (a retry would duplicate or
// interleave output). Pre-commit failures (connect errors, non-2xx
// status) are ordinary Outcomes classified by their error kind;
// post-commit failures are
// reported as client_aborted so the controller treats them as terminal
// rather than failing the request over to a different model.
type RequestDispatcher struct {
	client    *Client
	w         http.ResponseWriter
	committed bool
}

// NewRequestDispatcher builds the per-request adapter. w is the downstream
// ResponseWriter the controller's eventual successful (or partially
// streamed) attempt writes SSE bytes into.
func NewRequestDispatcher(client *Client, w http.ResponseWriter) *RequestDispatcher {
	return &RequestDispatcher{client: client, w: w}
}

// Committed reports whether any bytes have already been written to the
// downstream writer. Once true, the caller must not attempt to write its
// own error envelope on top — the response is already in flight.
func (d *RequestDispatcher) Committed() bool { return d.committed }

// Dispatch sends one attempt and streams its SSE body to the downstream
// writer as it arrives, satisfying retrycontroller.Dispatcher.
func (d *RequestDispatcher) Dispatch(ctx context.Context, cred *credential.Credential, providerModel string, j *job.Job) (retrycontroller.Outcome, error) {
	spanCtx, span := telemetry.StartProviderSpan(ctx, cred.ProviderName, providerModel)
	start := time.Now()
	defer func() {
		telemetry.RecordLatency(span, start)
		span.End()
	}()

	events, err := d.client.Dispatch(spanCtx, cred, Request{ProviderName: cred.ProviderName, TargetModel: providerModel, Job: j})
	if err != nil {
		telemetry.RecordError(span, err)
		return outcomeFromError(err), err
	}

	flusher, canFlush := d.w.(http.Flusher)

	for ev := range events {
		if ev.Err != nil {
			telemetry.RecordError(span, ev.Err)
			if !d.committed {
				return outcomeFromError(ev.Err), ev.Err
			}
			return retrycontroller.Outcome{Success: false, Kind: apierr.KindClientAborted}, apierr.New(apierr.KindClientAborted, ev.Err.Error())
		}

		if !d.committed {
			d.w.Header().Set("content-type", "text/event-stream")
			d.w.WriteHeader(http.StatusOK)
			d.committed = true
		}

		if ev.Name != "" {
			fmt.Fprintf(d.w, "event: %s\n", ev.Name)
		}
		fmt.Fprintf(d.w, "data: %s\n\n", ev.Data)
		if canFlush {
			flusher.Flush()
		}
	}

	if !d.committed {
		// Upstream accepted the request but closed the stream with no
		// events at all; treat as an empty-but-successful response so the
		// caller still gets a 200 rather than a retry storm.
		d.w.Header().Set("content-type", "text/event-stream")
		d.w.WriteHeader(http.StatusOK)
		d.committed = true
	}

	return retrycontroller.Outcome{Success: true}, nil
}

func outcomeFromError(err error) retrycontroller.Outcome {
	ae, ok := err.(*apierr.Error)
	if !ok {
		return retrycontroller.Outcome{Success: false, Kind: apierr.KindServerError}
	}
	out := retrycontroller.Outcome{Success: false, Kind: ae.Category(), RetryAfter: ae.RetryAfter()}
	out.RateLimited = ae.Category() == apierr.KindRateLimited
	return out
}
