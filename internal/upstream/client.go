// Package upstream is the streaming HTTP client that actually talks to a
// provider (spec §4.7 UpstreamClient): it builds the outbound request,
// pumps the SSE body into a channel, and classifies transport-level
// failures back into the shared apierr taxonomy.
//
// Grounded on the teacher's internal/resilience/transport.go (shared
// *http.Transport, HTTP/2 + TLS tuning), internal/streamutil/pipeline.go
// (errgroup-backed SSE pump lifecycle), and internal/sseutil/filter.go
// (SSE line/event-boundary handling, gjson/sjson field rewrite).
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/credential"
	"github.com/nghyane/llm-relay/internal/job"
	"github.com/nghyane/llm-relay/internal/poolcooldown"
	"github.com/nghyane/llm-relay/internal/providerregistry"
)

// Event is one decoded SSE event pumped out of a streaming response.
type Event struct {
	Name string // from an `event:` line, if present
	Data []byte // raw JSON payload from the `data:` line(s)
	Err  error
}

// TransportConfig tunes the shared *http.Transport (spec §4.7, §6).
type TransportConfig struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		H2ReadIdleTimeout:     30 * time.Second,
		H2PingTimeout:         15 * time.Second,
	}
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the process-wide *http.Transport, built once
// and reused by every Client (spec §4.7 "one transport per process").
func SharedTransport(cfg TransportConfig) *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = newTransport(cfg)
	})
	return sharedTransport
}

func newTransport(cfg TransportConfig) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if h2, err := http2.ConfigureTransports(t); err == nil {
		h2.ReadIdleTimeout = cfg.H2ReadIdleTimeout
		h2.PingTimeout = cfg.H2PingTimeout
	}
	return t
}

// Config is the upstream client's own behavior knobs (spec §4.7, §6).
type Config struct {
	Transport        TransportConfig
	ConnectRetries   int           // transport-level retries before handing failure to the controller
	ConnectRetryBase time.Duration
	ConnectRetryMax  time.Duration
	SSEBufferSize    int
}

func DefaultConfig() Config {
	return Config{
		Transport:        DefaultTransportConfig(),
		ConnectRetries:   1,
		ConnectRetryBase: 100 * time.Millisecond,
		ConnectRetryMax:  1 * time.Second,
		SSEBufferSize:    128,
	}
}

// Client dispatches one attempt to one provider (spec §4.7).
type Client struct {
	cfg        Config
	httpClient *http.Client
	registry   *providerregistry.Registry
	connectPolicy retrypolicy.RetryPolicy[*http.Response]

	// pool is the pool-level cooldown/pacing engine (spec C2
	// PoolCooldownEngine), consulted before every attempt and fed from
	// every response's rate-limit headers. Nil disables pacing entirely.
	pool *poolcooldown.Engine
}

func New(cfg Config, registry *providerregistry.Registry, pool *poolcooldown.Engine) *Client {
	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.ConnectRetryBase, cfg.ConnectRetryMax).
		WithMaxRetries(cfg.ConnectRetries).
		Build()

	return &Client{
		cfg:           cfg,
		httpClient:    &http.Client{Transport: SharedTransport(cfg.Transport)},
		registry:      registry,
		connectPolicy: policy,
		pool:          pool,
	}
}

// Request is everything the client needs to build the outbound HTTP
// request (spec §4.7 input).
type Request struct {
	ProviderName  string
	TargetModel   string
	Job           *job.Job
}

// Dispatch sends one attempt and classifies the outcome into the shared
// error taxonomy, after rewriting the body's model field to the
// provider-specific model. It satisfies retrycontroller.Dispatcher
// indirectly through RequestDispatcher (dispatcher.go), which streams the
// returned events to the downstream writer.
func (c *Client) Dispatch(ctx context.Context, cred *credential.Credential, req Request) (<-chan Event, error) {
	provider, ok := c.registry.Provider(req.ProviderName)
	if !ok {
		return nil, apierr.New(apierr.KindServerError, fmt.Sprintf("provider %q not configured", req.ProviderName))
	}

	if c.pool != nil {
		if remaining := c.pool.RemainingFor(req.ProviderName, req.TargetModel); remaining > 0 {
			return nil, apierr.New(apierr.KindRateLimited, "pool is cooling down").WithRetryAfter(remaining)
		}
	}

	body, err := sjson.SetBytes(req.Job.Body, "model", req.TargetModel)
	if err != nil {
		body = req.Job.Body
	}

	url := providerregistry.BaseURL(provider) + req.Job.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Job.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.New(apierr.KindClientError, err.Error())
	}
	for k, v := range req.Job.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range provider.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	if header, ok := c.registry.FormatAuthHeader(req.ProviderName, cred.Secret); ok {
		httpReq.Header.Set(header.Name, header.Value)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := failsafe.With(c.connectPolicy).WithContext(ctx).Get(func() (*http.Response, error) {
		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if c.pool != nil {
		c.pool.RecordHeaders(req.ProviderName, req.TargetModel, parseRateLimitHeaders(resp.Header))
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests && c.pool != nil {
			c.pool.RecordHit(req.ProviderName, req.TargetModel, false)
		}
		return nil, classifyHTTPStatus(resp)
	}

	events := make(chan Event, c.cfg.SSEBufferSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer resp.Body.Close()
		defer close(events)
		err := pumpSSE(gctx, resp.Body, events)
		if err != nil {
			select {
			case events <- Event{Err: err}:
			case <-gctx.Done():
			}
		}
		return err
	})

	return events, nil
}

// pumpSSE reads resp.Body line by line, emitting one Event per `data:`
// line carrying valid JSON, plus a final Event for a `data: [DONE]` line,
// which ends the stream (spec §4.7 streaming contract); other `data:`
// lines are skipped. Mirrors the teacher's Pipeline.Go/Send lifecycle.
func pumpSSE(ctx context.Context, body io.Reader, out chan<- Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		trimmed := bytes.TrimSpace(line)
		switch {
		case len(trimmed) == 0:
			currentEvent = ""
			continue
		case bytes.HasPrefix(trimmed, []byte("event:")):
			currentEvent = strings.TrimSpace(string(trimmed[len("event:"):]))
			continue
		case bytes.HasPrefix(trimmed, []byte("data:")):
			payload := bytes.TrimSpace(trimmed[len("data:"):])
			if bytes.Equal(payload, []byte("[DONE]")) {
				select {
				case out <- Event{Name: currentEvent, Data: append([]byte(nil), payload...)}:
				case <-ctx.Done():
					return ctx.Err()
				}
				return nil
			}
			if !gjson.ValidBytes(payload) {
				continue
			}
			ev := Event{Name: currentEvent, Data: append([]byte(nil), payload...)}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return classifyReadError(err)
	}
	return nil
}

// parseRateLimitHeaders reads the common x-ratelimit-* response headers
// into the pool cooldown engine's input shape (spec §4.2/§4.7). Absent
// headers parse to -1/0, which RecordHeaders treats as "no signal".
func parseRateLimitHeaders(h http.Header) poolcooldown.HeaderValues {
	hv := poolcooldown.HeaderValues{Remaining: -1}
	if v := h.Get("x-ratelimit-remaining"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			hv.Remaining = n
		}
	}
	if v := h.Get("x-ratelimit-limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			hv.Limit = n
		}
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			hv.Reset = n
		}
	}
	return hv
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(apierr.KindTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return apierr.New(apierr.KindClientAborted, err.Error())
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return apierr.New(apierr.KindConnectionRefused, msg)
	case strings.Contains(msg, "broken pipe"):
		return apierr.New(apierr.KindBrokenPipe, msg)
	case strings.Contains(msg, "connection reset"):
		return apierr.New(apierr.KindConnectionAborted, msg)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return apierr.New(apierr.KindTimeout, msg)
		}
		return apierr.New(apierr.KindSocketHangup, msg)
	}
}

func classifyReadError(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return apierr.New(apierr.KindStreamPrematureClose, err.Error())
	}
	return classifyTransportError(err)
}

func classifyHTTPStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	msg := string(body)

	var retryAfter *time.Duration
	if ra := resp.Header.Get("retry-after"); ra != "" {
		if d, err := time.ParseDuration(ra + "s"); err == nil {
			retryAfter = &d
		}
	}

	var kind apierr.Kind
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = apierr.KindRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		kind = apierr.KindAuthError
	case resp.StatusCode == http.StatusForbidden:
		kind = apierr.KindPermissionError
	case resp.StatusCode >= 500:
		kind = apierr.KindServerError
	default:
		kind = apierr.KindClientError
	}

	e := apierr.New(kind, msg).WithHTTPStatus(resp.StatusCode)
	if retryAfter != nil {
		e = e.WithRetryAfter(*retryAfter)
	}
	return e
}

