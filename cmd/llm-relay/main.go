// Command llm-relay runs the reverse proxy: a downstream-facing listener
// that accepts Anthropic-wire-format chat requests and fans them out
// across a pool of upstream credentials, plus a separate admin listener
// for routing/queue/credential observability and control.
//
// Grounded on the teacher's internal/cli/serve.go (cobra serve command,
// bootstrap-then-listen shape) and internal/provider/auth_pool.go's
// graceful-stop precedent, now driven through internal/shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-relay/internal/api"
	"github.com/nghyane/llm-relay/internal/apierr"
	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/credential"
	"github.com/nghyane/llm-relay/internal/forensics"
	"github.com/nghyane/llm-relay/internal/job"
	"github.com/nghyane/llm-relay/internal/keymanager"
	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/poolcooldown"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/retrycontroller"
	"github.com/nghyane/llm-relay/internal/router"
	"github.com/nghyane/llm-relay/internal/shutdown"
	"github.com/nghyane/llm-relay/internal/telemetry"
	"github.com/nghyane/llm-relay/internal/upstream"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "llm-relay",
	Short: "Reverse proxy fronting a pool of upstream credentials",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the llm-relay server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}

	cfg, err := config.LoadOptional(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg)
	configureLogging(cfg)

	registry := config.BuildProviderRegistry(cfg)
	if registry.SilentDefaultInjected() {
		logging.Warnf("no default-provider configured; using an arbitrary configured provider as the default")
	}
	modelMapping := config.BuildModelMapping(cfg)
	mapping := func(upstreamModel string) (string, string) {
		res, ok := registry.ResolveProviderForModel(upstreamModel, modelMapping)
		if !ok {
			return upstreamModel, ""
		}
		return res.TargetModel, res.ProviderName
	}

	rt := router.New(config.BuildRouterConfig(cfg, nil, 0))

	keys := keymanager.New(cfg.MaxTotalConcurrency)
	creds := make([]*credential.Credential, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		creds = append(creds, credential.New(c.ID, c.Secret, c.Provider, c.Weight, credential.DefaultConfig()))
	}
	keys.LoadKeys(creds)

	q := queue.New(config.BuildQueueMaxSize(cfg))
	keys.SetWaiter(q)

	pool := poolcooldown.New(poolcooldown.DefaultConfig())
	upstreamClient := upstream.New(upstream.DefaultConfig(), registry, pool)

	recorder := forensics.New(200, 500)
	sd := shutdown.New(q, shutdown.DefaultTimeout)

	proxyMux := http.NewServeMux()
	proxyMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handleProxyRequest(w, r, cfg, rt, keys, q, mapping, upstreamClient, recorder, sd)
	})
	proxyServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: proxyMux}

	adminServer := api.New(rt, keys, q, cfg, path)
	adminHTTP := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port+1), Handler: adminServer.Handler()}

	errCh := make(chan error, 2)
	go func() {
		logging.Infof("proxy listening on %s", proxyServer.Addr)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		logging.Infof("admin listening on %s", adminHTTP.Addr)
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		logging.WithError(err).Error("server error, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdown.DefaultTimeout)
	defer cancel()
	_ = sd.Shutdown(ctx)
	_ = proxyServer.Shutdown(ctx)
	_ = adminHTTP.Shutdown(ctx)
	return nil
}

func configureLogging(cfg *config.Config) {
	var fileCfg *logging.FileConfig
	if cfg.LoggingToFile {
		path := cfg.LogFilePath
		if path == "" {
			path = "llm-relay.log"
		}
		fileCfg = &logging.FileConfig{Path: path, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
	}
	logging.Configure(cfg.Debug, fileCfg)
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "llm-relay", "config.yaml")
	}
	return "config.yaml"
}

// handleProxyRequest is the downstream-facing entrypoint (spec §4.6
// caller): extract features, admit the request through the front-door
// queue if the credential pool is saturated, then drive the retry
// controller to completion.
func handleProxyRequest(
	w http.ResponseWriter,
	r *http.Request,
	cfg *config.Config,
	rt *router.Router,
	keys *keymanager.Manager,
	q *queue.Queue,
	mapping func(string) (string, string),
	client *upstream.Client,
	recorder *forensics.Recorder,
	sd *shutdown.Coordinator,
) {
	select {
	case <-sd.Stopping():
		writeError(w, apierr.New(apierr.KindQueueShutdown, "server is shutting down"))
		return
	default:
	}

	done := sd.TrackTask()
	defer done()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.New(apierr.KindClientError, "failed to read request body"))
		return
	}

	incomingModel := gjson.GetBytes(body, "model").String()
	j := job.New(r.Method, r.URL.Path, incomingModel, flattenHeaders(r.Header), body, extractFeatures(body))

	if admitErr := admit(r.Context(), keys, q, j.ID); admitErr != nil {
		recorder.RecordFailure(j, "", admitErr.(*apierr.Error).Category())
		writeError(w, admitErr)
		return
	}

	dispatcher := upstream.NewRequestDispatcher(client, w)
	ctrl := retrycontroller.New(config.BuildRetryControllerConfig(cfg), rt, keys, dispatcher, mapping)

	result := ctrl.Run(r.Context(), j)
	if !result.Success {
		_, providerName := mapping(incomingModel)
		kind := apierr.KindServerError
		if ae, ok := result.FinalErr.(*apierr.Error); ok {
			kind = ae.Category()
		}
		recorder.RecordFailure(j, providerName, kind)
		if !dispatcher.Committed() {
			writeError(w, result.FinalErr)
		} else {
			logging.WithError(result.FinalErr).Warn("attempt failed after streaming had already begun; downstream already received partial output")
		}
	}
}

// admit is the front-door FIFO gate (spec §4.4 RequestQueue): requests
// are let through immediately while the credential pool has spare
// capacity, and queued FIFO otherwise. keymanager wakes the oldest
// waiter via SetWaiter whenever a credential slot is released, so
// waiters do not poll.
func admit(ctx context.Context, keys *keymanager.Manager, q *queue.Queue, requestID string) error {
	if keys.TotalInFlight() < int64(keys.Capacity()) {
		return nil
	}

	_, span := telemetry.StartQueueSpan(ctx, requestID)
	defer span.End()

	resultCh, ok := q.Enqueue(requestID, 30*time.Second)
	if !ok {
		err := apierr.New(apierr.KindQueueFull, "request queue is full")
		telemetry.RecordError(span, err)
		return err
	}

	select {
	case res := <-resultCh:
		switch res.Outcome {
		case queue.Granted:
			return nil
		case queue.Timeout:
			return apierr.New(apierr.KindQueueTimeout, "timed out waiting for a credential slot")
		case queue.Shutdown:
			return apierr.New(apierr.KindQueueShutdown, "server is shutting down")
		default:
			return apierr.New(apierr.KindQueueCancelled, "request was cancelled while queued")
		}
	case <-ctx.Done():
		q.Cancel(requestID)
		return apierr.New(apierr.KindClientAborted, ctx.Err().Error())
	}
}

// extractFeatures reads the handful of request-body fields the router's
// rules and classifier need (spec §3 Features), without fully decoding
// the Anthropic messages schema.
func extractFeatures(body []byte) job.Features {
	var f job.Features

	if mt := gjson.GetBytes(body, "max_tokens"); mt.Exists() {
		v := mt.Int()
		f.MaxTokens = &v
	}
	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() {
		messages := msgs.Array()
		f.MessageCount = len(messages)
		for _, msg := range messages {
			content := msg.Get("content")
			if !content.IsArray() {
				continue
			}
			for _, block := range content.Array() {
				if block.Get("type").String() == "image" {
					f.HasVision = true
					break
				}
			}
			if f.HasVision {
				break
			}
		}
	}
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		f.SystemLength = len(sys.String())
	}
	if tools := gjson.GetBytes(body, "tools"); tools.IsArray() && len(tools.Array()) > 0 {
		f.HasTools = true
	}

	return f
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apierr.Error)
	if !ok {
		ae = apierr.New(apierr.KindServerError, err.Error())
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(ae.StatusCode())
	_ = json.NewEncoder(w).Encode(ae.Body())
}
