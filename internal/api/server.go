// Package api is the thin admin HTTP shell around the core components:
// it renders their already-computed state as JSON and accepts
// schema-validated edits to model routing (spec §6 "Admin HTTP surface
// (thin shell; core produces the data)").
//
// Grounded on the teacher's internal/api/middleware.go (gin engine +
// corsMiddleware + GinLogger/GinRecovery wiring) generalized from its
// provider-management routes to this project's routing/queue/pool
// surfaces.
package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/job"
	"github.com/nghyane/llm-relay/internal/keymanager"
	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/metrics"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/router"
)

// Server owns the admin gin engine and a reference to every component
// whose state it renders. It holds no business logic of its own.
type Server struct {
	engine *gin.Engine

	router *router.Router
	keys   *keymanager.Manager
	q      *queue.Queue

	cfgMu   sync.Mutex
	cfg     *config.Config
	cfgPath string

	metricsMu     sync.Mutex
	lastDecisions map[string]float64 // tier -> last-reported cumulative decision count
	lastFailovers float64
}

// New builds the admin server. cfgPath may be empty, in which case
// PUT /model-routing mutates the in-memory router only (no persistence).
func New(rt *router.Router, keys *keymanager.Manager, q *queue.Queue, cfg *config.Config, cfgPath string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinRecovery(), logging.GinLogger(), corsMiddleware())

	s := &Server{
		engine:        engine,
		router:        rt,
		keys:          keys,
		q:             q,
		cfg:           cfg,
		cfgPath:       cfgPath,
		lastDecisions: make(map[string]float64),
	}
	s.registerRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/stats", s.handleStats)

	mr := s.engine.Group("/model-routing")
	mr.GET("", s.handleGetModelRouting)
	mr.PUT("", s.handlePutModelRouting)
	mr.POST("/reset", s.handleResetCooldown)
	mr.POST("/simulate", s.handleSimulate)
	mr.GET("/cooldowns", s.handleGetCooldowns)
	mr.GET("/test", s.handleSimulate)
	mr.POST("/explain", s.handleExplain)
	mr.PUT("/overrides", s.handlePutOverride)
	mr.DELETE("/overrides", s.handleDeleteOverride)
	mr.GET("/export", s.handleExport)

	s.engine.GET("/metrics", s.handleMetrics)
}

// Handler returns the underlying http.Handler for use with a net/http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// handleStats serves GET /stats (spec §6: "includes providerHealth block
// from KeyManager").
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queue":          s.q.GetStats(),
		"providerHealth": s.keys.GetProviderHealthStats(),
		"modelRouting":   routerStatsView(s.router.Stats()),
	})
}

func routerStatsView(st router.Stats) gin.H {
	return gin.H{
		"byTier":                st.ByTier,
		"bySource":              st.BySource,
		"failoverTotal":         st.FailoverTotal,
		"failoverWarmupTotal":   st.FailoverWarmupTotal,
		"burstDampenedTotal":    st.BurstDampenedTotal,
		"classifierShadowTotal": st.ClassifierShadowTotal,
	}
}

// handleGetModelRouting serves GET /model-routing.
func (s *Server) handleGetModelRouting(c *gin.Context) {
	c.JSON(http.StatusOK, config.RoutingConfigFromRouter(s.router.Config()))
}

// handleExport serves GET /model-routing/export: the same document, at
// the dedicated export path the schema-versioned on-disk file uses
// (spec §6 "routing config JSON (schema-versioned, version: 2.x)").
func (s *Server) handleExport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": "2.0",
		"config":  config.RoutingConfigFromRouter(s.router.Config()),
	})
}

// putModelRoutingBody is the accepted runtime-editable subset (spec §6).
type putModelRoutingBody struct {
	Enabled      *bool                        `json:"enabled"`
	DefaultModel *string                      `json:"defaultModel"`
	Tiers        map[string]config.TierConfig `json:"tiers"`
	Rules        []config.RuleConfig          `json:"rules"`
	Failover     *struct {
		MaxModelSwitchesPerRequest *int `json:"maxModelSwitchesPerRequest"`
	} `json:"failover"`
	Cooldown *config.CooldownConfig `json:"cooldown"`
}

// handlePutModelRouting serves PUT /model-routing: schema-validates,
// applies the patch, persists it, and reports any accepted-but-notable
// values as warnings (spec §8 scenario 6).
func (s *Server) handlePutModelRouting(c *gin.Context) {
	var body putModelRoutingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "invalid model-routing document: "+err.Error()))
		return
	}

	patch := router.ConfigPatch{Enabled: body.Enabled, DefaultModel: body.DefaultModel}
	if len(body.Tiers) > 0 {
		tiers := make(map[router.Tier]router.TierConfig, len(body.Tiers))
		for tier, tc := range body.Tiers {
			if len(tc.Models) == 0 {
				c.JSON(http.StatusBadRequest, errorBody("client_error", "tier "+tier+" must list at least one model"))
				return
			}
			tiers[router.Tier(tier)] = router.TierConfig{Models: tc.Models, ClientModelPolicy: router.ClientModelPolicy(tc.ClientModelPolicy)}
		}
		patch.Tiers = tiers
	}
	if len(body.Rules) > 0 {
		rules := make([]router.Rule, 0, len(body.Rules))
		for _, rule := range body.Rules {
			rules = append(rules, router.Rule{
				IncomingModelGlob: rule.IncomingModelGlob,
				HasTools:          rule.HasTools,
				HasVision:         rule.HasVision,
				MaxTokensGte:      rule.MaxTokensGte,
				MessageCountGte:   rule.MessageCountGte,
				SystemLengthGte:   rule.SystemLengthGte,
				Tier:              router.Tier(rule.Tier),
			})
		}
		patch.Rules = rules
	}
	if body.Failover != nil && body.Failover.MaxModelSwitchesPerRequest != nil {
		patch.MaxModelSwitches = body.Failover.MaxModelSwitchesPerRequest
	}
	if body.Cooldown != nil {
		if body.Cooldown.BaseMs > 0 {
			patch.CooldownDefaultMs = &body.Cooldown.BaseMs
		}
		if body.Cooldown.CapMs > 0 {
			patch.CooldownMaxMs = &body.Cooldown.CapMs
		}
		if body.Cooldown.DecayMs > 0 {
			patch.CooldownDecayMs = &body.Cooldown.DecayMs
		}
	}

	warnings := s.router.Update(patch)
	s.persistRoutingConfig()

	c.JSON(http.StatusOK, gin.H{
		"config":   config.RoutingConfigFromRouter(s.router.Config()),
		"warnings": warnings,
	})
}

// persistRoutingConfig syncs the router's live state back into cfg and
// saves it to cfgPath, if one was configured (spec §8 round-trip
// property). Failures are logged, not surfaced, matching the "thin
// shell" framing — routing stays correct in memory even if the disk
// write fails.
func (s *Server) persistRoutingConfig() {
	if s.cfgPath == "" {
		return
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	config.SyncRoutingConfigFromRouter(s.cfg, s.router)
	if err := config.Save(s.cfg, s.cfgPath); err != nil {
		logging.WithError(err).Warn("failed to persist model-routing config")
	}
}

// handleResetCooldown serves POST /model-routing/reset. An empty or
// missing "model" resets every cooldown entry.
func (s *Server) handleResetCooldown(c *gin.Context) {
	var body struct {
		Model string `json:"model"`
	}
	_ = c.ShouldBindJSON(&body)

	if body.Model != "" {
		s.router.Reset(body.Model)
	} else {
		for _, cd := range s.router.GetCooldowns() {
			s.router.Reset(cd.Model)
		}
	}
	c.JSON(http.StatusOK, gin.H{"cooldowns": s.router.GetCooldowns()})
}

// handleGetCooldowns serves GET /model-routing/cooldowns.
func (s *Server) handleGetCooldowns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cooldowns": s.router.GetCooldowns()})
}

type simulateBody struct {
	IncomingModel string `json:"incomingModel"`
	HasTools      bool   `json:"hasTools"`
	HasVision     bool   `json:"hasVision"`
	MaxTokens     *int64 `json:"maxTokens"`
	MessageCount  int    `json:"messageCount"`
	SystemLength  int    `json:"systemLength"`
}

// handleSimulate serves POST /model-routing/simulate and GET
// /model-routing/test: runs SelectModel without ever recording a
// cooldown; each call still counts toward the router's decision stats
// (byTier, bySource, classifierShadowTotal) (spec §6 "thin shell; core
// produces the data").
func (s *Server) handleSimulate(c *gin.Context) {
	var body simulateBody
	if c.Request.Method == http.MethodGet {
		body.IncomingModel = c.Query("incomingModel")
		body.HasTools = c.Query("hasTools") == "true"
		body.HasVision = c.Query("hasVision") == "true"
	} else if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "invalid simulate request: "+err.Error()))
		return
	}
	if body.IncomingModel == "" {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "incomingModel is required"))
		return
	}

	features := job.Features{
		MaxTokens:    body.MaxTokens,
		MessageCount: body.MessageCount,
		SystemLength: body.SystemLength,
		HasTools:     body.HasTools,
		HasVision:    body.HasVision,
	}
	decision := s.router.SelectModel(body.IncomingModel, features, nil)
	c.JSON(http.StatusOK, decision)
}

// handleExplain serves POST /model-routing/explain: the simulate
// decision plus the documented resolutions of the two open design
// questions, so admin tooling can surface why a boundary case behaved
// the way it did (spec §9).
func (s *Server) handleExplain(c *gin.Context) {
	var body simulateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "invalid explain request: "+err.Error()))
		return
	}
	if body.IncomingModel == "" {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "incomingModel is required"))
		return
	}

	features := job.Features{
		MaxTokens:    body.MaxTokens,
		MessageCount: body.MessageCount,
		SystemLength: body.SystemLength,
		HasTools:     body.HasTools,
		HasVision:    body.HasVision,
	}
	decision := s.router.SelectModel(body.IncomingModel, features, nil)

	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
		"designNotes": gin.H{
			"modelSwitchBudgetBoundary": "once a job's modelSwitchCount reaches failover.maxModelSwitchesPerRequest, " +
				"this proxy commits to the last-selected model for all remaining attempts and retries only credentials " +
				"on it, rather than re-opening the full candidate list.",
			"classifierShadowMode": "when a tier's clientModelPolicy is rule-match-only, the classifier still runs on " +
				"every decision for observability (classifierShadowTotal) but never changes the selected tier.",
		},
	})
}

type overrideBody struct {
	IncomingModel string `json:"incomingModel"`
	UpstreamModel string `json:"upstreamModel"`
}

// handlePutOverride serves PUT /model-routing/overrides.
func (s *Server) handlePutOverride(c *gin.Context) {
	var body overrideBody
	if err := c.ShouldBindJSON(&body); err != nil || body.IncomingModel == "" || body.UpstreamModel == "" {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "incomingModel and upstreamModel are required"))
		return
	}
	s.router.SetOverride(body.IncomingModel, body.UpstreamModel)
	s.persistRoutingConfig()
	c.JSON(http.StatusOK, gin.H{"overrides": s.router.Overrides()})
}

// handleDeleteOverride serves DELETE /model-routing/overrides.
func (s *Server) handleDeleteOverride(c *gin.Context) {
	incomingModel := c.Query("incomingModel")
	if incomingModel == "" {
		var body struct {
			IncomingModel string `json:"incomingModel"`
		}
		_ = c.ShouldBindJSON(&body)
		incomingModel = body.IncomingModel
	}
	if incomingModel == "" {
		c.JSON(http.StatusBadRequest, errorBody("client_error", "incomingModel is required"))
		return
	}
	s.router.DeleteOverride(incomingModel)
	s.persistRoutingConfig()
	c.JSON(http.StatusOK, gin.H{"overrides": s.router.Overrides()})
}

// handleMetrics serves GET /metrics: refreshes the glm_proxy_model_routing_*
// series from the router's live state, then delegates to the standard
// Prometheus text exposition handler (spec §6).
func (s *Server) handleMetrics(c *gin.Context) {
	s.syncRoutingMetrics()
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

func (s *Server) syncRoutingMetrics() {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	cfg := s.router.Config()
	if cfg.Enabled {
		metrics.ModelRoutingEnabled.Set(1)
	} else {
		metrics.ModelRoutingEnabled.Set(0)
	}

	st := s.router.Stats()
	for tier, count := range st.ByTier {
		key := string(tier)
		delta := float64(count) - s.lastDecisions[key]
		if delta > 0 {
			metrics.ModelRoutingDecisionsTotal.WithLabelValues(key).Add(delta)
		}
		s.lastDecisions[key] = float64(count)
	}

	failoverDelta := float64(st.FailoverTotal) - s.lastFailovers
	if failoverDelta > 0 {
		metrics.ModelRoutingFailoversTotal.Add(failoverDelta)
	}
	s.lastFailovers = float64(st.FailoverTotal)

	metrics.ModelRoutingCooldownsActive.Set(float64(len(s.router.GetCooldowns())))
	metrics.ModelRoutingOverridesActive.Set(float64(len(s.router.Overrides())))
}

func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"type": kind, "message": message}}
}
