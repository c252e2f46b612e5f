// Package config owns the on-disk YAML configuration: credential pool,
// provider registry, model routing, failover, and queue knobs (spec §6),
// plus env-var overrides and a hot-reload watch.
//
// Grounded on the teacher's internal/config/provider.go (tagged-struct
// shape, IsEnabled/Validate/SanitizeProviders normalization pattern) and
// internal/bootstrap/bootstrap.go (ApplyEnvOverrides, LoadConfigOptional,
// autoInitConfig atomic-write-then-rename precedent).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/poolcooldown"
	"github.com/nghyane/llm-relay/internal/providerregistry"
	"github.com/nghyane/llm-relay/internal/retrycontroller"
	"github.com/nghyane/llm-relay/internal/router"
)

// CredentialConfig is one entry of the `credentials` list (spec §6).
type CredentialConfig struct {
	ID       string  `yaml:"id" json:"id"`
	Secret   string  `yaml:"secret" json:"secret"`
	Provider string  `yaml:"provider,omitempty" json:"provider,omitempty"`
	Weight   float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// ProviderConfig is one entry of the `providers` map (spec §6, §4.8).
type ProviderConfig struct {
	TargetHost       string                       `yaml:"target-host" json:"target-host"`
	TargetBasePath   string                       `yaml:"target-base-path,omitempty" json:"target-base-path,omitempty"`
	TargetProtocol   string                       `yaml:"target-protocol,omitempty" json:"target-protocol,omitempty"`
	AuthScheme       string                       `yaml:"auth-scheme" json:"auth-scheme"`
	CustomAuthHeader string                       `yaml:"custom-auth-header,omitempty" json:"custom-auth-header,omitempty"`
	ExtraHeaders     map[string]string            `yaml:"extra-headers,omitempty" json:"extra-headers,omitempty"`
	CostTier         string                       `yaml:"cost-tier,omitempty" json:"cost-tier,omitempty"`
}

// Config is the full on-disk document (spec §6).
type Config struct {
	Port            int                          `yaml:"port" json:"port"`
	Debug           bool                         `yaml:"debug" json:"debug"`
	LoggingToFile   bool                         `yaml:"logging-to-file" json:"logging-to-file"`
	LogFilePath     string                       `yaml:"log-file-path,omitempty" json:"log-file-path,omitempty"`

	Credentials []CredentialConfig `yaml:"credentials" json:"credentials"`

	Providers       map[string]ProviderConfig   `yaml:"providers" json:"providers"`
	DefaultProvider string                      `yaml:"default-provider,omitempty" json:"default-provider,omitempty"`
	ModelMapping    map[string]ModelMappingEntry `yaml:"model-mapping,omitempty" json:"model-mapping,omitempty"`

	MaxTotalConcurrency int `yaml:"max-total-concurrency,omitempty" json:"max-total-concurrency,omitempty"`

	PoolCooldown poolcooldown.Config `yaml:"pool-cooldown,omitempty" json:"pool-cooldown,omitempty"`

	QueueMaxSize int `yaml:"queue-max-size,omitempty" json:"queue-max-size,omitempty"`

	Failover FailoverConfig `yaml:"failover" json:"failover"`

	ModelRouting RoutingConfig `yaml:"model-routing" json:"model-routing"`
}

// RuleConfig mirrors router.Rule on the wire (spec §6 modelRouting.rules).
type RuleConfig struct {
	IncomingModelGlob string `yaml:"incoming-model-glob,omitempty" json:"incoming-model-glob,omitempty"`
	HasTools          *bool  `yaml:"has-tools,omitempty" json:"has-tools,omitempty"`
	HasVision         *bool  `yaml:"has-vision,omitempty" json:"has-vision,omitempty"`
	MaxTokensGte      *int64 `yaml:"max-tokens-gte,omitempty" json:"max-tokens-gte,omitempty"`
	MessageCountGte   *int   `yaml:"message-count-gte,omitempty" json:"message-count-gte,omitempty"`
	SystemLengthGte   *int   `yaml:"system-length-gte,omitempty" json:"system-length-gte,omitempty"`
	Tier              string `yaml:"tier" json:"tier"`
}

// TierConfig mirrors router.TierConfig on the wire.
type TierConfig struct {
	Models            []string `yaml:"models" json:"models"`
	ClientModelPolicy string   `yaml:"client-model-policy,omitempty" json:"client-model-policy,omitempty"`
}

// CooldownConfig is the `modelRouting.cooldown` block (spec §6).
type CooldownConfig struct {
	BaseMs            int64   `yaml:"base-ms,omitempty" json:"base-ms,omitempty"`
	CapMs             int64   `yaml:"cap-ms,omitempty" json:"cap-ms,omitempty"`
	DecayMs           int64   `yaml:"decay-ms,omitempty" json:"decay-ms,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff-multiplier,omitempty" json:"backoff-multiplier,omitempty"`
	MaxEntries        int     `yaml:"max-entries,omitempty" json:"max-entries,omitempty"`
}

// RoutingConfig is the persisted `modelRouting` document (spec §6): the
// runtime-editable subset PUT /model-routing accepts, schema-validated,
// and written through Save's atomic rename + `.bak` (§6 persistence).
type RoutingConfig struct {
	Enabled      bool                  `yaml:"enabled" json:"enabled"`
	DefaultModel string                `yaml:"default-model,omitempty" json:"default-model,omitempty"`
	Tiers        map[string]TierConfig `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Rules        []RuleConfig          `yaml:"rules,omitempty" json:"rules,omitempty"`
	Overrides    map[string]string     `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	Cooldown     CooldownConfig        `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// ModelMappingEntry mirrors providerregistry.ModelMapping on the wire.
type ModelMappingEntry struct {
	Target   string `yaml:"target" json:"target"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// FailoverConfig is the `failover` block (spec §6, §9).
type FailoverConfig struct {
	MaxAttemptsPerRequest  int `yaml:"max-attempts-per-request,omitempty" json:"max-attempts-per-request,omitempty"`
	MaxModelSwitchesPerRequest int `yaml:"max-model-switches-per-request,omitempty" json:"max-model-switches-per-request,omitempty"`
	RequestDeadlineSeconds int `yaml:"request-deadline-seconds,omitempty" json:"request-deadline-seconds,omitempty"`
}

// NewDefault returns a Config with the same defaults used across the
// core components, so an empty/missing file still boots (spec §6).
func NewDefault() *Config {
	return &Config{
		Port:                8080,
		MaxTotalConcurrency: 200,
		QueueMaxSize:        100,
		PoolCooldown:        poolcooldown.DefaultConfig(),
		Failover: FailoverConfig{
			MaxAttemptsPerRequest:      6,
			MaxModelSwitchesPerRequest: 2,
			RequestDeadlineSeconds:     120,
		},
		ModelRouting: RoutingConfigFromRouter(router.DefaultConfig()),
	}
}

// RoutingConfigFromRouter converts a router.Config into its wire shape
// (the classifier function itself is code-level and not persisted).
func RoutingConfigFromRouter(rc router.Config) RoutingConfig {
	tiers := make(map[string]TierConfig, len(rc.Tiers))
	for tier, tc := range rc.Tiers {
		tiers[string(tier)] = TierConfig{Models: tc.Models, ClientModelPolicy: string(tc.ClientModelPolicy)}
	}
	rules := make([]RuleConfig, 0, len(rc.Rules))
	for _, rule := range rc.Rules {
		rules = append(rules, RuleConfig{
			IncomingModelGlob: rule.IncomingModelGlob,
			HasTools:          rule.HasTools,
			HasVision:         rule.HasVision,
			MaxTokensGte:      rule.MaxTokensGte,
			MessageCountGte:   rule.MessageCountGte,
			SystemLengthGte:   rule.SystemLengthGte,
			Tier:              string(rule.Tier),
		})
	}
	overrides := make(map[string]string, len(rc.Overrides))
	for k, v := range rc.Overrides {
		overrides[k] = v
	}
	return RoutingConfig{
		Enabled:      rc.Enabled,
		DefaultModel: rc.DefaultModel,
		Tiers:        tiers,
		Rules:        rules,
		Overrides:    overrides,
		Cooldown: CooldownConfig{
			BaseMs:            rc.CooldownDefaultMs,
			CapMs:             rc.CooldownMaxMs,
			DecayMs:           rc.CooldownDecayMs,
			BackoffMultiplier: rc.BackoffMultiplier,
			MaxEntries:        rc.MaxCooldownEntries,
		},
	}
}

// BuildRouterConfig converts the persisted RoutingConfig into a
// router.Config, merging in the process's classifier and warmup
// duration (neither is persisted; spec §9 "global mutable state" notes
// the router singleton's lifecycle is bounded by the process).
func BuildRouterConfig(cfg *Config, classifier router.Classifier, warmup time.Duration) router.Config {
	rc := router.DefaultConfig()
	mr := cfg.ModelRouting

	rc.Enabled = mr.Enabled
	if mr.DefaultModel != "" {
		rc.DefaultModel = mr.DefaultModel
	}
	if len(mr.Tiers) > 0 {
		tiers := make(map[router.Tier]router.TierConfig, len(mr.Tiers))
		for tier, tc := range mr.Tiers {
			tiers[router.Tier(tier)] = router.TierConfig{Models: tc.Models, ClientModelPolicy: router.ClientModelPolicy(tc.ClientModelPolicy)}
		}
		rc.Tiers = tiers
	}
	if len(mr.Rules) > 0 {
		rules := make([]router.Rule, 0, len(mr.Rules))
		for _, rule := range mr.Rules {
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
		rc.Rules = rules
	}
	rc.Overrides = make(map[string]string, len(mr.Overrides))
	for k, v := range mr.Overrides {
		rc.Overrides[k] = v
	}
	if mr.Cooldown.BaseMs > 0 {
		rc.CooldownDefaultMs = mr.Cooldown.BaseMs
	}
	if mr.Cooldown.CapMs > 0 {
		rc.CooldownMaxMs = mr.Cooldown.CapMs
	}
	if mr.Cooldown.DecayMs > 0 {
		rc.CooldownDecayMs = mr.Cooldown.DecayMs
	}
	if mr.Cooldown.BackoffMultiplier > 0 {
		rc.BackoffMultiplier = mr.Cooldown.BackoffMultiplier
	}
	if mr.Cooldown.MaxEntries > 0 {
		rc.MaxCooldownEntries = mr.Cooldown.MaxEntries
	}
	rc.MaxModelSwitches = BuildRouterMaxModelSwitches(cfg)
	rc.Classifier = classifier
	if warmup > 0 {
		rc.WarmupDuration = warmup
	}
	return rc
}

// SyncRoutingConfigFromRouter overwrites cfg.ModelRouting with rt's
// current state, called before Save so a PUT /model-routing (or an
// override/failover edit made through the admin surface) actually
// reaches disk (spec §8 "routing config survives PUT -> restart ->
// GET").
func SyncRoutingConfigFromRouter(cfg *Config, rt *router.Router) {
	cfg.ModelRouting = RoutingConfigFromRouter(rt.Config())
	cfg.Failover.MaxModelSwitchesPerRequest = rt.MaxModelSwitches()
}

// LoadOptional reads path if it exists, falling back to defaults when it
// does not (spec's config is optional-on-first-run, matching the
// teacher's LoadConfigOptional/autoInitConfig precedent).
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save persists cfg to path via a temp-file-then-rename so a reader
// never observes a partially written file, keeping one `.bak` of the
// previous contents (spec §6 persistence: atomic rename + `.bak`).
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		prev, err := os.ReadFile(path)
		if err == nil {
			_ = os.WriteFile(path+".bak", prev, 0o600)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

// ApplyEnvOverrides layers GLM_* environment variables onto cfg,
// mirroring the teacher's ApplyEnvOverrides (LLM_MUX_* -> GLM_* for this
// project, spec §6).
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnvInt("GLM_PORT"); ok {
		cfg.Port = v
		logging.Infof("port overridden by env: %d", v)
	}
	if v, ok := lookupEnvBool("GLM_DEBUG"); ok {
		cfg.Debug = v
		logging.Infof("debug overridden by env: %v", v)
	}
	if v, ok := lookupEnvBool("GLM_LOGGING_TO_FILE"); ok {
		cfg.LoggingToFile = v
		logging.Infof("logging-to-file overridden by env: %v", v)
	}
	if v, ok := os.LookupEnv("GLM_LOG_FILE_PATH"); ok && v != "" {
		cfg.LogFilePath = v
	}
	if v, ok := lookupEnvInt("GLM_MAX_TOTAL_CONCURRENCY"); ok {
		cfg.MaxTotalConcurrency = v
		logging.Infof("max-total-concurrency overridden by env: %d", v)
	}
	if v, ok := lookupEnvInt("GLM_QUEUE_MAX_SIZE"); ok {
		cfg.QueueMaxSize = v
		logging.Infof("queue-max-size overridden by env: %d", v)
	}
	if v, ok := os.LookupEnv("GLM_CREDENTIALS"); ok && v != "" {
		cfg.Credentials = nil
		for _, raw := range strings.Split(v, ",") {
			if id := strings.TrimSpace(raw); id != "" {
				cfg.Credentials = append(cfg.Credentials, CredentialConfig{ID: id, Secret: id, Weight: 1})
			}
		}
		logging.Infof("credentials overridden by env: %d entries", len(cfg.Credentials))
	}
}

func lookupEnvInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Watcher reloads the config on out-of-band file edits (spec §6 hot
// reload), calling onReload with the freshly parsed document. Mirrors
// the fsnotify usage precedent elsewhere in the pack (config/CLI tools
// that watch their own config file).
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	onReload func(*Config)
}

func WatchFile(path string, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	watcher := &Watcher{watcher: w, path: path, onReload: onReload}
	go watcher.run()
	return watcher, nil
}

func (w *Watcher) run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case <-debounce.C:
			cfg, err := LoadOptional(w.path)
			if err != nil {
				logging.WithError(err).Warn("config reload failed, keeping previous config")
				continue
			}
			ApplyEnvOverrides(cfg)
			w.onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) Close() error { return w.watcher.Close() }

// BuildProviderRegistry converts the wire ProviderConfig map into a
// providerregistry.Registry (spec §4.8).
func BuildProviderRegistry(cfg *Config) *providerregistry.Registry {
	providers := make(map[string]providerregistry.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		protocol := p.TargetProtocol
		if protocol == "" {
			protocol = "https"
		}
		providers[name] = providerregistry.Provider{
			Name:             name,
			TargetHost:       p.TargetHost,
			TargetBasePath:   p.TargetBasePath,
			TargetProtocol:   protocol,
			AuthScheme:       providerregistry.AuthScheme(p.AuthScheme),
			CustomAuthHeader: p.CustomAuthHeader,
			ExtraHeaders:     p.ExtraHeaders,
			CostTier:         p.CostTier,
		}
	}
	return providerregistry.New(providers, cfg.DefaultProvider)
}

// BuildModelMapping converts the wire mapping into providerregistry's
// shape.
func BuildModelMapping(cfg *Config) map[string]providerregistry.ModelMapping {
	out := make(map[string]providerregistry.ModelMapping, len(cfg.ModelMapping))
	for k, v := range cfg.ModelMapping {
		out[k] = providerregistry.ModelMapping{Target: v.Target, Provider: v.Provider}
	}
	return out
}

// BuildQueueMaxSize and BuildRetryControllerConfig translate the wire
// config into the core components' own Config types, keeping the YAML
// schema independent of internal package layout.
func BuildQueueMaxSize(cfg *Config) int {
	if cfg.QueueMaxSize <= 0 {
		return 100
	}
	return cfg.QueueMaxSize
}

func BuildRetryControllerConfig(cfg *Config) retrycontroller.Config {
	rc := retrycontroller.DefaultConfig()
	if cfg.Failover.MaxAttemptsPerRequest > 0 {
		rc.MaxAttemptsPerRequest = cfg.Failover.MaxAttemptsPerRequest
	}
	if cfg.Failover.RequestDeadlineSeconds > 0 {
		rc.RequestDeadline = time.Duration(cfg.Failover.RequestDeadlineSeconds) * time.Second
	}
	return rc
}

func BuildRouterMaxModelSwitches(cfg *Config) int {
	if cfg.Failover.MaxModelSwitchesPerRequest > 0 {
		return cfg.Failover.MaxModelSwitchesPerRequest
	}
	return 2
}

