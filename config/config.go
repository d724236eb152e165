// Package config loads the daemon's operator-facing configuration
// (spec.md §6 "Configuration"), layering built-in defaults under a system
// file, a user file, and environment variables, in ascending priority. The
// struct shape follows the pack's C360Studio-semspec config package
// (config/config.go): a single root Config of nested, mapstructure-tagged
// groups plus a Default function and a Validate method. Layering itself is handled
// by spf13/viper, which none of the example repos needed (their configs
// are single-source), but which directly implements the prefixed,
// nested-separator environment override spec.md §6 requires.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/llmos-bridge/llmos-bridge/approval"
	"github.com/llmos-bridge/llmos-bridge/permission"
)

// EnvPrefix and EnvSeparator implement spec.md §6's environment override
// rule: LLMOS_SECURITY__PERMISSION_PROFILE overrides security.permission_profile.
const (
	EnvPrefix    = "LLMOS"
	EnvSeparator = "__"
)

// Config is the daemon's full configuration surface.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	Modules   ModulesConfig   `mapstructure:"modules"`
	Verifier  VerifierConfig  `mapstructure:"intent_verifier"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Engine    EngineConfig    `mapstructure:"engine"`
}

// EngineConfig selects the workflow engine backing the DAG scheduler
// (spec.md §1 "distributed mode is declared in config"). Backend "inmem"
// runs the single-node in-process engine; "temporal" connects to a
// Temporal cluster so plans survive a daemon restart mid-execution.
type EngineConfig struct {
	Backend          string `mapstructure:"backend"`
	TaskQueue        string `mapstructure:"task_queue"`
	TemporalHostPort string `mapstructure:"temporal_host_port"`
}

// ServerConfig tunes the daemon's listener and plan lifecycle.
type ServerConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Workers             int           `mapstructure:"workers"`
	SyncPlanTimeout     time.Duration `mapstructure:"sync_plan_timeout"`
	RateLimitPerMinute  int           `mapstructure:"rate_limit_per_minute"`
	MaxResultSizeBytes  int           `mapstructure:"max_result_size_bytes"`
	PlanRetentionHours  int           `mapstructure:"plan_retention_hours"`
}

// SecurityConfig tunes the permission guard, approval gate, and global
// plan caps.
type SecurityConfig struct {
	PermissionProfile      string   `mapstructure:"permission_profile"`
	RequireApprovalFor     []string `mapstructure:"require_approval_for"`
	MaxPlanActions         int      `mapstructure:"max_plan_actions"`
	MaxConcurrentPlans     int      `mapstructure:"max_concurrent_plans"`
	SandboxPaths           []string `mapstructure:"sandbox_paths"`
	ApprovalTimeoutSeconds int      `mapstructure:"approval_timeout_seconds"`
	ApprovalTimeoutBehavior string  `mapstructure:"approval_timeout_behavior"`
	// AllowedEnvVars names the process environment variables the active
	// profile exposes to template resolution's env namespace (spec.md §4.3
	// "the filtered set of env vars the profile allows"). Empty by default:
	// an operator opts individual names in.
	AllowedEnvVars []string `mapstructure:"allowed_env_vars"`
}

// ModulesConfig controls which capability modules the registry loads.
type ModulesConfig struct {
	Enabled   []string            `mapstructure:"enabled"`
	Disabled  []string            `mapstructure:"disabled"`
	Fallbacks map[string][]string `mapstructure:"fallbacks"`
}

// VerifierConfig tunes the LLM-based intent verifier.
type VerifierConfig struct {
	Enabled                 bool     `mapstructure:"enabled"`
	Strict                  bool     `mapstructure:"strict"`
	Provider                string   `mapstructure:"provider"`
	Model                   string   `mapstructure:"model"`
	TimeoutSeconds          int      `mapstructure:"timeout_seconds"`
	CacheSize               int      `mapstructure:"cache_size"`
	CacheTTLSeconds         int      `mapstructure:"cache_ttl_seconds"`
	CustomThreatCategories  []string `mapstructure:"custom_threat_categories"`
	DisabledThreatCategories []string `mapstructure:"disabled_threat_categories"`
}

// ScannerConfig tunes the heuristic scanner pipeline.
type ScannerConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	FailFast               bool     `mapstructure:"fail_fast"`
	RejectThreshold        float64  `mapstructure:"reject_threshold"`
	WarnThreshold          float64  `mapstructure:"warn_threshold"`
	HeuristicEnabled       bool     `mapstructure:"heuristic_enabled"`
	HeuristicDisabledRules []string `mapstructure:"heuristic_disabled_patterns"`
}

// ResourcesConfig carries the concurrency caps. The composition root passes
// ModuleLimits to module.NewRegistry as the per-module cap table;
// DefaultConcurrency is loaded and defaulted but not read there, so a module
// with no ModuleLimits entry is capped by its manifest's Policy.MaxConcurrent
// alone.
type ResourcesConfig struct {
	DefaultConcurrency int            `mapstructure:"default_concurrency"`
	ModuleLimits       map[string]int `mapstructure:"module_limits"`
}

// Default returns a Config populated with spec.md's stated defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8745,
			Workers:            4,
			SyncPlanTimeout:    300 * time.Second,
			RateLimitPerMinute: 120,
			MaxResultSizeBytes: 1 << 20,
			PlanRetentionHours: 168,
		},
		Security: SecurityConfig{
			PermissionProfile:      string(permission.ProfileLocalWorker),
			MaxPlanActions:         50,
			MaxConcurrentPlans:     5,
			ApprovalTimeoutSeconds: 300,
			ApprovalTimeoutBehavior: string(approval.TimeoutReject),
		},
		Verifier: VerifierConfig{
			Enabled:         true,
			TimeoutSeconds:  30,
			CacheSize:       256,
			CacheTTLSeconds: 300,
		},
		Scanner: ScannerConfig{
			Enabled:          true,
			FailFast:         true,
			RejectThreshold:  0.7,
			WarnThreshold:    0.3,
			HeuristicEnabled: true,
		},
		Resources: ResourcesConfig{
			DefaultConcurrency: 4,
		},
		Engine: EngineConfig{
			Backend:   "inmem",
			TaskQueue: "llmos-bridge",
		},
	}
}

// Load builds a Config by layering Default() under systemPath and
// userPath (either may be empty, either may not exist) and environment
// variables, per spec.md §6's ascending-priority source list.
func Load(systemPath, userPath string) (Config, error) {
	v := viper.New()

	def := Default()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(newEnvReplacer())
	v.AutomaticEnv()

	for _, path := range []string{systemPath, userPath} {
		if path == "" {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); notFound || errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("config: load %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults seeds v with every leaf of def under its mapstructure dotted
// key, so Unmarshal produces def's values for anything no file or env var
// overrides.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.workers", def.Server.Workers)
	v.SetDefault("server.sync_plan_timeout", def.Server.SyncPlanTimeout)
	v.SetDefault("server.rate_limit_per_minute", def.Server.RateLimitPerMinute)
	v.SetDefault("server.max_result_size_bytes", def.Server.MaxResultSizeBytes)
	v.SetDefault("server.plan_retention_hours", def.Server.PlanRetentionHours)

	v.SetDefault("security.permission_profile", def.Security.PermissionProfile)
	v.SetDefault("security.require_approval_for", def.Security.RequireApprovalFor)
	v.SetDefault("security.max_plan_actions", def.Security.MaxPlanActions)
	v.SetDefault("security.max_concurrent_plans", def.Security.MaxConcurrentPlans)
	v.SetDefault("security.sandbox_paths", def.Security.SandboxPaths)
	v.SetDefault("security.approval_timeout_seconds", def.Security.ApprovalTimeoutSeconds)
	v.SetDefault("security.approval_timeout_behavior", def.Security.ApprovalTimeoutBehavior)
	v.SetDefault("security.allowed_env_vars", def.Security.AllowedEnvVars)

	v.SetDefault("modules.enabled", def.Modules.Enabled)
	v.SetDefault("modules.disabled", def.Modules.Disabled)
	v.SetDefault("modules.fallbacks", def.Modules.Fallbacks)

	v.SetDefault("intent_verifier.enabled", def.Verifier.Enabled)
	v.SetDefault("intent_verifier.strict", def.Verifier.Strict)
	v.SetDefault("intent_verifier.provider", def.Verifier.Provider)
	v.SetDefault("intent_verifier.model", def.Verifier.Model)
	v.SetDefault("intent_verifier.timeout_seconds", def.Verifier.TimeoutSeconds)
	v.SetDefault("intent_verifier.cache_size", def.Verifier.CacheSize)
	v.SetDefault("intent_verifier.cache_ttl_seconds", def.Verifier.CacheTTLSeconds)
	v.SetDefault("intent_verifier.custom_threat_categories", def.Verifier.CustomThreatCategories)
	v.SetDefault("intent_verifier.disabled_threat_categories", def.Verifier.DisabledThreatCategories)

	v.SetDefault("scanner.enabled", def.Scanner.Enabled)
	v.SetDefault("scanner.fail_fast", def.Scanner.FailFast)
	v.SetDefault("scanner.reject_threshold", def.Scanner.RejectThreshold)
	v.SetDefault("scanner.warn_threshold", def.Scanner.WarnThreshold)
	v.SetDefault("scanner.heuristic_enabled", def.Scanner.HeuristicEnabled)
	v.SetDefault("scanner.heuristic_disabled_patterns", def.Scanner.HeuristicDisabledRules)

	v.SetDefault("resources.default_concurrency", def.Resources.DefaultConcurrency)
	v.SetDefault("resources.module_limits", def.Resources.ModuleLimits)

	v.SetDefault("engine.backend", def.Engine.Backend)
	v.SetDefault("engine.task_queue", def.Engine.TaskQueue)
	v.SetDefault("engine.temporal_host_port", def.Engine.TemporalHostPort)
}

func newEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", EnvSeparator)
}

// Validate enforces the handful of invariants a malformed config file or
// env var could violate before the composition root wires dependencies
// around it.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch permission.Profile(c.Security.PermissionProfile) {
	case permission.ProfileReadonly, permission.ProfileLocalWorker, permission.ProfilePowerUser, permission.ProfileUnrestricted:
	default:
		return fmt.Errorf("config: security.permission_profile %q invalid", c.Security.PermissionProfile)
	}
	switch approval.TimeoutBehavior(c.Security.ApprovalTimeoutBehavior) {
	case approval.TimeoutReject, approval.TimeoutSkip:
	default:
		return fmt.Errorf("config: security.approval_timeout_behavior %q invalid", c.Security.ApprovalTimeoutBehavior)
	}
	if c.Security.MaxConcurrentPlans <= 0 {
		return fmt.Errorf("config: security.max_concurrent_plans must be positive")
	}
	switch c.Engine.Backend {
	case "inmem":
	case "temporal":
		if c.Engine.TemporalHostPort == "" {
			return fmt.Errorf("config: engine.temporal_host_port is required when engine.backend is \"temporal\"")
		}
	default:
		return fmt.Errorf("config: engine.backend %q invalid (want \"inmem\" or \"temporal\")", c.Engine.Backend)
	}
	return nil
}
