package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/keys"
	"github.com/smtg-ai/genbatch/log"
	"gopkg.in/yaml.v3"
)

const ConfigFileName = "config.json"

const (
	DefaultProgram          = "claude"
	DefaultConcurrencyLimit = 4
	DefaultTaskTimeout      = 10 * time.Minute
	DefaultKillGrace        = 5 * time.Second
	DefaultEventHistory     = 1000

	// maxConcurrencyLimit guards against a typo launching hundreds of CLIs.
	maxConcurrencyLimit = 64
)

// Environment variable overrides. Booleans accept "true", "false", "1", "0".
const (
	// EnvConfigDir replaces ~/.genbatch as the configuration directory.
	EnvConfigDir = "GENBATCH_CONFIG_DIR"
	// EnvProgram overrides default_program.
	EnvProgram = "GENBATCH_PROGRAM"
	// EnvConcurrency overrides concurrency_limit. Range: 1-64.
	EnvConcurrency = "GENBATCH_CONCURRENCY"
	// EnvTaskTimeoutMS overrides per_task_timeout_ms.
	EnvTaskTimeoutMS = "GENBATCH_TASK_TIMEOUT_MS"
	// EnvMaxAttempts overrides retry_policy.max_attempts.
	EnvMaxAttempts = "GENBATCH_MAX_ATTEMPTS"
	// EnvDegradation overrides degradation_enabled.
	EnvDegradation = "GENBATCH_DEGRADATION"
	// EnvUsePTY overrides use_pty.
	EnvUsePTY = "GENBATCH_USE_PTY"
	// EnvWebhookURL overrides webhook_url.
	EnvWebhookURL = "GENBATCH_WEBHOOK_URL"
)

// RetryPolicyConfig is the persisted form of the retry policy.
type RetryPolicyConfig struct {
	InitialDelayMS      int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor       float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS          int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	MaxAttempts         int     `json:"max_attempts" yaml:"max_attempts"`
	Jitter              bool    `json:"jitter" yaml:"jitter"`
	RateLimitMultiplier float64 `json:"rate_limit_multiplier" yaml:"rate_limit_multiplier"`
	// FallbackOnRateLimit switches a task to its fallback command after a
	// rate-limited attempt.
	FallbackOnRateLimit bool `json:"fallback_on_rate_limit" yaml:"fallback_on_rate_limit"`
}

// CircuitBreakerConfig is the persisted form of the breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	CooldownMS       int `json:"cooldown_ms" yaml:"cooldown_ms"`
	MaxCooldownMS    int `json:"max_cooldown_ms" yaml:"max_cooldown_ms"`
}

// HeartbeatConfig is the persisted form of the health heuristics.
type HeartbeatConfig struct {
	PollIntervalMS    int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	EarlyPhaseMS      int      `json:"early_phase_ms" yaml:"early_phase_ms"`
	ActivityCeilingMS int      `json:"activity_ceiling_ms" yaml:"activity_ceiling_ms"`
	MinOutputRate     float64  `json:"min_output_rate" yaml:"min_output_rate"`
	SlowThreshold     int      `json:"slow_threshold" yaml:"slow_threshold"`
	DeadAfterMS       int      `json:"dead_after_ms" yaml:"dead_after_ms"`
	ProgressMarkers   []string `json:"progress_markers,omitempty" yaml:"progress_markers,omitempty"`
}

// Config represents the application configuration.
// Configuration is loaded from: defaults → config file → environment variables.
type Config struct {
	// DefaultProgram is the executable used by tasks that do not name one.
	DefaultProgram string `json:"default_program" yaml:"default_program"`
	// DefaultArgs are passed to DefaultProgram before the task's own args.
	DefaultArgs []string `json:"default_args,omitempty" yaml:"default_args,omitempty"`

	ConcurrencyLimit int `json:"concurrency_limit" yaml:"concurrency_limit"`
	PerTaskTimeoutMS int `json:"per_task_timeout_ms" yaml:"per_task_timeout_ms"`
	// perTaskTimeout is the computed timeout duration (internal use only)
	perTaskTimeout time.Duration

	RetryPolicy    RetryPolicyConfig    `json:"retry_policy" yaml:"retry_policy"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Heartbeat      HeartbeatConfig      `json:"heartbeat" yaml:"heartbeat"`

	DegradationEnabled bool `json:"degradation_enabled" yaml:"degradation_enabled"`
	// DegradationStrategy is "template" or "stub".
	DegradationStrategy string `json:"degradation_strategy" yaml:"degradation_strategy"`
	// PlaceholderTemplate is a text/template used by the template strategy.
	PlaceholderTemplate string `json:"placeholder_template,omitempty" yaml:"placeholder_template,omitempty"`

	UsePTY       bool `json:"use_pty" yaml:"use_pty"`
	KillGraceMS  int  `json:"kill_grace_ms" yaml:"kill_grace_ms"`
	ShareBreaker bool `json:"share_breaker" yaml:"share_breaker"`
	EventHistory int  `json:"event_history" yaml:"event_history"`

	// WebhookURL receives batch:complete and degradation:enabled events.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`

	// KeyMappings rebinds dashboard actions, e.g. {"cancel": ["x"]}.
	KeyMappings map[string][]string `json:"key_mappings,omitempty" yaml:"key_mappings,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	retry := concurrency.DefaultRetryPolicyConfig()
	breaker := concurrency.DefaultCircuitBreakerConfig()
	hb := concurrency.DefaultHeartbeatConfig()
	return &Config{
		DefaultProgram:   DefaultProgram,
		ConcurrencyLimit: DefaultConcurrencyLimit,
		PerTaskTimeoutMS: int(DefaultTaskTimeout.Milliseconds()),
		RetryPolicy: RetryPolicyConfig{
			InitialDelayMS:      int(retry.InitialDelay.Milliseconds()),
			BackoffFactor:       retry.BackoffFactor,
			MaxDelayMS:          int(retry.MaxDelay.Milliseconds()),
			MaxAttempts:         retry.MaxAttempts,
			Jitter:              retry.Jitter,
			RateLimitMultiplier: retry.RateLimitMultiplier,
			FallbackOnRateLimit: retry.FallbackOnRateLimit,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			CooldownMS:       int(breaker.Cooldown.Milliseconds()),
			MaxCooldownMS:    int(breaker.MaxCooldown.Milliseconds()),
		},
		Heartbeat: HeartbeatConfig{
			PollIntervalMS:    int(hb.PollInterval.Milliseconds()),
			EarlyPhaseMS:      int(hb.EarlyPhase.Milliseconds()),
			ActivityCeilingMS: int(hb.ActivityCeiling.Milliseconds()),
			MinOutputRate:     hb.MinOutputRate,
			SlowThreshold:     hb.SlowThreshold,
			DeadAfterMS:       int(hb.DeadAfter.Milliseconds()),
		},
		DegradationEnabled:  true,
		DegradationStrategy: "template",
		KillGraceMS:         int(DefaultKillGrace.Milliseconds()),
		EventHistory:        DefaultEventHistory,
	}
}

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Clean(dir), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".genbatch"), nil
}

// LoadConfig loads the configuration from the config directory. If it cannot
// be done, the defaults (with environment overrides) are returned.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return applyEnvironmentOverrides(validateAndApplyDefaults(DefaultConfig()))
	}

	cfg, err := LoadConfigFromFile(filepath.Join(configDir, ConfigFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			log.WarningLog.Printf("failed to load config, using defaults: %v", err)
		}
		return applyEnvironmentOverrides(validateAndApplyDefaults(DefaultConfig()))
	}
	return cfg
}

// LoadConfigFromFile loads configuration from a specific path. Files ending
// in .yaml or .yml are parsed as YAML; anything else is tried as JSON first
// and then YAML.
func LoadConfigFromFile(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		cfg = DefaultConfig()
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("failed to parse config %s (tried JSON and YAML): %w", path, err)
		}
	}

	return applyEnvironmentOverrides(validateAndApplyDefaults(cfg)), nil
}

// validateAndApplyDefaults replaces out-of-range values with defaults.
func validateAndApplyDefaults(cfg *Config) *Config {
	def := DefaultConfig()

	cfg.DefaultProgram = strings.TrimSpace(cfg.DefaultProgram)
	if cfg.DefaultProgram == "" {
		cfg.DefaultProgram = def.DefaultProgram
	}

	if cfg.ConcurrencyLimit <= 0 || cfg.ConcurrencyLimit > maxConcurrencyLimit {
		if cfg.ConcurrencyLimit > maxConcurrencyLimit {
			log.WarningLog.Printf("concurrency limit %d exceeds maximum %d, reset to default %d",
				cfg.ConcurrencyLimit, maxConcurrencyLimit, def.ConcurrencyLimit)
		}
		cfg.ConcurrencyLimit = def.ConcurrencyLimit
	}

	if cfg.PerTaskTimeoutMS <= 0 {
		cfg.PerTaskTimeoutMS = def.PerTaskTimeoutMS
	}
	cfg.perTaskTimeout = time.Duration(cfg.PerTaskTimeoutMS) * time.Millisecond

	r := &cfg.RetryPolicy
	if r.InitialDelayMS <= 0 {
		r.InitialDelayMS = def.RetryPolicy.InitialDelayMS
	}
	if r.BackoffFactor < 1 {
		r.BackoffFactor = def.RetryPolicy.BackoffFactor
	}
	if r.MaxDelayMS <= 0 {
		r.MaxDelayMS = max(def.RetryPolicy.MaxDelayMS, r.InitialDelayMS)
	}
	// The cap wins over the initial delay.
	if r.MaxDelayMS < r.InitialDelayMS {
		log.WarningLog.Printf("retry_policy.initial_delay_ms %d exceeds max_delay_ms, using %d", r.InitialDelayMS, r.MaxDelayMS)
		r.InitialDelayMS = r.MaxDelayMS
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.RetryPolicy.MaxAttempts
	}
	if r.RateLimitMultiplier < 1 {
		r.RateLimitMultiplier = 1
	}

	b := &cfg.CircuitBreaker
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if b.CooldownMS <= 0 {
		b.CooldownMS = def.CircuitBreaker.CooldownMS
	}
	if b.MaxCooldownMS < b.CooldownMS {
		b.MaxCooldownMS = b.CooldownMS
	}

	h := &cfg.Heartbeat
	if h.PollIntervalMS <= 0 {
		h.PollIntervalMS = def.Heartbeat.PollIntervalMS
	}
	if h.EarlyPhaseMS < 0 {
		h.EarlyPhaseMS = def.Heartbeat.EarlyPhaseMS
	}
	if h.ActivityCeilingMS <= 0 {
		h.ActivityCeilingMS = def.Heartbeat.ActivityCeilingMS
	}
	if h.MinOutputRate < 0 {
		h.MinOutputRate = def.Heartbeat.MinOutputRate
	}
	if h.SlowThreshold < 0 {
		h.SlowThreshold = def.Heartbeat.SlowThreshold
	}
	if h.DeadAfterMS <= 0 {
		h.DeadAfterMS = def.Heartbeat.DeadAfterMS
	}

	switch cfg.DegradationStrategy {
	case "template", "stub":
	case "":
		cfg.DegradationStrategy = def.DegradationStrategy
	default:
		log.WarningLog.Printf("unknown degradation strategy %q, using %q", cfg.DegradationStrategy, def.DegradationStrategy)
		cfg.DegradationStrategy = def.DegradationStrategy
	}

	if cfg.KillGraceMS <= 0 {
		cfg.KillGraceMS = def.KillGraceMS
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = def.EventHistory
	}
	return cfg
}

// applyEnvironmentOverrides applies GENBATCH_* variables. Invalid values are
// ignored with a warning.
func applyEnvironmentOverrides(cfg *Config) *Config {
	if program := strings.TrimSpace(os.Getenv(EnvProgram)); program != "" {
		cfg.DefaultProgram = program
	}

	if v := os.Getenv(EnvConcurrency); v != "" {
		if n, ok := parseIntEnv(EnvConcurrency, v); ok && n > 0 && n <= maxConcurrencyLimit {
			cfg.ConcurrencyLimit = n
		}
	}

	if v := os.Getenv(EnvTaskTimeoutMS); v != "" {
		if ms, ok := parseIntEnv(EnvTaskTimeoutMS, v); ok && ms > 0 {
			cfg.PerTaskTimeoutMS = ms
			cfg.perTaskTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv(EnvMaxAttempts); v != "" {
		if n, ok := parseIntEnv(EnvMaxAttempts, v); ok && n > 0 {
			cfg.RetryPolicy.MaxAttempts = n
		}
	}

	if v := os.Getenv(EnvDegradation); v != "" {
		if b, ok := parseBoolEnv(EnvDegradation, v); ok {
			cfg.DegradationEnabled = b
		}
	}

	if v := os.Getenv(EnvUsePTY); v != "" {
		if b, ok := parseBoolEnv(EnvUsePTY, v); ok {
			cfg.UsePTY = b
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvWebhookURL)); v != "" {
		cfg.WebhookURL = v
	}
	return cfg
}

func parseIntEnv(name, value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.WarningLog.Printf("ignoring %s=%q: not an integer", name, value)
		return 0, false
	}
	return n, true
}

func parseBoolEnv(name, value string) (bool, bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		log.WarningLog.Printf("ignoring %s=%q: not a boolean", name, value)
		return false, false
	}
	return b, true
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DefaultProgram) == "" {
		return fmt.Errorf("default_program must not be empty")
	}
	if c.ConcurrencyLimit <= 0 || c.ConcurrencyLimit > maxConcurrencyLimit {
		return fmt.Errorf("concurrency_limit must be between 1 and %d", maxConcurrencyLimit)
	}
	if c.PerTaskTimeoutMS <= 0 {
		return fmt.Errorf("per_task_timeout_ms must be positive")
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		return fmt.Errorf("retry_policy.max_attempts must be positive")
	}
	if c.RetryPolicy.BackoffFactor < 1 {
		return fmt.Errorf("retry_policy.backoff_factor must be at least 1")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.Heartbeat.PollIntervalMS <= 0 || c.Heartbeat.DeadAfterMS <= 0 {
		return fmt.Errorf("heartbeat poll_interval_ms and dead_after_ms must be positive")
	}
	if _, err := concurrency.CompileMarkers(c.Heartbeat.ProgressMarkers); err != nil {
		return err
	}
	if _, err := concurrency.NewPlaceholderStrategy(c.DegradationStrategy, c.PlaceholderTemplate); err != nil {
		return err
	}
	if err := keys.CheckKeyMappings(c.KeyMappings); err != nil {
		return fmt.Errorf("key_mappings: %w", err)
	}
	return nil
}

// Overrides is a partial configuration, as carried by a batch submission.
// Nil fields leave the base configuration untouched.
type Overrides struct {
	DefaultProgram      *string                  `json:"default_program,omitempty" yaml:"default_program,omitempty"`
	ConcurrencyLimit    *int                     `json:"concurrency_limit,omitempty" yaml:"concurrency_limit,omitempty"`
	PerTaskTimeoutMS    *int                     `json:"per_task_timeout_ms,omitempty" yaml:"per_task_timeout_ms,omitempty"`
	RetryPolicy         *RetryPolicyOverrides    `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	CircuitBreaker      *CircuitBreakerOverrides `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	DegradationEnabled  *bool                    `json:"degradation_enabled,omitempty" yaml:"degradation_enabled,omitempty"`
	DegradationStrategy *string                  `json:"degradation_strategy,omitempty" yaml:"degradation_strategy,omitempty"`
	UsePTY              *bool                    `json:"use_pty,omitempty" yaml:"use_pty,omitempty"`
	ProgressMarkers     []string                 `json:"progress_markers,omitempty" yaml:"progress_markers,omitempty"`
}

// RetryPolicyOverrides is the retry_policy block of Overrides.
type RetryPolicyOverrides struct {
	InitialDelayMS      *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor       *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS          *int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	MaxAttempts         *int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Jitter              *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RateLimitMultiplier *float64 `json:"rate_limit_multiplier,omitempty" yaml:"rate_limit_multiplier,omitempty"`
	FallbackOnRateLimit *bool    `json:"fallback_on_rate_limit,omitempty" yaml:"fallback_on_rate_limit,omitempty"`
}

// CircuitBreakerOverrides is the circuit_breaker block of Overrides.
type CircuitBreakerOverrides struct {
	FailureThreshold *int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	CooldownMS       *int `json:"cooldown_ms,omitempty" yaml:"cooldown_ms,omitempty"`
	MaxCooldownMS    *int `json:"max_cooldown_ms,omitempty" yaml:"max_cooldown_ms,omitempty"`
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Merge returns a copy of c with the set fields of other applied, other
// taking precedence. The result is re-validated.
func (c *Config) Merge(other *Overrides) *Config {
	merged := *c
	merged.DefaultArgs = append([]string(nil), c.DefaultArgs...)
	merged.Heartbeat.ProgressMarkers = append([]string(nil), c.Heartbeat.ProgressMarkers...)
	if other == nil {
		return &merged
	}

	setString(&merged.DefaultProgram, other.DefaultProgram)
	setInt(&merged.ConcurrencyLimit, other.ConcurrencyLimit)
	setInt(&merged.PerTaskTimeoutMS, other.PerTaskTimeoutMS)
	if r := other.RetryPolicy; r != nil {
		setInt(&merged.RetryPolicy.InitialDelayMS, r.InitialDelayMS)
		setFloat(&merged.RetryPolicy.BackoffFactor, r.BackoffFactor)
		setInt(&merged.RetryPolicy.MaxDelayMS, r.MaxDelayMS)
		setInt(&merged.RetryPolicy.MaxAttempts, r.MaxAttempts)
		setBool(&merged.RetryPolicy.Jitter, r.Jitter)
		setFloat(&merged.RetryPolicy.RateLimitMultiplier, r.RateLimitMultiplier)
		setBool(&merged.RetryPolicy.FallbackOnRateLimit, r.FallbackOnRateLimit)
	}
	if b := other.CircuitBreaker; b != nil {
		setInt(&merged.CircuitBreaker.FailureThreshold, b.FailureThreshold)
		setInt(&merged.CircuitBreaker.CooldownMS, b.CooldownMS)
		setInt(&merged.CircuitBreaker.MaxCooldownMS, b.MaxCooldownMS)
	}
	setBool(&merged.DegradationEnabled, other.DegradationEnabled)
	setString(&merged.DegradationStrategy, other.DegradationStrategy)
	setBool(&merged.UsePTY, other.UsePTY)
	if len(other.ProgressMarkers) > 0 {
		merged.Heartbeat.ProgressMarkers = append([]string(nil), other.ProgressMarkers...)
	}
	return validateAndApplyDefaults(&merged)
}

// GetTaskTimeout returns the per-task timeout as a time.Duration
func (c *Config) GetTaskTimeout() time.Duration {
	if c.perTaskTimeout == 0 {
		return time.Duration(c.PerTaskTimeoutMS) * time.Millisecond
	}
	return c.perTaskTimeout
}

// GetKillGrace returns the SIGTERM to SIGKILL grace period.
func (c *Config) GetKillGrace() time.Duration {
	return time.Duration(c.KillGraceMS) * time.Millisecond
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ToOrchestratorConfig converts the persisted settings into engine settings.
func (c *Config) ToOrchestratorConfig() (*concurrency.OrchestratorConfig, error) {
	strategy, err := concurrency.NewPlaceholderStrategy(c.DegradationStrategy, c.PlaceholderTemplate)
	if err != nil {
		return nil, err
	}
	markers := c.Heartbeat.ProgressMarkers
	if len(markers) == 0 {
		markers = concurrency.DefaultProgressMarkers
	}
	return &concurrency.OrchestratorConfig{
		ConcurrencyLimit: c.ConcurrencyLimit,
		TaskTimeout:      c.GetTaskTimeout(),
		Retry: concurrency.RetryPolicyConfig{
			InitialDelay:        ms(c.RetryPolicy.InitialDelayMS),
			BackoffFactor:       c.RetryPolicy.BackoffFactor,
			MaxDelay:            ms(c.RetryPolicy.MaxDelayMS),
			MaxAttempts:         c.RetryPolicy.MaxAttempts,
			Jitter:              c.RetryPolicy.Jitter,
			RateLimitMultiplier: c.RetryPolicy.RateLimitMultiplier,
			FallbackOnRateLimit: c.RetryPolicy.FallbackOnRateLimit,
		},
		Breaker: concurrency.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			Cooldown:         ms(c.CircuitBreaker.CooldownMS),
			MaxCooldown:      ms(c.CircuitBreaker.MaxCooldownMS),
		},
		Heartbeat: concurrency.HeartbeatConfig{
			PollInterval:    ms(c.Heartbeat.PollIntervalMS),
			EarlyPhase:      ms(c.Heartbeat.EarlyPhaseMS),
			ActivityCeiling: ms(c.Heartbeat.ActivityCeilingMS),
			MinOutputRate:   c.Heartbeat.MinOutputRate,
			SlowThreshold:   c.Heartbeat.SlowThreshold,
			DeadAfter:       ms(c.Heartbeat.DeadAfterMS),
			Markers:         markers,
		},
		DegradationEnabled: c.DegradationEnabled,
		Placeholder:        strategy,
		ShareBreaker:       c.ShareBreaker,
		EventHistory:       c.EventHistory,
	}, nil
}

// LauncherConfig returns the process launcher settings.
func (c *Config) LauncherConfig() concurrency.LauncherConfig {
	markers := c.Heartbeat.ProgressMarkers
	if len(markers) == 0 {
		markers = concurrency.DefaultProgressMarkers
	}
	return concurrency.LauncherConfig{
		UsePTY:    c.UsePTY,
		KillGrace: c.GetKillGrace(),
		Markers:   markers,
	}
}

// SaveConfig writes the configuration to the config directory.
func SaveConfig(cfg *Config) (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	path := filepath.Join(configDir, ConfigFileName)
	return path, SaveConfigTo(cfg, path)
}

// SaveConfigTo writes the configuration to path, as YAML when the extension
// says so and as indented JSON otherwise.
func SaveConfigTo(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return WriteFileAtomic(path, data, 0644)
}
