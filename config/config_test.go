package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()

	exitCode := m.Run()
	os.Exit(exitCode)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultProgram, cfg.DefaultProgram)
	assert.Equal(t, 4, cfg.ConcurrencyLimit)
	assert.Equal(t, DefaultTaskTimeout, cfg.GetTaskTimeout())
	assert.Equal(t, 3, cfg.RetryPolicy.MaxAttempts)
	assert.Equal(t, 1000, cfg.RetryPolicy.InitialDelayMS)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 180000, cfg.Heartbeat.DeadAfterMS)
	assert.True(t, cfg.DegradationEnabled)
	assert.Equal(t, "template", cfg.DegradationStrategy)
}

func TestGetConfigDir(t *testing.T) {
	t.Run("honors override", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvConfigDir, dir)
		got, err := GetConfigDir()
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("defaults to home", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "")
		home := t.TempDir()
		t.Setenv("HOME", home)
		got, err := GetConfigDir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".genbatch"), got)
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"default_program": "aider",
			"concurrency_limit": 8,
			"retry_policy": {"max_attempts": 5, "initial_delay_ms": 250},
			"degradation_enabled": false
		}`), 0644))

		cfg, err := LoadConfigFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "aider", cfg.DefaultProgram)
		assert.Equal(t, 8, cfg.ConcurrencyLimit)
		assert.Equal(t, 5, cfg.RetryPolicy.MaxAttempts)
		assert.Equal(t, 250, cfg.RetryPolicy.InitialDelayMS)
		assert.False(t, cfg.DegradationEnabled)
		// unspecified values keep their defaults
		assert.Equal(t, 2.0, cfg.RetryPolicy.BackoffFactor)
		assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	})

	t.Run("yaml by extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "genbatch.yaml")
		require.NoError(t, os.WriteFile(path, []byte("concurrency_limit: 2\nheartbeat:\n  dead_after_ms: 1000\n  progress_markers:\n    - \"(?i)step \\\\d+\"\n"), 0644))

		cfg, err := LoadConfigFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.ConcurrencyLimit)
		assert.Equal(t, 1000, cfg.Heartbeat.DeadAfterMS)
		assert.Equal(t, []string{`(?i)step \d+`}, cfg.Heartbeat.ProgressMarkers)
	})

	t.Run("yaml fallback for unknown extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.conf")
		require.NoError(t, os.WriteFile(path, []byte("concurrency_limit: 3\n"), 0644))

		cfg, err := LoadConfigFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.ConcurrencyLimit)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{not: [valid"), 0644))
		_, err := LoadConfigFromFile(path)
		assert.Error(t, err)
	})
}

func TestValidateAndApplyDefaults(t *testing.T) {
	cfg := &Config{
		DefaultProgram:      "  ",
		ConcurrencyLimit:    1000,
		PerTaskTimeoutMS:    -1,
		RetryPolicy:         RetryPolicyConfig{BackoffFactor: 0.5, RateLimitMultiplier: 0},
		CircuitBreaker:      CircuitBreakerConfig{CooldownMS: 5000, MaxCooldownMS: 10},
		DegradationStrategy: "psychic",
	}
	cfg = validateAndApplyDefaults(cfg)
	def := DefaultConfig()

	assert.Equal(t, def.DefaultProgram, cfg.DefaultProgram)
	assert.Equal(t, def.ConcurrencyLimit, cfg.ConcurrencyLimit)
	assert.Equal(t, def.PerTaskTimeoutMS, cfg.PerTaskTimeoutMS)
	assert.Equal(t, def.RetryPolicy.BackoffFactor, cfg.RetryPolicy.BackoffFactor)
	assert.Equal(t, 1.0, cfg.RetryPolicy.RateLimitMultiplier)
	assert.Equal(t, 5000, cfg.CircuitBreaker.MaxCooldownMS)
	assert.Equal(t, "template", cfg.DegradationStrategy)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid values",
			env: map[string]string{
				EnvProgram:       "codex",
				EnvConcurrency:   "12",
				EnvTaskTimeoutMS: "30000",
				EnvMaxAttempts:   "7",
				EnvDegradation:   "false",
				EnvUsePTY:        "1",
				EnvWebhookURL:    "https://hooks.example.com/x",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "codex", cfg.DefaultProgram)
				assert.Equal(t, 12, cfg.ConcurrencyLimit)
				assert.Equal(t, 30*time.Second, cfg.GetTaskTimeout())
				assert.Equal(t, 7, cfg.RetryPolicy.MaxAttempts)
				assert.False(t, cfg.DegradationEnabled)
				assert.True(t, cfg.UsePTY)
				assert.Equal(t, "https://hooks.example.com/x", cfg.WebhookURL)
			},
		},
		{
			name: "invalid values ignored",
			env: map[string]string{
				EnvConcurrency:   "lots",
				EnvTaskTimeoutMS: "-5",
				EnvDegradation:   "maybe",
			},
			check: func(t *testing.T, cfg *Config) {
				def := DefaultConfig()
				assert.Equal(t, def.ConcurrencyLimit, cfg.ConcurrencyLimit)
				assert.Equal(t, def.PerTaskTimeoutMS, cfg.PerTaskTimeoutMS)
				assert.True(t, cfg.DegradationEnabled)
			},
		},
		{
			name: "concurrency above maximum ignored",
			env:  map[string]string{EnvConcurrency: "65"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultConcurrencyLimit, cfg.ConcurrencyLimit)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, applyEnvironmentOverrides(validateAndApplyDefaults(DefaultConfig())))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)

	t.Run("defaults when no file", func(t *testing.T) {
		cfg := LoadConfig()
		assert.Equal(t, DefaultConcurrencyLimit, cfg.ConcurrencyLimit)
		_, err := os.Stat(filepath.Join(dir, ConfigFileName))
		assert.True(t, os.IsNotExist(err), "loading must not create the file")
	})

	t.Run("reads saved file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ConcurrencyLimit = 6
		cfg.ShareBreaker = true
		path, err := SaveConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, ConfigFileName), path)

		loaded := LoadConfig()
		assert.Equal(t, 6, loaded.ConcurrencyLimit)
		assert.True(t, loaded.ShareBreaker)
	})

	t.Run("environment beats file", func(t *testing.T) {
		t.Setenv(EnvConcurrency, "2")
		assert.Equal(t, 2, LoadConfig().ConcurrencyLimit)
	})
}

func TestSaveConfigTo(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"nested/config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			cfg := DefaultConfig()
			cfg.DefaultArgs = []string{"-p", "--output-format", "json"}
			require.NoError(t, SaveConfigTo(cfg, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

			loaded, err := LoadConfigFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.DefaultArgs, loaded.DefaultArgs)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must be cleaned up")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty program", func(c *Config) { c.DefaultProgram = "" }},
		{"zero concurrency", func(c *Config) { c.ConcurrencyLimit = 0 }},
		{"negative timeout", func(c *Config) { c.PerTaskTimeoutMS = -1 }},
		{"no attempts", func(c *Config) { c.RetryPolicy.MaxAttempts = 0 }},
		{"shrinking backoff", func(c *Config) { c.RetryPolicy.BackoffFactor = 0.5 }},
		{"zero threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }},
		{"zero poll", func(c *Config) { c.Heartbeat.PollIntervalMS = 0 }},
		{"bad marker", func(c *Config) { c.Heartbeat.ProgressMarkers = []string{"(unclosed"} }},
		{"bad template", func(c *Config) { c.PlaceholderTemplate = "{{.Missing" }},
		{"unknown strategy", func(c *Config) { c.DegradationStrategy = "psychic" }},
		{"unknown key action", func(c *Config) { c.KeyMappings = map[string][]string{"launch": {"l"}} }},
		{"conflicting keys", func(c *Config) { c.KeyMappings = map[string][]string{"detach": {"q"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.Heartbeat.ProgressMarkers = []string{"base"}

	t.Run("nil overrides copy", func(t *testing.T) {
		merged := base.Merge(nil)
		assert.Equal(t, base.ConcurrencyLimit, merged.ConcurrencyLimit)
		merged.Heartbeat.ProgressMarkers[0] = "changed"
		assert.Equal(t, "base", base.Heartbeat.ProgressMarkers[0])
	})

	t.Run("set fields win", func(t *testing.T) {
		var o Overrides
		require.NoError(t, json.Unmarshal([]byte(`{
			"concurrency_limit": 2,
			"retry_policy": {"max_attempts": 1, "backoff_factor": 3, "max_delay_ms": 400, "initial_delay_ms": 50},
			"circuit_breaker": {"failure_threshold": 2, "cooldown_ms": 1234},
			"degradation_enabled": false,
			"degradation_strategy": "stub",
			"use_pty": true,
			"progress_markers": ["custom"]
		}`), &o))

		merged := base.Merge(&o)
		assert.Equal(t, 2, merged.ConcurrencyLimit)
		assert.Equal(t, 1, merged.RetryPolicy.MaxAttempts)
		assert.Equal(t, 3.0, merged.RetryPolicy.BackoffFactor)
		assert.Equal(t, 400, merged.RetryPolicy.MaxDelayMS)
		assert.Equal(t, 50, merged.RetryPolicy.InitialDelayMS)
		assert.Equal(t, 2, merged.CircuitBreaker.FailureThreshold)
		assert.Equal(t, 1234, merged.CircuitBreaker.CooldownMS)
		assert.Equal(t, base.CircuitBreaker.MaxCooldownMS, merged.CircuitBreaker.MaxCooldownMS)
		assert.Equal(t, base.RetryPolicy.Jitter, merged.RetryPolicy.Jitter)
		assert.False(t, merged.DegradationEnabled)
		assert.Equal(t, "stub", merged.DegradationStrategy)
		assert.True(t, merged.UsePTY)
		assert.Equal(t, []string{"custom"}, merged.Heartbeat.ProgressMarkers)
		// untouched
		assert.Equal(t, base.PerTaskTimeoutMS, merged.PerTaskTimeoutMS)
		assert.True(t, base.DegradationEnabled)
	})

	t.Run("invalid override falls back to default", func(t *testing.T) {
		zero := 0
		merged := base.Merge(&Overrides{ConcurrencyLimit: &zero})
		assert.Equal(t, DefaultConcurrencyLimit, merged.ConcurrencyLimit)
	})

	t.Run("max delay caps initial delay", func(t *testing.T) {
		maxDelay := 400
		merged := base.Merge(&Overrides{RetryPolicy: &RetryPolicyOverrides{MaxDelayMS: &maxDelay}})
		assert.Equal(t, 400, merged.RetryPolicy.MaxDelayMS)
		assert.Equal(t, 400, merged.RetryPolicy.InitialDelayMS)

		oc, err := merged.ToOrchestratorConfig()
		require.NoError(t, err)
		assert.Equal(t, 400*time.Millisecond, oc.Retry.MaxDelay)
	})
}

func TestToOrchestratorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConcurrencyLimit = 3
	cfg.PerTaskTimeoutMS = 2000
	cfg.RetryPolicy.InitialDelayMS = 100
	cfg.CircuitBreaker.CooldownMS = 1500
	cfg.Heartbeat.DeadAfterMS = 9000
	cfg.DegradationStrategy = "stub"
	cfg.ShareBreaker = true

	oc, err := cfg.ToOrchestratorConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, oc.ConcurrencyLimit)
	assert.Equal(t, 2*time.Second, oc.TaskTimeout)
	assert.Equal(t, 100*time.Millisecond, oc.Retry.InitialDelay)
	assert.Equal(t, 1500*time.Millisecond, oc.Breaker.Cooldown)
	assert.Equal(t, 9*time.Second, oc.Heartbeat.DeadAfter)
	assert.Equal(t, concurrency.DefaultProgressMarkers, oc.Heartbeat.Markers)
	assert.Equal(t, "stub", oc.Placeholder.Name())
	assert.True(t, oc.ShareBreaker)

	lc := cfg.LauncherConfig()
	assert.Equal(t, DefaultKillGrace, lc.KillGrace)
	assert.False(t, lc.UsePTY)

	cfg.PlaceholderTemplate = "{{"
	cfg.DegradationStrategy = "template"
	_, err = cfg.ToOrchestratorConfig()
	assert.Error(t, err)
}
