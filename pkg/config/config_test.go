package config

import (
	"testing"
	"time"
)

func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	return cfg
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_RateLimiting_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.Burst = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			cfg.Server.ReadTimeout = time.Second
			cfg.Server.WriteTimeout = time.Second
			cfg.Server.ShutdownTimeout = time.Second
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_RequiresRedisHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when redis.host is empty")
	}
}

func TestValidate_RequiresJWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when auth.jwt_secret is empty")
	}
}

func TestValidate_WorkerPortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.RTCMinPort = 50000
	cfg.Worker.RTCMaxPort = 40000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when rtc_min_port >= rtc_max_port")
	}
}

func TestValidate_SideTapRequiresTranscriptionScriptWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SideTap.Enabled = true
	cfg.SideTap.TranscriptionScript = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when side_tap enabled without transcription_script")
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("JWT_SECRET", "super-secret")
	t.Setenv("JOBS_SERVICE_URL", "http://jobs.internal:4000")
	t.Setenv("PUBLIC_IP", "203.0.113.5")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Redis.Host != "redis.internal" {
		t.Errorf("expected redis host override, got %q", cfg.Redis.Host)
	}
	if cfg.Redis.Port != 6380 {
		t.Errorf("expected redis port override, got %d", cfg.Redis.Port)
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("expected jwt secret override, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.JobsService.BaseURL != "http://jobs.internal:4000" {
		t.Errorf("expected jobs service url override, got %q", cfg.JobsService.BaseURL)
	}
	if cfg.Server.PublicIP != "203.0.113.5" {
		t.Errorf("expected public ip override, got %q", cfg.Server.PublicIP)
	}
}
