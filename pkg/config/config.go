package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for the confluence backend: the chat
// socket surface, the media socket surface, and everything their
// supporting components need.
type Config struct {
	Server struct {
		ChatAddress   string        `yaml:"chat_address"`
		MediaAddress  string        `yaml:"media_address"`
		HTTPAddress   string        `yaml:"http_address"`
		ReadTimeout   time.Duration `yaml:"read_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PublicIP      string        `yaml:"public_ip"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret  string        `yaml:"jwt_secret"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 30s auth timeout
	} `yaml:"auth"`

	JobsService struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"` // 5s
		MaxRetries     int           `yaml:"max_retries"`      // 3
	} `yaml:"jobs_service"`

	Worker struct {
		Count            int           `yaml:"count"` // default: logical CPU count
		SampleInterval   time.Duration `yaml:"sample_interval"` // 1000ms
		RTCMinPort       uint16        `yaml:"rtc_min_port"`
		RTCMaxPort       uint16        `yaml:"rtc_max_port"`
		WeightCPU        float64       `yaml:"weight_cpu"`
		WeightRouters    float64       `yaml:"weight_routers"`
		WeightTransports float64       `yaml:"weight_transports"`
		OverloadThreshold float64      `yaml:"overload_threshold"`
		RespawnOnDeath   bool          `yaml:"respawn_on_death"`
		RespawnDelay     time.Duration `yaml:"respawn_delay"` // 200ms
	} `yaml:"worker"`

	Lock struct {
		LeaseDuration      time.Duration `yaml:"lease_duration"`       // 10s
		ExtendThreshold    time.Duration `yaml:"extend_threshold"`     // 500ms
		MaxRetries         int           `yaml:"max_retries"`          // 10
		RetryDelay         time.Duration `yaml:"retry_delay"`          // 200ms
		RetryJitter        time.Duration `yaml:"retry_jitter"`         // ±100ms
	} `yaml:"lock"`

	Queue struct {
		IdleSweepInterval time.Duration `yaml:"idle_sweep_interval"` // 5m
		IdleTimeout       time.Duration `yaml:"idle_timeout"`        // 5m
		Attempts          int           `yaml:"attempts"`            // 5
		BackoffDelay      time.Duration `yaml:"backoff_delay"`       // 2s
		RemoveOnCompleteAge time.Duration `yaml:"remove_on_complete_age"` // 1h
		RemoveOnFailAge     time.Duration `yaml:"remove_on_fail_age"`     // 24h
		IdempotencyTTL      time.Duration `yaml:"idempotency_ttl"`        // 1h
		LockMode            string        `yaml:"lock_mode"`              // "blocking" | "try"
	} `yaml:"queue"`

	Room struct {
		RefreshInterval      time.Duration `yaml:"refresh_interval"`       // 25s
		ActiveSpeakerInterval time.Duration `yaml:"active_speaker_interval"` // 100ms
		PendingJoinTTL       time.Duration `yaml:"pending_join_ttl"`       // 60s
		InitialBitrate       int           `yaml:"initial_bitrate"`
		MaxIncomingBitrate   int           `yaml:"max_incoming_bitrate"`
	} `yaml:"room"`

	ActiveSpeaker struct {
		MaxActiveSpeakers int `yaml:"max_active_speakers"` // 10
	} `yaml:"active_speaker"`

	SideTap struct {
		Enabled         bool          `yaml:"enabled"`
		BaseDir         string        `yaml:"base_dir"` // temp/audio-segments
		TranscriptDir   string        `yaml:"transcript_dir"` // temp/transcripts
		PortRangeMin    int           `yaml:"port_range_min"` // 60000
		PortRangeMax    int           `yaml:"port_range_max"` // 65000 (exclusive)
		SegmentDuration time.Duration `yaml:"segment_duration"` // 30s
		SegmenterBinary string        `yaml:"segmenter_binary"` // ffmpeg
		TranscriptionScript string    `yaml:"transcription_script"`
		TranscriptionModel  string    `yaml:"transcription_model"`
		TranscriptionDevice string    `yaml:"transcription_device"`
		TranscriptionComputeType string `yaml:"transcription_compute_type"`
		TranscriptionLanguage    string `yaml:"transcription_language"`
		TranscriptionTimeout     time.Duration `yaml:"transcription_timeout"` // 60s
	} `yaml:"side_tap"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
		Handshake struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			Burst                int `yaml:"burst"`
		} `yaml:"handshake"`
	} `yaml:"rate_limiting"`
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.ChatAddress == "" {
		return fmt.Errorf("server.chat_address must not be empty")
	}
	if c.Server.MediaAddress == "" {
		return fmt.Errorf("server.media_address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host must not be empty")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be > 0")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.HandshakeTimeout <= 0 {
		return fmt.Errorf("auth.handshake_timeout must be > 0")
	}
	if c.JobsService.BaseURL == "" {
		return fmt.Errorf("jobs_service.base_url must not be empty")
	}
	if c.JobsService.RequestTimeout <= 0 {
		return fmt.Errorf("jobs_service.request_timeout must be > 0")
	}
	if c.Worker.RTCMinPort >= c.Worker.RTCMaxPort {
		return fmt.Errorf("worker.rtc_min_port must be < worker.rtc_max_port")
	}
	if c.Lock.LeaseDuration <= 0 {
		return fmt.Errorf("lock.lease_duration must be > 0")
	}
	if c.Lock.MaxRetries < 0 {
		return fmt.Errorf("lock.max_retries must be >= 0")
	}
	if c.ActiveSpeaker.MaxActiveSpeakers <= 0 {
		return fmt.Errorf("active_speaker.max_active_speakers must be > 0")
	}
	if c.SideTap.Enabled {
		if c.SideTap.PortRangeMin <= 0 || c.SideTap.PortRangeMax <= c.SideTap.PortRangeMin {
			return fmt.Errorf("side_tap.port_range_min/max must define a non-empty range")
		}
		if c.SideTap.TranscriptionScript == "" {
			return fmt.Errorf("side_tap.transcription_script must be set when side_tap is enabled")
		}
	}
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http settings must be > 0 when enabled")
		}
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults, then env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with this system's documented defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.ChatAddress = ":8080"
	cfg.Server.MediaAddress = ":8081"
	cfg.Server.HTTPAddress = ":8082"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = 6379
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.HandshakeTimeout = 30 * time.Second

	cfg.JobsService.BaseURL = "http://localhost:4000"
	cfg.JobsService.RequestTimeout = 5 * time.Second
	cfg.JobsService.MaxRetries = 3

	cfg.Worker.SampleInterval = 1000 * time.Millisecond
	cfg.Worker.RTCMinPort = 40000
	cfg.Worker.RTCMaxPort = 49999
	cfg.Worker.WeightCPU = 1.0
	cfg.Worker.WeightRouters = 10.0
	cfg.Worker.WeightTransports = 1.0
	cfg.Worker.OverloadThreshold = 85.0
	cfg.Worker.RespawnOnDeath = true
	cfg.Worker.RespawnDelay = 200 * time.Millisecond

	cfg.Lock.LeaseDuration = 10 * time.Second
	cfg.Lock.ExtendThreshold = 500 * time.Millisecond
	cfg.Lock.MaxRetries = 10
	cfg.Lock.RetryDelay = 200 * time.Millisecond
	cfg.Lock.RetryJitter = 100 * time.Millisecond

	cfg.Queue.IdleSweepInterval = 5 * time.Minute
	cfg.Queue.IdleTimeout = 5 * time.Minute
	cfg.Queue.Attempts = 5
	cfg.Queue.BackoffDelay = 2 * time.Second
	cfg.Queue.RemoveOnCompleteAge = 1 * time.Hour
	cfg.Queue.RemoveOnFailAge = 24 * time.Hour
	cfg.Queue.IdempotencyTTL = 1 * time.Hour
	cfg.Queue.LockMode = "blocking"

	cfg.Room.RefreshInterval = 25 * time.Second
	cfg.Room.ActiveSpeakerInterval = 100 * time.Millisecond
	cfg.Room.PendingJoinTTL = 60 * time.Second
	cfg.Room.InitialBitrate = 300_000
	cfg.Room.MaxIncomingBitrate = 1_500_000

	cfg.ActiveSpeaker.MaxActiveSpeakers = 10

	cfg.SideTap.Enabled = true
	cfg.SideTap.BaseDir = "temp/audio-segments"
	cfg.SideTap.TranscriptDir = "temp/transcripts"
	cfg.SideTap.PortRangeMin = 60000
	cfg.SideTap.PortRangeMax = 65000
	cfg.SideTap.SegmentDuration = 30 * time.Second
	cfg.SideTap.SegmenterBinary = "ffmpeg"
	cfg.SideTap.TranscriptionScript = "scripts/whisper_transcriber.py"
	cfg.SideTap.TranscriptionModel = "large-v3"
	cfg.SideTap.TranscriptionDevice = "cpu"
	cfg.SideTap.TranscriptionComputeType = "float32"
	cfg.SideTap.TranscriptionTimeout = 60 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "confluence"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.Handshake.ConnectionsPerMinute = 120
	cfg.RateLimiting.Handshake.Burst = 30

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JOBS_SERVICE_URL"); v != "" {
		c.JobsService.BaseURL = v
	}
	if v := os.Getenv("PUBLIC_IP"); v != "" {
		c.Server.PublicIP = v
	}
	if v := os.Getenv("RTC_MIN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Worker.RTCMinPort = uint16(p)
		}
	}
	if v := os.Getenv("RTC_MAX_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Worker.RTCMaxPort = uint16(p)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
