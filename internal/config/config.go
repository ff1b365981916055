// Package config loads renderd settings from defaults, an optional YAML file
// and environment variables, in that order of precedence (env wins).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"renderq/internal/pkg/errors"
)

// FileEnv names the variable pointing at the optional YAML config file.
const FileEnv = "RENDERQ_CONFIG"

// Limits holds the admission and scheduling knobs.
type Limits struct {
	MaxQueueSize         int `yaml:"max_queue_size"`
	UserQueueCap         int `yaml:"user_queue_cap"`
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`
	WindowMS             int `yaml:"window_ms"`
	MaxConcurrent        int `yaml:"max_concurrent"`
	MaxProcessingTimeMS  int `yaml:"max_processing_time_ms"`
	DispatchDelayMS      int `yaml:"dispatch_delay_ms"`
}

// PoolConfig controls the rendering backend slot.
type PoolConfig struct {
	IdleTimeoutMS    int `yaml:"idle_timeout_ms"`
	InitTimeoutMS    int `yaml:"init_timeout_ms"`
	ReaperIntervalMS int `yaml:"reaper_interval_ms"`
}

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	Provider  string `yaml:"provider"`
	LocalRoot string `yaml:"local_root"`

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
	S3Region    string `yaml:"s3_region"`

	GDriveClientID     string `yaml:"gdrive_client_id"`
	GDriveClientSecret string `yaml:"gdrive_client_secret"`
	GDriveRefreshToken string `yaml:"gdrive_refresh_token"`
	GDriveFolderID     string `yaml:"gdrive_folder_id"`
}

// Config is the full renderd configuration.
type Config struct {
	Limits  Limits        `yaml:"limits"`
	Pool    PoolConfig    `yaml:"pool"`
	Storage StorageConfig `yaml:"storage"`

	ReaperIntervalMS int `yaml:"reaper_interval_ms"`

	HTTPPort      string  `yaml:"http_port"`
	HTTPRateRPS   float64 `yaml:"http_rate_rps"`
	HTTPRateBurst int     `yaml:"http_rate_burst"`

	RendererBaseURL string `yaml:"renderer_base_url"`

	RedisAddr           string `yaml:"redis_addr"`
	IntakeQueueName     string `yaml:"intake_queue_name"`
	NotifyChannelPrefix string `yaml:"notify_channel_prefix"`

	DatabaseURL string `yaml:"database_url"`

	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Limits: Limits{
			MaxQueueSize:         100,
			UserQueueCap:         2,
			MaxRequestsPerWindow: 3,
			WindowMS:             60_000,
			MaxConcurrent:        1,
			MaxProcessingTimeMS:  30_000,
			DispatchDelayMS:      100,
		},
		Pool: PoolConfig{
			IdleTimeoutMS: 5 * 60_000,
			InitTimeoutMS: 30_000,
		},
		Storage: StorageConfig{
			Provider:  "localfs",
			LocalRoot: "/data",
		},
		ReaperIntervalMS:    60_000,
		HTTPPort:            "8080",
		HTTPRateRPS:         20,
		HTTPRateBurst:       40,
		IntakeQueueName:     "renderq:submissions",
		NotifyChannelPrefix: "renderq:notify",
		ShutdownTimeoutMS:   30_000,
	}
}

// Load builds the configuration from defaults, the file named by
// RENDERQ_CONFIG (if any) and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := Env(FileEnv, ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "config.load", "cannot read config file "+path)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "config.load", "cannot parse config file "+path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_QUEUE_SIZE", &c.Limits.MaxQueueSize},
		{"USER_QUEUE_CAP", &c.Limits.UserQueueCap},
		{"MAX_REQUESTS_PER_WINDOW", &c.Limits.MaxRequestsPerWindow},
		{"WINDOW_MS", &c.Limits.WindowMS},
		{"MAX_CONCURRENT", &c.Limits.MaxConcurrent},
		{"MAX_PROCESSING_TIME_MS", &c.Limits.MaxProcessingTimeMS},
		{"DISPATCH_DELAY_MS", &c.Limits.DispatchDelayMS},
		{"IDLE_TIMEOUT_MS", &c.Pool.IdleTimeoutMS},
		{"POOL_INIT_TIMEOUT_MS", &c.Pool.InitTimeoutMS},
		{"POOL_REAPER_INTERVAL_MS", &c.Pool.ReaperIntervalMS},
		{"REAPER_INTERVAL_MS", &c.ReaperIntervalMS},
		{"HTTP_RATE_BURST", &c.HTTPRateBurst},
		{"SHUTDOWN_TIMEOUT_MS", &c.ShutdownTimeoutMS},
	}
	for _, it := range ints {
		v, err := IntEnv(it.key, *it.dst)
		if err != nil {
			return err
		}
		*it.dst = v
	}

	// IDLE_TIMEOUT accepts a Go duration ("5m") as an alternative to IDLE_TIMEOUT_MS.
	if raw := Env("IDLE_TIMEOUT", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeValidation, "config.load", "invalid IDLE_TIMEOUT")
		}
		c.Pool.IdleTimeoutMS = int(d / time.Millisecond)
	}

	if raw := Env("HTTP_RATE_RPS", ""); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeValidation, "config.load", "invalid HTTP_RATE_RPS")
		}
		c.HTTPRateRPS = v
	}

	c.HTTPPort = Env("HTTP_PORT", c.HTTPPort)
	c.RendererBaseURL = Env("RENDERER_HTTP_BASEURL", c.RendererBaseURL)
	c.RedisAddr = Env("REDIS_ADDR", c.RedisAddr)
	c.IntakeQueueName = Env("INTAKE_QUEUE_NAME", c.IntakeQueueName)
	c.NotifyChannelPrefix = Env("NOTIFY_CHANNEL_PREFIX", c.NotifyChannelPrefix)
	c.DatabaseURL = Env("DATABASE_URL", c.DatabaseURL)

	s := &c.Storage
	s.Provider = Env("STORAGE_PROVIDER", s.Provider)
	s.LocalRoot = Env("STORAGE_LOCAL_ROOT", s.LocalRoot)
	s.S3Endpoint = Env("S3_ENDPOINT", s.S3Endpoint)
	s.S3Bucket = Env("S3_BUCKET", s.S3Bucket)
	s.S3AccessKey = Env("S3_ACCESS_KEY", s.S3AccessKey)
	s.S3SecretKey = Env("S3_SECRET_KEY", s.S3SecretKey)
	s.S3Region = Env("S3_REGION", s.S3Region)
	s.S3UseSSL = BoolEnv("S3_USE_SSL", s.S3UseSSL)
	s.GDriveClientID = Env("GDRIVE_CLIENT_ID", s.GDriveClientID)
	s.GDriveClientSecret = Env("GDRIVE_CLIENT_SECRET", s.GDriveClientSecret)
	s.GDriveRefreshToken = Env("GDRIVE_REFRESH_TOKEN", s.GDriveRefreshToken)
	s.GDriveFolderID = Env("GDRIVE_FOLDER_ID", s.GDriveFolderID)

	return nil
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"MAX_QUEUE_SIZE", c.Limits.MaxQueueSize},
		{"USER_QUEUE_CAP", c.Limits.UserQueueCap},
		{"MAX_REQUESTS_PER_WINDOW", c.Limits.MaxRequestsPerWindow},
		{"WINDOW_MS", c.Limits.WindowMS},
		{"MAX_CONCURRENT", c.Limits.MaxConcurrent},
		{"MAX_PROCESSING_TIME_MS", c.Limits.MaxProcessingTimeMS},
		{"IDLE_TIMEOUT_MS", c.Pool.IdleTimeoutMS},
		{"POOL_INIT_TIMEOUT_MS", c.Pool.InitTimeoutMS},
		{"REAPER_INTERVAL_MS", c.ReaperIntervalMS},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Newf(errors.CodeValidation, "config: %s must be positive, got %d", p.name, p.v)
		}
	}
	if c.Limits.DispatchDelayMS < 0 {
		return errors.Newf(errors.CodeValidation, "config: DISPATCH_DELAY_MS must not be negative, got %d", c.Limits.DispatchDelayMS)
	}
	if strings.TrimSpace(c.RendererBaseURL) == "" {
		return errors.New(errors.CodeValidation, "config: RENDERER_HTTP_BASEURL is required")
	}
	switch c.Storage.Provider {
	case "localfs", "s3", "gdrive":
	default:
		return errors.Newf(errors.CodeValidation, "config: unknown storage provider: %s", c.Storage.Provider)
	}
	return nil
}

// Window returns the rate-limit sliding window.
func (c Config) Window() time.Duration { return ms(c.Limits.WindowMS) }

// MaxProcessingTime returns the soft per-job deadline.
func (c Config) MaxProcessingTime() time.Duration { return ms(c.Limits.MaxProcessingTimeMS) }

// DispatchDelay returns the pause between a completion and the next dispatch.
func (c Config) DispatchDelay() time.Duration { return ms(c.Limits.DispatchDelayMS) }

// IdleTimeout returns the pool eviction threshold.
func (c Config) IdleTimeout() time.Duration { return ms(c.Pool.IdleTimeoutMS) }

// PoolInitTimeout bounds backend construction.
func (c Config) PoolInitTimeout() time.Duration { return ms(c.Pool.InitTimeoutMS) }

// ReaperInterval returns the rate-window sweep cadence.
func (c Config) ReaperInterval() time.Duration { return ms(c.ReaperIntervalMS) }

// PoolReaperInterval returns the idle-eviction sweep cadence, which falls
// back to ReaperInterval.
func (c Config) PoolReaperInterval() time.Duration {
	if c.Pool.ReaperIntervalMS > 0 {
		return ms(c.Pool.ReaperIntervalMS)
	}
	return c.ReaperInterval()
}

// ShutdownTimeout bounds the whole teardown sequence.
func (c Config) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
