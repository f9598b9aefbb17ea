package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RetryStrategy selects how the delay between fetch attempts grows.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryFixedDelay  RetryStrategy = "fixed_delay"
)

func (s RetryStrategy) Valid() bool {
	switch s {
	case RetryNone, RetryLinear, RetryExponential, RetryFixedDelay:
		return true
	}
	return false
}

// Behavior groups the per-download knobs. Engine-wide defaults live in the
// environment; per-source overrides are merged on top via BehaviorFor.
type Behavior struct {
	Timeout            time.Duration `split_words:"true" default:"2m"`
	ChunkSize          int64         `split_words:"true" default:"32768"`
	MaxRetries         int           `split_words:"true" default:"3"`
	RetryStrategy      RetryStrategy `split_words:"true" default:"exponential"`
	RetryDelay         time.Duration `split_words:"true" default:"1s"`
	RetryBackoffFactor float64       `split_words:"true" default:"2.0"`
	OverwriteExisting  bool          `split_words:"true" default:"false"`
	VerifyChecksums    bool          `split_words:"true" default:"true"`
	VerifyFileSize     bool          `split_words:"true" default:"true"`
}

// Duration is a time.Duration that unmarshals from JSON either as a Go
// duration string ("90s", "2m") or as a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds, got %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SourceSettings is the partial override bag for one source. Nil fields keep
// the engine-wide default; unknown JSON keys are ignored.
type SourceSettings struct {
	Timeout            *Duration         `json:"timeout,omitempty"`
	ChunkSize          *int64            `json:"chunk_size,omitempty"`
	MaxRetries         *int              `json:"max_retries,omitempty"`
	RetryStrategy      *RetryStrategy    `json:"retry_strategy,omitempty"`
	RetryDelay         *Duration         `json:"retry_delay,omitempty"`
	RetryBackoffFactor *float64          `json:"retry_backoff_factor,omitempty"`
	OverwriteExisting  *bool             `json:"overwrite_existing,omitempty"`
	VerifyChecksums    *bool             `json:"verify_checksums,omitempty"`
	VerifyFileSize     *bool             `json:"verify_file_size,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Token              string            `json:"token,omitempty"`
}

// Config struct for environment variables.
type Config struct {
	DownloadDir            string            `envconfig:"DOWNLOAD_DIR" required:"true"`
	TempDir                string            `envconfig:"TEMP_DIR"`
	MaxConcurrentDownloads int               `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	QueueSizeLimit         int               `envconfig:"QUEUE_SIZE_LIMIT" default:"100"`
	MaxTaskRetries         int               `envconfig:"MAX_TASK_RETRIES" default:"1"`
	MinFreeSpaceMB         uint64            `envconfig:"MIN_FREE_SPACE_MB" default:"512"`
	UserAgent              string            `envconfig:"USER_AGENT" default:"ripstream/1.0"`
	SessionTimeout         time.Duration     `envconfig:"SESSION_TIMEOUT" default:"90s"`
	VerifySSL              bool              `envconfig:"VERIFY_SSL" default:"true"`
	EnableCompression      bool              `envconfig:"ENABLE_COMPRESSION" default:"true"`
	CustomHeaders          map[string]string `envconfig:"CUSTOM_HEADERS"`
	SourceSettingsJSON     string            `envconfig:"SOURCE_SETTINGS"`
	KeepPartialFor         time.Duration     `envconfig:"KEEP_PARTIAL_FOR" default:"24h"`
	CleanupInterval        time.Duration     `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel               string            `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL      string            `envconfig:"DISCORD_WEBHOOK_URL"`

	Behavior Behavior

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `envconfig:"SERVICE_NAME" default:"ripstream"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	sources map[string]SourceSettings
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.TempDir == "" {
		cfg.TempDir = cfg.DownloadDir
	}

	if !cfg.Behavior.RetryStrategy.Valid() {
		return nil, fmt.Errorf("unknown retry strategy %q", cfg.Behavior.RetryStrategy)
	}

	if cfg.SourceSettingsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.SourceSettingsJSON), &cfg.sources); err != nil {
			return nil, fmt.Errorf("error parsing SOURCE_SETTINGS: %w", err)
		}
	}

	return &cfg, nil
}

// SetSourceSettings registers or replaces the override bag for source.
func (c *Config) SetSourceSettings(source string, s SourceSettings) {
	if c.sources == nil {
		c.sources = make(map[string]SourceSettings)
	}
	c.sources[source] = s
}

// BehaviorFor returns the effective behavior for source: the engine-wide
// defaults with the source's override bag applied field by field.
func (c *Config) BehaviorFor(source string) Behavior {
	b := c.Behavior

	o, ok := c.sources[source]
	if !ok {
		return b
	}

	if o.Timeout != nil {
		b.Timeout = o.Timeout.Std()
	}
	if o.ChunkSize != nil {
		b.ChunkSize = *o.ChunkSize
	}
	if o.MaxRetries != nil {
		b.MaxRetries = *o.MaxRetries
	}
	if o.RetryStrategy != nil && o.RetryStrategy.Valid() {
		b.RetryStrategy = *o.RetryStrategy
	}
	if o.RetryDelay != nil {
		b.RetryDelay = o.RetryDelay.Std()
	}
	if o.RetryBackoffFactor != nil {
		b.RetryBackoffFactor = *o.RetryBackoffFactor
	}
	if o.OverwriteExisting != nil {
		b.OverwriteExisting = *o.OverwriteExisting
	}
	if o.VerifyChecksums != nil {
		b.VerifyChecksums = *o.VerifyChecksums
	}
	if o.VerifyFileSize != nil {
		b.VerifyFileSize = *o.VerifyFileSize
	}

	return b
}

// HeadersFor merges the global custom headers with the source's own headers;
// the source wins on conflicts.
func (c *Config) HeadersFor(source string) map[string]string {
	merged := make(map[string]string, len(c.CustomHeaders))
	for k, v := range c.CustomHeaders {
		merged[k] = v
	}
	if o, ok := c.sources[source]; ok {
		for k, v := range o.Headers {
			merged[k] = v
		}
	}
	return merged
}

// TokenFor returns the bearer token configured for source, if any.
func (c *Config) TokenFor(source string) string {
	return c.sources[source].Token
}

// MinFreeSpaceBytes converts the configured free-space buffer to bytes.
func (c *Config) MinFreeSpaceBytes() uint64 {
	return c.MinFreeSpaceMB * 1024 * 1024
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
