// Package config loads the sqlworker configuration from the environment.
// Every variable carries the SQLWORKER_ prefix, e.g. SQLWORKER_HTTP_ADDR.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/snapshot"
	"github.com/tomyedwab/sqlworker/transport"
)

// Prefix is prepended to every environment variable name.
const Prefix = "SQLWORKER_"

// Snapshot backends.
const (
	BackendNone = "none"
	BackendSQL  = "sql"
	BackendS3   = "s3"
)

var ErrNoTransport = errors.New("config: no transport enabled")

// Config holds all sqlworker configuration.
type Config struct {
	Log       LogConfig       `envPrefix:"LOG_"`
	Engine    EngineConfig    `envPrefix:"ENGINE_"`
	Worker    WorkerConfig    `envPrefix:"WORKER_"`
	Transport TransportConfig `envPrefix:""`
	Snapshot  SnapshotConfig  `envPrefix:"SNAPSHOT_"`
	Metrics   MetricsConfig   `envPrefix:"METRICS_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `env:"LEVEL" envDefault:"info"`

	// Format is the log format (json, text)
	Format string `env:"FORMAT" envDefault:"json"`
}

// EngineConfig configures engine instantiation.
type EngineConfig struct {
	// MemoryLimitPages caps engine memory in 64KiB pages; 0 keeps the default
	MemoryLimitPages uint32 `env:"MEMORY_LIMIT_PAGES" envDefault:"0"`

	// CompilationCacheDir keeps compiled Wasm between runs
	CompilationCacheDir string `env:"COMPILATION_CACHE_DIR"`

	// Interpreter forces the wazero interpreter
	Interpreter bool `env:"INTERPRETER" envDefault:"false"`

	// RetryOnFailure lets a later request retry a failed engine load
	RetryOnFailure bool `env:"RETRY_ON_FAILURE" envDefault:"false"`
}

// WorkerConfig configures the request queue.
type WorkerConfig struct {
	QueueSize int `env:"QUEUE_SIZE" envDefault:"64"`
}

// TransportConfig groups the three transports. Any combination may be
// enabled; all of them feed the same worker.
type TransportConfig struct {
	Stdio StdioConfig `envPrefix:"STDIO_"`
	NATS  NATSConfig  `envPrefix:"NATS_"`
	HTTP  HTTPConfig  `envPrefix:"HTTP_"`
}

type StdioConfig struct {
	Enabled      bool `env:"ENABLED" envDefault:"false"`
	MaxLineBytes int  `env:"MAX_LINE_BYTES" envDefault:"67108864"`
}

type NATSConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"false"`
	URL           string        `env:"URL" envDefault:"nats://localhost:4222"`
	Name          string        `env:"NAME" envDefault:"sqlworker"`
	SubjectPrefix string        `env:"SUBJECT_PREFIX" envDefault:"sqlworker"`
	QueueGroup    string        `env:"QUEUE_GROUP"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"60"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

type HTTPConfig struct {
	Enabled      bool    `env:"ENABLED" envDefault:"true"`
	Addr         string  `env:"ADDR" envDefault:":8080"`
	JWTSecret    string  `env:"JWT_SECRET"`
	RateLimit    float64 `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst    int     `env:"RATE_BURST" envDefault:"0"`
	MaxBodyBytes int64   `env:"MAX_BODY_BYTES" envDefault:"67108864"`
}

// SnapshotConfig selects where exported images are kept.
type SnapshotConfig struct {
	// Backend is one of none, sql or s3
	Backend string `env:"BACKEND" envDefault:"none"`

	// Name is the snapshot name used by serve --restore and --save-on-exit
	Name string `env:"NAME" envDefault:"main"`

	SQL snapshot.SQLConfig `envPrefix:"SQL_"`
	S3  snapshot.S3Config  `envPrefix:"S3_"`
}

type MetricsConfig struct {
	Enabled     bool   `env:"ENABLED" envDefault:"true"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"sqlworker"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that cannot be expressed as tags.
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	switch c.Snapshot.Backend {
	case BackendNone, BackendSQL, BackendS3:
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.Snapshot.Backend)
	}
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("config: queue size must not be negative")
	}
	t := c.Transport
	if !t.Stdio.Enabled && !t.NATS.Enabled && !t.HTTP.Enabled {
		return ErrNoTransport
	}
	return nil
}

// LoadConfig returns the engine settings for the loader.
func (c EngineConfig) LoadConfig() engine.LoadConfig {
	return engine.LoadConfig{
		MemoryLimitPages:    c.MemoryLimitPages,
		CompilationCacheDir: c.CompilationCacheDir,
		Interpreter:         c.Interpreter,
	}
}

// TransportConfig returns the NATS transport settings.
func (c NATSConfig) TransportConfig() transport.NATSConfig {
	return transport.NATSConfig{
		URL:           c.URL,
		Name:          c.Name,
		SubjectPrefix: c.SubjectPrefix,
		QueueGroup:    c.QueueGroup,
		MaxReconnects: c.MaxReconnects,
		ReconnectWait: c.ReconnectWait,
		Timeout:       c.Timeout,
	}
}

// TransportConfig returns the HTTP transport settings. Metrics and logger
// are filled in by the caller.
func (c HTTPConfig) TransportConfig() transport.HTTPConfig {
	var secret []byte
	if c.JWTSecret != "" {
		secret = []byte(c.JWTSecret)
	}
	return transport.HTTPConfig{
		Addr:         c.Addr,
		JWTSecret:    secret,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}
