package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 64, cfg.Worker.QueueSize)
	assert.False(t, cfg.Engine.RetryOnFailure)
	assert.True(t, cfg.Transport.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.Transport.HTTP.Addr)
	assert.False(t, cfg.Transport.NATS.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Transport.NATS.ReconnectWait)
	assert.Equal(t, BackendNone, cfg.Snapshot.Backend)
	assert.Equal(t, "snapshots.db", cfg.Snapshot.SQL.Path)
	assert.Equal(t, "snapshots", cfg.Snapshot.S3.Prefix)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"SQLWORKER_LOG_LEVEL":                 "debug",
		"SQLWORKER_ENGINE_RETRY_ON_FAILURE":   "true",
		"SQLWORKER_ENGINE_MEMORY_LIMIT_PAGES": "512",
		"SQLWORKER_WORKER_QUEUE_SIZE":         "8",
		"SQLWORKER_STDIO_ENABLED":             "true",
		"SQLWORKER_HTTP_ENABLED":              "false",
		"SQLWORKER_NATS_SUBJECT_PREFIX":       "db.main",
		"SQLWORKER_NATS_TIMEOUT":              "1s",
		"SQLWORKER_SNAPSHOT_BACKEND":          "s3",
		"SQLWORKER_SNAPSHOT_S3_BUCKET":        "images",
		"SQLWORKER_SNAPSHOT_SQL_PATH":         "/var/lib/sqlworker/snapshots.db",
		"HTTP_ADDR":                           ":9999",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Engine.RetryOnFailure)
	assert.Equal(t, uint32(512), cfg.Engine.LoadConfig().MemoryLimitPages)
	assert.Equal(t, 8, cfg.Worker.QueueSize)
	assert.True(t, cfg.Transport.Stdio.Enabled)
	assert.False(t, cfg.Transport.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.Transport.HTTP.Addr)
	assert.Equal(t, "db.main", cfg.Transport.NATS.TransportConfig().SubjectPrefix)
	assert.Equal(t, time.Second, cfg.Transport.NATS.TransportConfig().Timeout)
	assert.Equal(t, BackendS3, cfg.Snapshot.Backend)
	assert.Equal(t, "images", cfg.Snapshot.S3.Bucket)
	assert.Equal(t, "/var/lib/sqlworker/snapshots.db", cfg.Snapshot.SQL.Path)
}

func TestLoad_BadValue(t *testing.T) {
	_, err := LoadFrom(map[string]string{"SQLWORKER_WORKER_QUEUE_SIZE": "many"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
		{"bad backend", func(c *Config) { c.Snapshot.Backend = "tape" }, "unknown snapshot backend"},
		{"negative queue", func(c *Config) { c.Worker.QueueSize = -1 }, "queue size"},
		{"no transport", func(c *Config) { c.Transport.HTTP.Enabled = false }, "no transport enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.modify(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestHTTPTransportConfig(t *testing.T) {
	assert.Nil(t, HTTPConfig{}.TransportConfig().JWTSecret)

	tc := HTTPConfig{Addr: ":1", JWTSecret: "s3cret", RateLimit: 5, RateBurst: 10}.TransportConfig()
	assert.Equal(t, []byte("s3cret"), tc.JWTSecret)
	assert.Equal(t, 5.0, tc.RateLimit)
	assert.Equal(t, 10, tc.RateBurst)
}
