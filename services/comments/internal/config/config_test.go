package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.Equal(t, "comments", cfg.Search.Index)
	assert.Equal(t, 3*time.Second, cfg.Search.Timeout)
	assert.Equal(t, time.Second, cfg.Search.SlowThreshold)
	assert.Equal(t, "@every 5m", cfg.Retention.Schedule)
	assert.Equal(t, 5*time.Minute, cfg.Retention.MaxAge)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 3, cfg.MaxEagerDepth)
	assert.Equal(t, 4, cfg.Indexer.Workers)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("RETENTION_SCHEDULE", "*/10 * * * *")
	t.Setenv("RETENTION_MAX_AGE", "1h")
	t.Setenv("INDEXER_WORKERS", "8")
	t.Setenv("SYNC_ON_START", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * *", cfg.Retention.Schedule)
	assert.Equal(t, time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 8, cfg.Indexer.Workers)
	assert.True(t, cfg.Indexer.SyncOnStart)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "service_name: comments-test\nsearch:\n  index: comments_v2\nretention:\n  max_age: 10m\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "comments-test", cfg.ServiceName)
	assert.Equal(t, "comments_v2", cfg.Search.Index)
	assert.Equal(t, 10*time.Minute, cfg.Retention.MaxAge)
}

func TestLoad_RejectsBadSchedule(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("RETENTION_SCHEDULE", "every so often")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETENTION_SCHEDULE")
}

func TestValidate_ProductionNeedsBackends(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Env = "production"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "NATS_URL")
	assert.Contains(t, err.Error(), "ELASTICSEARCH_URL")

	cfg.DatabaseURL = "postgres://localhost/comments"
	cfg.NATSURL = "nats://localhost:4222"
	cfg.Elastic.URL = "http://localhost:9200"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DisabledRetentionSkipsSchedule(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Retention.Enabled = false
	cfg.Retention.Schedule = "nonsense"
	assert.NoError(t, cfg.Validate())

	cfg.MaxEagerDepth = 0
	assert.Error(t, cfg.Validate())
}
