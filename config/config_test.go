package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Stream.Shards)
	assert.Equal(t, "notification-service", cfg.Stream.Group)
	assert.Equal(t, 2*time.Second, cfg.Stream.Block)
	assert.Equal(t, "notifications:events:dlq", cfg.Stream.DeadLetterStream())
	assert.Equal(t, 140, cfg.Pipeline.ContentLength)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NOTIFY_STREAM_SHARDS", "8")
	t.Setenv("NOTIFY_STREAM_DEAD_LETTER", "dead")
	t.Setenv("NOTIFY_PIPELINE_RETRY_MAX", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Stream.Shards)
	assert.Equal(t, "dead", cfg.Stream.DeadLetterStream())
	assert.Equal(t, time.Minute, cfg.Pipeline.RetryMax)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("driver", func(t *testing.T) {
		t.Setenv("NOTIFY_DATABASE_DRIVER", "mysql")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("shards", func(t *testing.T) {
		t.Setenv("NOTIFY_STREAM_SHARDS", "0")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom("does-not-exist.yaml")
		assert.Error(t, err)
	})
}
