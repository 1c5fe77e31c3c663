package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Concurrency.MaxConcurrent)
	assert.Equal(t, 1000, cfg.Concurrency.MaxQueue)
	assert.Equal(t, 300, cfg.Concurrency.QueueTimeoutS)
	assert.Equal(t, 86400, cfg.Cache.TTLSeconds)
	assert.Equal(t, 1000, cfg.Cache.LRUCap)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.7, cfg.Retrieval.SimilarityThreshold, 1e-9)
	assert.Equal(t, 800, cfg.Chunking.SizeTokens)
	assert.Equal(t, 100, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 512, cfg.Inference.MaxResponseTokens)
	assert.Equal(t, 10, cfg.Metadata.PoolSize)
	assert.Equal(t, 20, cfg.Metadata.MaxOverflow)
	assert.Equal(t, 30, cfg.Metadata.PoolTimeoutS)
	assert.Equal(t, 28, cfg.Backup.RetentionDays)
	assert.Equal(t, "remote", cfg.Embedding.Strategy)
	assert.True(t, cfg.Embedding.FallbackEnabled)
	assert.False(t, cfg.Embedding.SovereignMode)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_concurrent", func(c *Config) { c.Concurrency.MaxConcurrent = 0 }},
		{"negative max_queue", func(c *Config) { c.Concurrency.MaxQueue = -1 }},
		{"threshold above one", func(c *Config) { c.Retrieval.SimilarityThreshold = 1.5 }},
		{"overlap >= size", func(c *Config) { c.Chunking.OverlapTokens = 800 }},
		{"unknown strategy", func(c *Config) { c.Embedding.Strategy = "hybrid" }},
		{"sovereign with remote", func(c *Config) { c.Embedding.SovereignMode = true }},
		{"zero retention", func(c *Config) { c.Backup.RetentionDays = 0 }},
		{"bad qdrant port", func(c *Config) { c.Qdrant.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRejectUnknownKeys(t *testing.T) {
	err := rejectUnknownKeys([]string{
		"EDGETUTOR_MAX_CONCURRENT=10",
		"PATH=/usr/bin",
		"EDGETUTOR_MAX_CONCURENT=10", // typo
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EDGETUTOR_MAX_CONCURENT")
	assert.NotContains(t, err.Error(), "PATH")

	assert.NoError(t, rejectUnknownKeys([]string{"EDGETUTOR_TOP_K=3", "HOME=/root"}))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EDGETUTOR_MAX_CONCURRENT", "8")
	t.Setenv("EDGETUTOR_SOVEREIGN_MODE", "true")
	t.Setenv("EDGETUTOR_EMBEDDING_STRATEGY", "local")
	t.Setenv("EDGETUTOR_SIMILARITY_THRESHOLD", "0.55")
	t.Setenv("EDGETUTOR_TELEMETRY_URL", "https://telemetry.example.id/ingest")

	cfg := DefaultConfig()
	loadFromEnv(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Concurrency.MaxConcurrent)
	assert.True(t, cfg.Embedding.SovereignMode)
	assert.Equal(t, "local", cfg.Embedding.Strategy)
	assert.InDelta(t, 0.55, cfg.Retrieval.SimilarityThreshold, 1e-9)
	assert.Equal(t, "https://telemetry.example.id/ingest", cfg.Telemetry.UploadURL)
}
