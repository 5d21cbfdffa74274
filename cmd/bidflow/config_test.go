package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 0.3, cfg.LexicalWeight)
	assert.Equal(t, 0.7, cfg.SemanticWeight)
	assert.Contains(t, cfg.DBPath, "bidflow.db")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BIDFLOW_DB_PATH", "/tmp/test.db")
	t.Setenv("BIDFLOW_LOG_LEVEL", "debug")
	t.Setenv("BIDFLOW_GENAI_API_KEY", "key-1")
	t.Setenv("BIDFLOW_MAX_WORKERS", "8")
	t.Setenv("BIDFLOW_CHUNK_SIZE", "250")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "key-1", cfg.GenAIAPIKey)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 250, cfg.ChunkSize)
}

func TestLoadConfigGeminiKeyFallback(t *testing.T) {
	t.Setenv("BIDFLOW_GENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "fallback-key")

	cfg := loadConfig()
	assert.Equal(t, "fallback-key", cfg.GenAIAPIKey)
}

func TestLoadConfigInvalidNumbersIgnored(t *testing.T) {
	t.Setenv("BIDFLOW_MAX_WORKERS", "many")

	cfg := loadConfig()
	assert.Equal(t, defaultConfig().MaxWorkers, cfg.MaxWorkers)
}
