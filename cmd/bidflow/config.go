package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all bidflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string  `json:"db_path"`
	LogLevel        string  `json:"log_level"`
	GenAIAPIKey     string  `json:"genai_api_key"`
	GenerationModel string  `json:"generation_model"`
	EmbeddingModel  string  `json:"embedding_model"`
	MaxWorkers      int     `json:"max_workers"`
	ChunkSize       int     `json:"chunk_size"`
	ChunkOverlap    int     `json:"chunk_overlap"`
	LexicalWeight   float64 `json:"lexical_weight"`
	SemanticWeight  float64 `json:"semantic_weight"`
	CacheTTLHours   int     `json:"cache_ttl_hours"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(bidflowDir(), "bidflow.db"),
		LogLevel:        "info",
		GenerationModel: "gemini-2.0-flash",
		EmbeddingModel:  "gemini-embedding-001",
		MaxWorkers:      4,
		ChunkSize:       500,
		ChunkOverlap:    50,
		LexicalWeight:   0.3,
		SemanticWeight:  0.7,
		CacheTTLHours:   24,
	}
}

func bidflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bidflow"
	}
	return filepath.Join(home, ".bidflow")
}

func settingsPath() string {
	return filepath.Join(bidflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BIDFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BIDFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIDFLOW_GENAI_API_KEY"); v != "" {
		cfg.GenAIAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.GenAIAPIKey == "" {
		cfg.GenAIAPIKey = v
	}
	if v := os.Getenv("BIDFLOW_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("BIDFLOW_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("BIDFLOW_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("BIDFLOW_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("BIDFLOW_CACHE_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheTTLHours = n
		}
	}

	return cfg
}
