// Package config holds the typed configuration of the edge node. Every
// option is enumerated here; unknown EDGETUTOR_* environment keys are
// rejected at load so a typo cannot silently fall back to a default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the full configuration of the edge node.
type Config struct {
	Node        NodeConfig        `json:"node"`
	Concurrency ConcurrencyConfig `json:"concurrency"`
	Cache       CacheConfig       `json:"cache"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Chunking    ChunkingConfig    `json:"chunking"`
	Inference   InferenceConfig   `json:"inference"`
	Metadata    MetadataConfig    `json:"metadata"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Qdrant      QdrantConfig      `json:"qdrant"`
	Puller      PullerConfig      `json:"puller"`
	Backup      BackupConfig      `json:"backup"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Logging     LoggingConfig     `json:"logging"`
}

// NodeConfig locates the node's on-disk state.
type NodeConfig struct {
	DataDir   string `json:"data_dir"`
	ConfigDir string `json:"config_dir"`
	BackupDir string `json:"backup_dir"`
}

// ConcurrencyConfig bounds inference parallelism and queueing.
type ConcurrencyConfig struct {
	MaxConcurrent int `json:"max_concurrent"`
	MaxQueue      int `json:"max_queue"`
	QueueTimeoutS int `json:"queue_timeout_s"`
}

// CacheConfig governs the response cache.
type CacheConfig struct {
	TTLSeconds int    `json:"cache_ttl_s"`
	LRUCap     int    `json:"lru_cap"`
	RedisAddr  string `json:"redis_addr"` // empty selects the in-memory LRU
}

// RetrievalConfig governs vector search.
type RetrievalConfig struct {
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// ChunkingConfig governs curriculum chunking.
type ChunkingConfig struct {
	SizeTokens    int `json:"chunk_size_tokens"`
	OverlapTokens int `json:"chunk_overlap_tokens"`
}

// InferenceConfig governs the local LLM.
type InferenceConfig struct {
	ServerURL         string `json:"server_url"`
	MaxResponseTokens int    `json:"max_response_tokens"`
	RequestTimeoutS   int    `json:"request_timeout_s"`
}

// MetadataConfig governs the SQLite metadata store.
type MetadataConfig struct {
	Path         string `json:"path"`
	PoolSize     int    `json:"pool_size"`
	MaxOverflow  int    `json:"max_overflow"`
	PoolTimeoutS int    `json:"pool_timeout_s"`
}

// EmbeddingConfig selects and tunes the embedding strategy.
type EmbeddingConfig struct {
	Strategy        string `json:"embedding_strategy"` // "remote" or "local"
	FallbackEnabled bool   `json:"fallback_enabled"`
	SovereignMode   bool   `json:"sovereign_mode"`
	OpenAIAPIKey    string `json:"-"`
	OpenAIModel     string `json:"openai_model"`
	RequestTimeoutS int    `json:"request_timeout_s"`
	LocalDimensions int    `json:"local_dimensions"`
}

// QdrantConfig locates the vector store.
type QdrantConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	APIKey string `json:"-"`
	UseTLS bool   `json:"use_tls"`
}

// PullerConfig governs catalog reconciliation.
type PullerConfig struct {
	IntervalS  int    `json:"interval_s"`
	CatalogURL string `json:"catalog_url"`
}

// BackupConfig governs scheduled backups.
type BackupConfig struct {
	RetentionDays int `json:"backup_retention_days"`
}

// TelemetryConfig governs the anonymous usage uplink. An empty upload URL
// disables it.
type TelemetryConfig struct {
	UploadURL string `json:"upload_url"`
	NodeID    string `json:"node_id"`
	Salt      string `json:"-"`
	IntervalS int    `json:"interval_s"`
}

// LoggingConfig governs log output.
type LoggingConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			ConfigDir: "./config",
			BackupDir: "./backups",
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrent: 5,
			MaxQueue:      1000,
			QueueTimeoutS: 300,
		},
		Cache: CacheConfig{
			TTLSeconds: 86400,
			LRUCap:     1000,
		},
		Retrieval: RetrievalConfig{
			TopK:                5,
			SimilarityThreshold: 0.7,
		},
		Chunking: ChunkingConfig{
			SizeTokens:    800,
			OverlapTokens: 100,
		},
		Inference: InferenceConfig{
			ServerURL:         "http://localhost:8081",
			MaxResponseTokens: 512,
			RequestTimeoutS:   120,
		},
		Metadata: MetadataConfig{
			Path:         "./data/tutor.db",
			PoolSize:     10,
			MaxOverflow:  20,
			PoolTimeoutS: 30,
		},
		Embedding: EmbeddingConfig{
			Strategy:        "remote",
			FallbackEnabled: true,
			SovereignMode:   false,
			OpenAIModel:     "text-embedding-ada-002",
			RequestTimeoutS: 30,
			LocalDimensions: 384,
		},
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
		Puller: PullerConfig{
			IntervalS: 3600,
		},
		Backup: BackupConfig{
			RetentionDays: 28,
		},
		Telemetry: TelemetryConfig{
			NodeID:    "edge-node",
			IntervalS: 3600,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

const envPrefix = "EDGETUTOR_"

// knownKeys enumerates every recognized environment option.
var knownKeys = map[string]struct{}{
	"EDGETUTOR_DATA_DIR":              {},
	"EDGETUTOR_CONFIG_DIR":            {},
	"EDGETUTOR_BACKUP_DIR":            {},
	"EDGETUTOR_MAX_CONCURRENT":        {},
	"EDGETUTOR_MAX_QUEUE":             {},
	"EDGETUTOR_QUEUE_TIMEOUT_S":       {},
	"EDGETUTOR_CACHE_TTL_S":           {},
	"EDGETUTOR_LRU_CAP":               {},
	"EDGETUTOR_REDIS_ADDR":            {},
	"EDGETUTOR_TOP_K":                 {},
	"EDGETUTOR_SIMILARITY_THRESHOLD":  {},
	"EDGETUTOR_CHUNK_SIZE_TOKENS":     {},
	"EDGETUTOR_CHUNK_OVERLAP_TOKENS":  {},
	"EDGETUTOR_LLM_SERVER_URL":        {},
	"EDGETUTOR_MAX_RESPONSE_TOKENS":   {},
	"EDGETUTOR_LLM_TIMEOUT_S":         {},
	"EDGETUTOR_METADATA_PATH":         {},
	"EDGETUTOR_POOL_SIZE":             {},
	"EDGETUTOR_MAX_OVERFLOW":          {},
	"EDGETUTOR_POOL_TIMEOUT_S":        {},
	"EDGETUTOR_EMBEDDING_STRATEGY":    {},
	"EDGETUTOR_FALLBACK_ENABLED":      {},
	"EDGETUTOR_SOVEREIGN_MODE":        {},
	"EDGETUTOR_OPENAI_API_KEY":        {},
	"EDGETUTOR_OPENAI_MODEL":          {},
	"EDGETUTOR_EMBEDDING_TIMEOUT_S":   {},
	"EDGETUTOR_QDRANT_HOST":           {},
	"EDGETUTOR_QDRANT_PORT":           {},
	"EDGETUTOR_QDRANT_API_KEY":        {},
	"EDGETUTOR_QDRANT_USE_TLS":        {},
	"EDGETUTOR_PULL_INTERVAL_S":       {},
	"EDGETUTOR_CATALOG_URL":           {},
	"EDGETUTOR_BACKUP_RETENTION_DAYS": {},
	"EDGETUTOR_TELEMETRY_URL":         {},
	"EDGETUTOR_NODE_ID":               {},
	"EDGETUTOR_TELEMETRY_SALT":        {},
	"EDGETUTOR_TELEMETRY_INTERVAL_S":  {},
	"EDGETUTOR_LOG_LEVEL":             {},
}

// Load builds the configuration from defaults, a .env file if present, and
// environment overrides, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	if err := rejectUnknownKeys(os.Environ()); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// rejectUnknownKeys fails on any EDGETUTOR_* variable outside the option set.
func rejectUnknownKeys(environ []string) error {
	var unknown []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if _, known := knownKeys[key]; !known {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Node.DataDir, "EDGETUTOR_DATA_DIR")
	setString(&cfg.Node.ConfigDir, "EDGETUTOR_CONFIG_DIR")
	setString(&cfg.Node.BackupDir, "EDGETUTOR_BACKUP_DIR")

	setInt(&cfg.Concurrency.MaxConcurrent, "EDGETUTOR_MAX_CONCURRENT")
	setInt(&cfg.Concurrency.MaxQueue, "EDGETUTOR_MAX_QUEUE")
	setInt(&cfg.Concurrency.QueueTimeoutS, "EDGETUTOR_QUEUE_TIMEOUT_S")

	setInt(&cfg.Cache.TTLSeconds, "EDGETUTOR_CACHE_TTL_S")
	setInt(&cfg.Cache.LRUCap, "EDGETUTOR_LRU_CAP")
	setString(&cfg.Cache.RedisAddr, "EDGETUTOR_REDIS_ADDR")

	setInt(&cfg.Retrieval.TopK, "EDGETUTOR_TOP_K")
	setFloat(&cfg.Retrieval.SimilarityThreshold, "EDGETUTOR_SIMILARITY_THRESHOLD")

	setInt(&cfg.Chunking.SizeTokens, "EDGETUTOR_CHUNK_SIZE_TOKENS")
	setInt(&cfg.Chunking.OverlapTokens, "EDGETUTOR_CHUNK_OVERLAP_TOKENS")

	setString(&cfg.Inference.ServerURL, "EDGETUTOR_LLM_SERVER_URL")
	setInt(&cfg.Inference.MaxResponseTokens, "EDGETUTOR_MAX_RESPONSE_TOKENS")
	setInt(&cfg.Inference.RequestTimeoutS, "EDGETUTOR_LLM_TIMEOUT_S")

	setString(&cfg.Metadata.Path, "EDGETUTOR_METADATA_PATH")
	setInt(&cfg.Metadata.PoolSize, "EDGETUTOR_POOL_SIZE")
	setInt(&cfg.Metadata.MaxOverflow, "EDGETUTOR_MAX_OVERFLOW")
	setInt(&cfg.Metadata.PoolTimeoutS, "EDGETUTOR_POOL_TIMEOUT_S")

	setString(&cfg.Embedding.Strategy, "EDGETUTOR_EMBEDDING_STRATEGY")
	setBool(&cfg.Embedding.FallbackEnabled, "EDGETUTOR_FALLBACK_ENABLED")
	setBool(&cfg.Embedding.SovereignMode, "EDGETUTOR_SOVEREIGN_MODE")
	setString(&cfg.Embedding.OpenAIAPIKey, "EDGETUTOR_OPENAI_API_KEY")
	setString(&cfg.Embedding.OpenAIModel, "EDGETUTOR_OPENAI_MODEL")
	setInt(&cfg.Embedding.RequestTimeoutS, "EDGETUTOR_EMBEDDING_TIMEOUT_S")

	setString(&cfg.Qdrant.Host, "EDGETUTOR_QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "EDGETUTOR_QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "EDGETUTOR_QDRANT_API_KEY")
	setBool(&cfg.Qdrant.UseTLS, "EDGETUTOR_QDRANT_USE_TLS")

	setInt(&cfg.Puller.IntervalS, "EDGETUTOR_PULL_INTERVAL_S")
	setString(&cfg.Puller.CatalogURL, "EDGETUTOR_CATALOG_URL")

	setInt(&cfg.Backup.RetentionDays, "EDGETUTOR_BACKUP_RETENTION_DAYS")

	setString(&cfg.Telemetry.UploadURL, "EDGETUTOR_TELEMETRY_URL")
	setString(&cfg.Telemetry.NodeID, "EDGETUTOR_NODE_ID")
	setString(&cfg.Telemetry.Salt, "EDGETUTOR_TELEMETRY_SALT")
	setInt(&cfg.Telemetry.IntervalS, "EDGETUTOR_TELEMETRY_INTERVAL_S")

	setString(&cfg.Logging.Level, "EDGETUTOR_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Concurrency.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.Concurrency.MaxConcurrent)
	}
	if c.Concurrency.MaxQueue < 0 {
		return fmt.Errorf("max_queue cannot be negative, got %d", c.Concurrency.MaxQueue)
	}
	if c.Concurrency.QueueTimeoutS <= 0 {
		return fmt.Errorf("queue_timeout_s must be positive, got %d", c.Concurrency.QueueTimeoutS)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache_ttl_s must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.LRUCap < 1 {
		return fmt.Errorf("lru_cap must be at least 1, got %d", c.Cache.LRUCap)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1], got %f", c.Retrieval.SimilarityThreshold)
	}
	if c.Chunking.SizeTokens <= 0 {
		return fmt.Errorf("chunk_size_tokens must be positive, got %d", c.Chunking.SizeTokens)
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.SizeTokens {
		return fmt.Errorf("chunk_overlap_tokens must be in [0, chunk_size_tokens), got %d", c.Chunking.OverlapTokens)
	}
	if c.Inference.MaxResponseTokens <= 0 {
		return fmt.Errorf("max_response_tokens must be positive, got %d", c.Inference.MaxResponseTokens)
	}
	if c.Metadata.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.Metadata.PoolSize)
	}
	if c.Metadata.MaxOverflow < 0 {
		return fmt.Errorf("max_overflow cannot be negative, got %d", c.Metadata.MaxOverflow)
	}
	if c.Metadata.PoolTimeoutS <= 0 {
		return fmt.Errorf("pool_timeout_s must be positive, got %d", c.Metadata.PoolTimeoutS)
	}
	switch c.Embedding.Strategy {
	case "remote", "local":
	default:
		return fmt.Errorf("embedding_strategy must be \"remote\" or \"local\", got %q", c.Embedding.Strategy)
	}
	if c.Embedding.SovereignMode && c.Embedding.Strategy == "remote" {
		return fmt.Errorf("sovereign_mode forbids the remote embedding strategy")
	}
	if c.Backup.RetentionDays <= 0 {
		return fmt.Errorf("backup_retention_days must be positive, got %d", c.Backup.RetentionDays)
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host cannot be empty")
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
	}
	return nil
}

// EnsureDirs creates the node's state directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Node.DataDir, c.Node.ConfigDir, c.Node.BackupDir} {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", abs, err)
		}
	}
	return nil
}
