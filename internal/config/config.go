// Package config loads ingestion pipeline configuration from a YAML file
// overlaid with environment variables, following the teacher's
// godotenv-then-yaml loading convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DBConfig configures the relational store.
type DBConfig struct {
	DSN string `yaml:"dsn"`
}

// VectorConfig configures the Qdrant-backed vector store.
type VectorConfig struct {
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
}

// LLMConfig selects and configures the semantic chunking provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // "anthropic" | "openai"
	Model     string `yaml:"model"`
	APIKey    string `yaml:"apiKey"`
	BaseURL   string `yaml:"baseUrl"`
	MaxTokens int64  `yaml:"maxTokens"`
}

// EmbeddingConfig configures the HTTP embedding endpoint the vector store
// adapter calls before upserting into Qdrant.
type EmbeddingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// QueueConfig configures the Ingestion Queue scheduler (spec §4.2).
type QueueConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
}

// EmbedWorkerConfig configures the single-threaded Embedding Worker
// (spec §4.5).
type EmbedWorkerConfig struct {
	IntervalMs int `yaml:"intervalMs"`
}

// IngestionLimits bounds worker inputs (spec §4.4 "Bounded inputs").
type IngestionLimits struct {
	MaxFileSizeBytes int64 `yaml:"maxFileSizeBytes"`
	MinReadableChars  int  `yaml:"minReadableChars"`
}

// S3SSEConfig configures server-side encryption for the S3-backed object
// store, matching what internal/objectstore's S3Store constructor expects.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", "sse-kms"
	KMSKeyID string `yaml:"kmsKeyId"`
}

// S3Config configures the S3-backed object store, matching the shape
// internal/objectstore.NewS3Store requires.
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	AccessKey             string      `yaml:"accessKey"`
	SecretKey             string      `yaml:"secretKey"`
	Endpoint              string      `yaml:"endpoint"`
	UsePathStyle          bool        `yaml:"usePathStyle"`
	Prefix                string      `yaml:"prefix"`
	TLSInsecureSkipVerify bool        `yaml:"tlsInsecureSkipVerify"`
	SSE                   S3SSEConfig `yaml:"sse"`
}

// FileStoreConfig selects local-disk vs S3-backed file persistence for
// PDF/bookmark workers (spec §6.6).
type FileStoreConfig struct {
	Backend     string   `yaml:"backend"` // "local" | "s3"
	UserDataDir string   `yaml:"userDataDir"`
	S3          S3Config `yaml:"s3"`
}

// ObsConfig configures OpenTelemetry tracing/metrics export, following the
// teacher's internal/observability.InitOTel signature.
type ObsConfig struct {
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"serviceName"`
	ServiceVersion string `yaml:"serviceVersion"`
	Environment    string `yaml:"environment"`
}

// Config is the top-level, composition-root configuration for the
// ingestd daemon.
type Config struct {
	DB          DBConfig          `yaml:"db"`
	Vector      VectorConfig      `yaml:"vector"`
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Queue       QueueConfig       `yaml:"queue"`
	EmbedWorker EmbedWorkerConfig `yaml:"embedWorker"`
	Limits      IngestionLimits   `yaml:"limits"`
	FileStore   FileStoreConfig   `yaml:"fileStore"`
	Obs         ObsConfig         `yaml:"observability"`
	LogLevel    string            `yaml:"logLevel"`
	LogPath     string            `yaml:"logPath"`
}

func defaults() Config {
	return Config{
		Vector: VectorConfig{
			Collection: "ingestion_chunks",
			Dimensions: 1536,
			Metric:     "cosine",
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Queue: QueueConfig{
			Concurrency:  4,
			PollInterval: 5 * time.Second,
			MaxRetries:   3,
			RetryDelay:   60 * time.Second,
		},
		EmbedWorker: EmbedWorkerConfig{
			IntervalMs: 30_000,
		},
		Limits: IngestionLimits{
			MaxFileSizeBytes: 50 * 1024 * 1024,
			MinReadableChars: 200,
		},
		FileStore: FileStoreConfig{
			Backend:     "local",
			UserDataDir: "./data",
		},
		LogLevel: "info",
	}
}

// Load reads a .env file (if present), then a YAML config file at path,
// then overlays a small set of environment variables. Missing files are
// not an error; the zero value plus defaults() is usable on its own.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)
	return cfg, nil
}

// applyEnvOverlay lets a small set of environment variables override the
// YAML file, the way the teacher's loader resolves secrets (API keys,
// DSNs) outside of checked-in config.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("INGEST_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("INGEST_VECTOR_DSN"); v != "" {
		cfg.Vector.DSN = v
	}
	if v := os.Getenv("INGEST_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("INGEST_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("INGEST_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("INGEST_S3_ACCESS_KEY"); v != "" {
		cfg.FileStore.S3.AccessKey = v
	}
	if v := os.Getenv("INGEST_S3_SECRET_KEY"); v != "" {
		cfg.FileStore.S3.SecretKey = v
	}
	if v := os.Getenv("INGEST_OTLP_ENDPOINT"); v != "" {
		cfg.Obs.OTLP = v
	}
	if v := os.Getenv("INGEST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INGEST_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
}

// EnvOrDefault mirrors the teacher's small env-lookup helpers used
// throughout cmd/ entrypoints.
func EnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
