// Package config provides application configuration with multi-source priority.
//
// Sources, highest to lowest:
//  1. Environment variables (CORPUSD_ prefix)
//  2. Config file (corpusd.yaml in the working directory or /etc/corpusd)
//  3. Defaults
//
// Sensitive values (passwords, secret keys) are never logged; validation
// uses sentinel errors so callers can branch with errors.Is().
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidListenAddr indicates the HTTP listen address is empty or malformed.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidPostgresDSN indicates the PostgreSQL settings cannot form a DSN.
	ErrInvalidPostgresDSN = errors.New("invalid PostgreSQL settings")

	// ErrInvalidMinio indicates the object store settings are incomplete.
	ErrInvalidMinio = errors.New("invalid MinIO settings")

	// ErrInvalidModelName indicates the generation model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedder indicates the embedder model or dimension is invalid.
	ErrInvalidEmbedder = errors.New("invalid embedder settings")

	// ErrInvalidChunking indicates chunk size/overlap are out of range.
	ErrInvalidChunking = errors.New("invalid chunking settings")

	// ErrInvalidRetrieval indicates limit/threshold are out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval settings")
)

// Defaults preserved from the service this replaces: top-5 chunks above 0.7
// cosine similarity, 512-char windows with 50-char overlap.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
	DefaultSearchLimit  = 5
	DefaultThreshold    = 0.7
	DefaultRoleTimeout  = 30 * time.Second

	// DefaultVectorDimension matches text-embedding-004 output and the
	// vector(768) column in the chunks migration.
	DefaultVectorDimension = 768
)

// Server holds HTTP server settings.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Postgres holds relational store connection settings.
type Postgres struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the pgx connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// Minio holds object store settings.
type Minio struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// AI holds model provider settings. The embedding dimension is fixed per
// deployment and must match the vector column in the chunks schema.
type AI struct {
	Provider        string `mapstructure:"provider"`       // "googleai" (default) or "ollama"
	ModelName       string `mapstructure:"model_name"`     // provider-qualified, e.g. "googleai/gemini-2.5-flash"
	EmbedderModel   string `mapstructure:"embedder_model"` // e.g. "text-embedding-004"
	VectorDimension int    `mapstructure:"vector_dimension"`
	OllamaHost      string `mapstructure:"ollama_host"` // only used when provider is "ollama"
}

// Retrieval holds chunking and search settings. These are deployment
// configuration, not per-query overrides.
type Retrieval struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	SearchLimit  int           `mapstructure:"search_limit"`
	Threshold    float64       `mapstructure:"threshold"`
	RoleTimeout  time.Duration `mapstructure:"role_timeout"`
}

// Config is the root application configuration.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Minio     Minio     `mapstructure:"minio"`
	AI        AI        `mapstructure:"ai"`
	Retrieval Retrieval `mapstructure:"retrieval"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("corpusd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/corpusd")

	v.SetEnvPrefix("CORPUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine; defaults plus env carry a dev setup.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "corpusd")
	v.SetDefault("postgres.user", "corpusd")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.bucket", "corpusd-documents")
	v.SetDefault("minio.secure", false)

	v.SetDefault("ai.provider", "googleai")
	v.SetDefault("ai.model_name", "googleai/gemini-2.5-flash")
	v.SetDefault("ai.embedder_model", "text-embedding-004")
	v.SetDefault("ai.vector_dimension", DefaultVectorDimension)
	v.SetDefault("ai.ollama_host", "http://localhost:11434")

	v.SetDefault("retrieval.chunk_size", DefaultChunkSize)
	v.SetDefault("retrieval.chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("retrieval.search_limit", DefaultSearchLimit)
	v.SetDefault("retrieval.threshold", DefaultThreshold)
	v.SetDefault("retrieval.role_timeout", DefaultRoleTimeout)
}

// Validate checks the configuration for serving.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%w: empty addr", ErrInvalidListenAddr)
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "" {
		return fmt.Errorf("%w: host, database and user are required", ErrInvalidPostgresDSN)
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgresDSN, c.Postgres.Port)
	}
	if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
		return fmt.Errorf("%w: endpoint and bucket are required", ErrInvalidMinio)
	}
	if c.AI.ModelName == "" {
		return fmt.Errorf("%w: ai.model_name is required", ErrInvalidModelName)
	}
	if c.AI.EmbedderModel == "" {
		return fmt.Errorf("%w: ai.embedder_model is required", ErrInvalidEmbedder)
	}
	if c.AI.VectorDimension <= 0 {
		return fmt.Errorf("%w: vector_dimension must be positive, got %d", ErrInvalidEmbedder, c.AI.VectorDimension)
	}
	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidChunking)
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be in [0, chunk_size)", ErrInvalidChunking, c.Retrieval.ChunkOverlap)
	}
	if c.Retrieval.SearchLimit <= 0 {
		return fmt.Errorf("%w: search_limit must be positive", ErrInvalidRetrieval)
	}
	if c.Retrieval.Threshold < -1 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside cosine range [-1, 1]", ErrInvalidRetrieval, c.Retrieval.Threshold)
	}
	if c.Retrieval.RoleTimeout <= 0 {
		return fmt.Errorf("%w: role_timeout must be positive", ErrInvalidRetrieval)
	}
	return nil
}
