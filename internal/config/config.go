package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	VLM       VLMConfig       `mapstructure:"vlm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Search    SearchConfig    `mapstructure:"search"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sources   SourcesConfig   `mapstructure:"sources"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	URL             string        `mapstructure:"url"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogSQL          bool          `mapstructure:"log_sql"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

// VectorConfig selects where similarity queries run.
type VectorConfig struct {
	Backend      string `mapstructure:"backend"` // sql or qdrant
	IVFFlatLists int    `mapstructure:"ivfflat_lists"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3, r2, s3compatible
	LocalPath string `mapstructure:"local_path"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type IngestConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	AnalysisTimeout  time.Duration `mapstructure:"analysis_timeout"`
	EmbeddingTimeout time.Duration `mapstructure:"embedding_timeout"`
	BatchWindow      time.Duration `mapstructure:"batch_window"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxFileSize      int64         `mapstructure:"max_file_size"`
	ResumeOnStartup  bool          `mapstructure:"resume_on_startup"`
}

type SearchConfig struct {
	DefaultLimit     int     `mapstructure:"default_limit"`
	MaxLimit         int     `mapstructure:"max_limit"`
	DefaultThreshold float64 `mapstructure:"default_threshold"`
	MaxQueryLength   int     `mapstructure:"max_query_length"`
	SimilarThreshold float64 `mapstructure:"similar_threshold"`
	BatchConcurrency int     `mapstructure:"batch_concurrency"`
	MaxBatchQueries  int     `mapstructure:"max_batch_queries"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // memory or redis
	TTL     time.Duration `mapstructure:"ttl"`
	Size    int           `mapstructure:"size"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// SourcesConfig locates manifest sources for bulk import.
type SourcesConfig struct {
	BasePath     string `mapstructure:"base_path"`
	DefaultOwner string `mapstructure:"default_owner"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment-specific values
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("qdrant.host", "QDRANT_HOST")
	_ = v.BindEnv("qdrant.port", "QDRANT_PORT")
	_ = v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	_ = v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	_ = v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("vlm.api_key", "VLM_API_KEY")
	_ = v.BindEnv("vlm.base_url", "VLM_BASE_URL")
	_ = v.BindEnv("embedding.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("embedding.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("cache.redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("cache.redis.password", "REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.VLM.ResolveEnvVars()
	cfg.Embedding.ResolveEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/mediasearch.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("vector.backend", "sql")
	v.SetDefault("vector.ivfflat_lists", 100)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "uploads")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./data/uploads")
	v.SetDefault("storage.bucket", "uploads")

	v.SetDefault("vlm.provider", "openai-compatible")
	v.SetDefault("vlm.model", "gpt-4o-mini")
	v.SetDefault("vlm.base_url", "https://api.openai.com/v1")
	v.SetDefault("vlm.max_tokens", 500)

	v.SetDefault("embedding.provider", "openai-compatible")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.dimensions", 1536)

	v.SetDefault("ingest.workers", 5)
	v.SetDefault("ingest.queue_size", 1000)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.backoff_base", 2*time.Second)
	v.SetDefault("ingest.backoff_max", 5*time.Minute)
	v.SetDefault("ingest.analysis_timeout", 60*time.Second)
	v.SetDefault("ingest.embedding_timeout", 30*time.Second)
	v.SetDefault("ingest.batch_window", 50*time.Millisecond)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.max_file_size", 100*1024*1024)
	v.SetDefault("ingest.resume_on_startup", true)

	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.default_threshold", 0.0)
	v.SetDefault("search.max_query_length", 500)
	v.SetDefault("search.similar_threshold", 0.5)
	v.SetDefault("search.batch_concurrency", 3)
	v.SetDefault("search.max_batch_queries", 10)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.prefix", "mediasearch:search:")

	v.SetDefault("sources.base_path", "./data/sources")
	v.SetDefault("sources.default_owner", "import")
}

// Validate checks ranges that would otherwise surface as runtime misbehaviour.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Vector.Backend {
	case "sql", "qdrant":
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive")
	}
	if c.Ingest.MaxAttempts <= 0 {
		return fmt.Errorf("ingest.max_attempts must be positive")
	}
	if c.Ingest.BatchSize <= 0 || c.Ingest.BatchSize > MaxEmbeddingBatch {
		return fmt.Errorf("ingest.batch_size must be between 1 and %d", MaxEmbeddingBatch)
	}
	if c.Search.MaxLimit <= 0 || c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search limits are inconsistent: default=%d max=%d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if c.Search.DefaultThreshold < -1 || c.Search.DefaultThreshold > 1 {
		return fmt.Errorf("search.default_threshold must be within [-1, 1]")
	}

	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	return c.VLM.Validate()
}
