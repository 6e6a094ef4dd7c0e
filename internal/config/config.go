package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the procmine server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Insights  InsightsConfig
	Plans     Plans
}

type ServerConfig struct {
	Port           int
	Env            string
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectRetries  int
}

type RedisConfig struct {
	URL string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type StorageConfig struct {
	Provider string
	Root     string
	MediaURL string
	Minio    MinioConfig
}

type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
}

type PipelineConfig struct {
	RenderFormat        string
	GraphvizBinary      string
	JobTimeout          time.Duration
	DependencyThreshold float64
	MinEdgeOccurrences  int
	MigrationsDir       string
}

type InsightsConfig struct {
	CacheSize int
}

var validStorageProviders = map[string]bool{
	"local": true,
	"minio": true,
}

var validRenderFormats = map[string]bool{
	"svg": true,
	"png": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("PROCMINE_PORT", 8080),
			Env:            envString("PROCMINE_ENV", "development"),
			MaxUploadBytes: int64(envInt("MAX_UPLOAD_BYTES", 50<<20)),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectRetries:  envInt("DATABASE_CONNECT_RETRIES", 5),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_RPM", 60),
		},
		Storage: StorageConfig{
			Provider: envString("STORAGE_PROVIDER", "local"),
			Root:     envString("STORAGE_ROOT", "media"),
			MediaURL: envString("MEDIA_URL", "/media/"),
			Minio: MinioConfig{
				Endpoint:        os.Getenv("MINIO_ENDPOINT"),
				AccessKeyID:     os.Getenv("MINIO_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("MINIO_SECRET_ACCESS_KEY"),
				Bucket:          envString("MINIO_BUCKET", "procmine"),
				UseSSL:          envBool("MINIO_USE_SSL", false),
			},
		},
		Pipeline: PipelineConfig{
			RenderFormat:        envString("RENDER_FORMAT", "svg"),
			GraphvizBinary:      envString("GRAPHVIZ_DOT", "dot"),
			JobTimeout:          envDurationSecs("PIPELINE_JOB_TIMEOUT_SECS", 10*time.Minute),
			DependencyThreshold: envFloat("HEURISTICS_DEPENDENCY_THRESHOLD", 0.5),
			MinEdgeOccurrences:  envInt("HEURISTICS_MIN_EDGE_OCCURRENCES", 1),
			MigrationsDir:       envString("MIGRATIONS_DIR", "migrations"),
		},
		Insights: InsightsConfig{
			CacheSize: envInt("INSIGHTS_CACHE_SIZE", 128),
		},
	}

	plans, err := LoadPlans(os.Getenv("PLANS_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Plans = plans

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validStorageProviders[c.Storage.Provider] {
		return fmt.Errorf("STORAGE_PROVIDER must be one of local, minio; got %q", c.Storage.Provider)
	}
	if c.Storage.Provider == "local" && c.Storage.Root == "" {
		return fmt.Errorf("STORAGE_ROOT is required when STORAGE_PROVIDER is local")
	}
	if c.Storage.Provider == "minio" {
		if c.Storage.Minio.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when STORAGE_PROVIDER is minio")
		}
		if c.Storage.Minio.AccessKeyID == "" || c.Storage.Minio.SecretAccessKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY_ID and MINIO_SECRET_ACCESS_KEY are required when STORAGE_PROVIDER is minio")
		}
	}

	if !validRenderFormats[c.Pipeline.RenderFormat] {
		return fmt.Errorf("RENDER_FORMAT must be one of svg, png; got %q", c.Pipeline.RenderFormat)
	}
	if c.Pipeline.DependencyThreshold <= 0 || c.Pipeline.DependencyThreshold > 1 {
		return fmt.Errorf("HEURISTICS_DEPENDENCY_THRESHOLD must be in (0, 1], got %v", c.Pipeline.DependencyThreshold)
	}

	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
