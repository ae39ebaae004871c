// Package config loads the service configuration from YAML files,
// .env-style environment variables, and defaults.
//
// Sources are merged in this order (later overrides earlier):
//  1. Defaults
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.evermem/config.yaml, /etc/evermem/config.yaml)
//  3. Environment variables with the EVERMEM_ prefix, underscores for
//     nesting: EVERMEM_SERVER_PORT=9090, EVERMEM_QUEUE_BACKEND=rabbitmq
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	// Host is the bind address (default 0.0.0.0).
	Host string `mapstructure:"host"`

	// Port is the listen port (default 9090).
	Port int `mapstructure:"port"`

	// BodyLimit bounds request bodies, echo-style ("100M").
	BodyLimit string `mapstructure:"body_limit"`

	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	// APIKey protects all routes when set; clients send it in X-API-Key.
	APIKey string `mapstructure:"api_key"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`
}

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	// Backend is one of memory, filesystem, s3.
	Backend string `mapstructure:"backend"`

	// Path is the root directory of the filesystem backend.
	Path string `mapstructure:"path"`

	// S3 settings, also usable against MinIO endpoints.
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Region    string `mapstructure:"s3_region"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket"`
}

// QueueConfig selects the pipeline queue backend.
type QueueConfig struct {
	// Backend is one of memory, disk, rabbitmq, redis.
	Backend string `mapstructure:"backend"`

	// Path is the root directory of the disk backend.
	Path string `mapstructure:"path"`

	// URL is the broker URL of the rabbitmq and redis backends.
	URL string `mapstructure:"url"`

	// Name is the queue name on the broker.
	Name string `mapstructure:"name"`

	// MaxAttempts is the poison threshold.
	MaxAttempts int `mapstructure:"max_attempts"`

	// VisibilityTimeout is the delivery lease duration.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// StateConfig selects the pipeline state store backend.
type StateConfig struct {
	// Backend is one of artifact, bolt, couchdb.
	Backend string `mapstructure:"backend"`

	// Path is the bbolt database file.
	Path string `mapstructure:"path"`

	// URL and Database address the CouchDB backend.
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// IndexConfig selects the retrieval index backend.
type IndexConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend string `mapstructure:"backend"`

	// URL is the redis URL.
	URL string `mapstructure:"url"`

	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

// EmbeddingConfig selects the embedder.
type EmbeddingConfig struct {
	// Backend is one of local, openai.
	Backend string `mapstructure:"backend"`

	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`

	// Dimensions applies to the local backend.
	Dimensions int `mapstructure:"dimensions"`
}

// AnswerConfig selects the answer synthesis backend. "none" makes /ask
// return extractive answers.
type AnswerConfig struct {
	// Backend is one of none, openai.
	Backend string `mapstructure:"backend"`

	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// PipelineConfig tunes the orchestrator and ingestion.
type PipelineConfig struct {
	// Workers is the number of concurrent consumer loops.
	Workers int `mapstructure:"workers"`

	// HandlerTimeout is the soft deadline of one step invocation.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`

	// DefaultIndex receives documents whose upload names no index.
	DefaultIndex string `mapstructure:"default_index"`

	// MaxUploadBytes bounds one upload; 0 disables the check.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// PartitionMaxChars and PartitionOverlap tune text chunking.
	PartitionMaxChars int `mapstructure:"partition_max_chars"`
	PartitionOverlap  int `mapstructure:"partition_overlap"`
}

// Config is the root configuration of the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	State     StateConfig     `mapstructure:"state"`
	Index     IndexConfig     `mapstructure:"index"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Answer    AnswerConfig    `mapstructure:"answer"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.body_limit", "100M")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.path", "./data/artifacts")
	v.SetDefault("storage.s3_region", "us-east-1")

	v.SetDefault("queue.backend", "disk")
	v.SetDefault("queue.path", "./data/queue")
	v.SetDefault("queue.name", "evermem-pipeline")
	v.SetDefault("queue.max_attempts", 20)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)

	v.SetDefault("state.backend", "artifact")
	v.SetDefault("state.path", "./data/states.db")
	v.SetDefault("state.database", "evermem_states")

	v.SetDefault("index.backend", "memory")

	v.SetDefault("embedding.backend", "local")
	v.SetDefault("embedding.dimensions", 64)

	v.SetDefault("answer.backend", "none")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.handler_timeout", 2*time.Minute)
	v.SetDefault("pipeline.default_index", "default")
	v.SetDefault("pipeline.max_upload_bytes", int64(100*1024*1024))
	v.SetDefault("pipeline.partition_max_chars", 1000)
	v.SetDefault("pipeline.partition_overlap", 100)
}

// LoadConfig reads the configuration. cfgFile may be empty; the default
// search paths are then used, and a missing file is not an error.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.evermem")
		v.AddConfigPath("/etc/evermem")
	}

	v.SetEnvPrefix("EVERMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	switch c.Storage.Backend {
	case "memory":
	case "filesystem":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the filesystem backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case "memory":
	case "disk":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for the disk backend")
		}
	case "rabbitmq", "redis":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url is required for the %s backend", c.Queue.Backend)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	switch c.State.Backend {
	case "artifact":
	case "bolt":
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the bolt backend")
		}
	case "couchdb":
		if c.State.URL == "" {
			return fmt.Errorf("state.url is required for the couchdb backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}

	switch c.Index.Backend {
	case "memory":
	case "redis":
		if c.Index.URL == "" {
			return fmt.Errorf("index.url is required for the redis backend")
		}
	case "postgres":
		if c.Index.DSN == "" {
			return fmt.Errorf("index.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}

	switch c.Embedding.Backend {
	case "local":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for the openai backend")
		}
	default:
		return fmt.Errorf("unknown embedding backend %q", c.Embedding.Backend)
	}

	switch c.Answer.Backend {
	case "none":
	case "openai":
		if c.Answer.APIKey == "" {
			return fmt.Errorf("answer.api_key is required for the openai backend")
		}
	default:
		return fmt.Errorf("unknown answer backend %q", c.Answer.Backend)
	}

	return nil
}
