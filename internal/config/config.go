// Package config loads the service configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the queue and readiness store implementations.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type RedisConfig struct {
	// Addr is a single host:port. Addrs takes precedence when set and
	// enables cluster mode.
	Addr     string   `yaml:"addr"`
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`

	// Stream and Group name the task stream and its consumer group.
	Stream string `yaml:"stream"`
	Group  string `yaml:"group"`
}

type PostgresConfig struct {
	// DSN enables the Postgres video repository. Empty keeps metadata in
	// memory.
	DSN            string        `yaml:"dsn"`
	MaxConnections int32         `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type ObjectStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type NotifierConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// SourceRoot is where uploaded originals are stored.
	SourceRoot string `yaml:"source_root"`

	// OutputRoot is where finished renditions are written.
	OutputRoot string `yaml:"output_root"`

	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	// Workers bounds concurrent encodes; RetryLimit bounds requeues per
	// quality job.
	Workers    int `yaml:"workers"`
	RetryLimit int `yaml:"retry_limit"`

	// QueueCapacity bounds the in-memory queue backend.
	QueueCapacity int `yaml:"queue_capacity"`

	// Backend selects memory or redis for the task queue and readiness
	// store.
	Backend string `yaml:"backend"`

	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Log           LogConfig           `yaml:"log"`
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		SourceRoot:    "./data/sources",
		OutputRoot:    "./data/renditions",
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		Workers:       2,
		RetryLimit:    2,
		QueueCapacity: 1024,
		Backend:       BackendMemory,
		Notifier: NotifierConfig{
			PollInterval: 2 * time.Second,
			MaxWait:      10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error; defaults plus the
// environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.ListenAddr, "VODWORKS_LISTEN_ADDR")
	overrideString(&c.SourceRoot, "VODWORKS_SOURCE_ROOT")
	overrideString(&c.OutputRoot, "VODWORKS_OUTPUT_ROOT")
	overrideString(&c.FFmpegPath, "VODWORKS_FFMPEG_PATH")
	overrideString(&c.FFprobePath, "VODWORKS_FFPROBE_PATH")
	overrideString(&c.Backend, "VODWORKS_BACKEND")
	overrideInt(&c.Workers, "VODWORKS_WORKERS")
	overrideInt(&c.RetryLimit, "VODWORKS_RETRY_LIMIT")
	overrideString(&c.Redis.Addr, "VODWORKS_REDIS_ADDR")
	overrideString(&c.Redis.Password, "VODWORKS_REDIS_PASSWORD")
	overrideString(&c.Postgres.DSN, "VODWORKS_POSTGRES_DSN")
	overrideString(&c.ObjectStorage.Endpoint, "VODWORKS_S3_ENDPOINT")
	overrideString(&c.ObjectStorage.Bucket, "VODWORKS_S3_BUCKET")
	overrideString(&c.ObjectStorage.AccessKey, "VODWORKS_S3_ACCESS_KEY")
	overrideString(&c.ObjectStorage.SecretKey, "VODWORKS_S3_SECRET_KEY")
	overrideString(&c.Log.Level, "VODWORKS_LOG_LEVEL")
	overrideString(&c.Log.Format, "VODWORKS_LOG_FORMAT")
}

// Validate checks the configuration for inconsistencies before anything is
// wired up.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if strings.TrimSpace(c.SourceRoot) == "" {
		return fmt.Errorf("source_root is required")
	}
	if strings.TrimSpace(c.OutputRoot) == "" {
		return fmt.Errorf("output_root is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendMemory:
		c.Backend = BackendMemory
	case BackendRedis:
		c.Backend = BackendRedis
		if strings.TrimSpace(c.Redis.Addr) == "" && len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis backend requires redis.addr or redis.addrs")
		}
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	if c.Notifier.PollInterval < 0 || c.Notifier.MaxWait < 0 {
		return fmt.Errorf("notifier intervals must not be negative")
	}
	return nil
}

func overrideString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func overrideInt(dst *int, key string) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		*dst = parsed
	}
}
