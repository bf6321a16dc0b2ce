package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIKey ships in example unit files and docker-compose
	// snippets. Startup warns loudly when it is still in use.
	DefaultAPIKey = "forge-insecure-default-key"

	minAPIKeyLength = 16

	DefaultPort        = 8080
	DefaultDBPath      = "forge.db"
	DefaultStoragePath = "artifacts"

	DefaultMaxSourceSize = int64(500 << 20) // 500 MB
	DefaultMaxCertsSize  = int64(10 << 20)  // 10 MB
	DefaultMaxResultSize = int64(1 << 30)   // 1 GB

	DefaultPollInterval         = 30 * time.Second
	DefaultBuildTimeout         = 300 * time.Second
	DefaultWorkerOfflineTimeout = 300 * time.Second
	DefaultMonitorInterval      = 60 * time.Second

	// Worker session tokens outlive one poll interval by a minute so a
	// worker that misses a single poll does not get locked out.
	tokenTTLSlack = 60 * time.Second
)

// Config holds all process-scoped controller settings. It is assembled from
// defaults, an optional YAML file, and CONTROLLER_* environment variables,
// in that order of precedence (env wins).
type Config struct {
	Port        int    `yaml:"port"`
	DBPath      string `yaml:"db_path"`
	StoragePath string `yaml:"storage_path"`
	APIKey      string `yaml:"api_key"`

	MaxSourceSize int64 `yaml:"max_source_size"`
	MaxCertsSize  int64 `yaml:"max_certs_size"`
	MaxResultSize int64 `yaml:"max_result_size"`

	PollInterval         time.Duration `yaml:"poll_interval"`
	WorkerTokenTTL       time.Duration `yaml:"worker_token_ttl"`
	BuildTimeout         time.Duration `yaml:"build_timeout"`
	WorkerOfflineTimeout time.Duration `yaml:"worker_offline_timeout"`
	MonitorInterval      time.Duration `yaml:"monitor_interval"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with built-in defaults. The API key is
// intentionally left empty; it must come from the environment or file.
func Default() *Config {
	return &Config{
		Port:                 DefaultPort,
		DBPath:               DefaultDBPath,
		StoragePath:          DefaultStoragePath,
		MaxSourceSize:        DefaultMaxSourceSize,
		MaxCertsSize:         DefaultMaxCertsSize,
		MaxResultSize:        DefaultMaxResultSize,
		PollInterval:         DefaultPollInterval,
		BuildTimeout:         DefaultBuildTimeout,
		WorkerOfflineTimeout: DefaultWorkerOfflineTimeout,
		MonitorInterval:      DefaultMonitorInterval,
		LogLevel:             "info",
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (empty path skips the file), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.WorkerTokenTTL == 0 {
		cfg.WorkerTokenTTL = cfg.PollInterval + tokenTTLSlack
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CONTROLLER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("CONTROLLER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CONTROLLER_PORT %q: %w", v, err)
		}
		c.Port = p
	}
	if v := os.Getenv("CONTROLLER_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("CONTROLLER_STORAGE_PATH"); v != "" {
		c.StoragePath = v
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"CONTROLLER_POLL_INTERVAL_SEC", &c.PollInterval},
		{"CONTROLLER_BUILD_TIMEOUT_SEC", &c.BuildTimeout},
		{"CONTROLLER_WORKER_OFFLINE_TIMEOUT_SEC", &c.WorkerOfflineTimeout},
		{"CONTROLLER_MONITOR_INTERVAL_SEC", &c.MonitorInterval},
		{"CONTROLLER_WORKER_TOKEN_TTL_SEC", &c.WorkerTokenTTL},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid %s %q: want positive seconds", d.env, v)
		}
		*d.dst = time.Duration(secs) * time.Second
	}

	return nil
}

// Validate checks settings the process cannot run without. A failure here
// maps to exit code 1.
func (c *Config) Validate() error {
	if len(c.APIKey) < minAPIKeyLength {
		return fmt.Errorf("api_key must be at least %d characters (set CONTROLLER_API_KEY)", minAPIKeyLength)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path must not be empty")
	}
	if c.MaxSourceSize <= 0 || c.MaxCertsSize <= 0 || c.MaxResultSize <= 0 {
		return fmt.Errorf("size limits must be positive")
	}
	return nil
}

// UsingDefaultKey reports whether the well-known placeholder API key is
// still configured.
func (c *Config) UsingDefaultKey() bool {
	return c.APIKey == DefaultAPIKey
}
