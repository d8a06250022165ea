// Package config loads pick-runner settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend names accepted in Config.Backend.
const (
	BackendGitHub = "github"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

const (
	envPrefix        = "PICK_RUNNER_"
	defaultGitHubAPI = "https://api.github.com"
)

// Duration is a time.Duration that reads "5m" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a number of milliseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// GitHubConfig configures the git refs backend.
type GitHubConfig struct {
	API        string `yaml:"api"`
	Repository string `yaml:"repository"` // owner/name
	Token      string `yaml:"token"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SQLConfig configures the gorm backend.
type SQLConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql or postgres
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// NATSConfig configures the JetStream key-value backend.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // also log to this rotated file
}

// Config holds every setting of the pick-runner command.
type Config struct {
	Backend       string   `yaml:"backend"`
	Key           string   `yaml:"key"`
	Timeout       Duration `yaml:"timeout"`
	RetryInterval Duration `yaml:"retry_interval"`

	// Workflow and Job are recorded in the lock metadata.
	Workflow string `yaml:"workflow"`
	Job      string `yaml:"job"`

	GitHub GitHubConfig `yaml:"github"`
	Redis  RedisConfig  `yaml:"redis"`
	SQL    SQLConfig    `yaml:"sql"`
	NATS   NATSConfig   `yaml:"nats"`
	Log    LogConfig    `yaml:"log"`

	MetricsFile string `yaml:"metrics_file"`
	Trace       bool   `yaml:"trace"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Backend:       BackendGitHub,
		Timeout:       Duration(5 * time.Minute),
		RetryInterval: Duration(3 * time.Second),
		Redis:         RedisConfig{Addr: "127.0.0.1:6379"},
		SQL:           SQLConfig{Driver: "sqlite"},
		NATS:          NATSConfig{URL: "nats://127.0.0.1:4222"},
		Log:           LogConfig{Level: "info", Format: "console"},
	}
}

// GetDefaultEnv returns the environment variable key verbatim, or value when
// unset.
func GetDefaultEnv(key, value string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return value
	}
	return val
}

// fallbackEnv returns cur, or the environment variable key when cur is empty.
func fallbackEnv(cur, key string) string {
	if cur != "" {
		return cur
	}
	return os.Getenv(key)
}

// Load returns the defaults, overlaid with the YAML file at path (when path
// is not empty) and then with the PICK_RUNNER_* environment. The GitHub
// Actions variables only fill settings left empty by both.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Backend = GetDefaultEnv(envPrefix+"BACKEND", c.Backend)
	c.Key = GetDefaultEnv(envPrefix+"KEY", c.Key)
	c.Workflow = fallbackEnv(GetDefaultEnv(envPrefix+"WORKFLOW", c.Workflow), "GITHUB_RUN_ID")
	c.Job = fallbackEnv(GetDefaultEnv(envPrefix+"JOB", c.Job), "GITHUB_JOB")

	c.GitHub.API = fallbackEnv(GetDefaultEnv(envPrefix+"GITHUB_API", c.GitHub.API), "GITHUB_API_URL")
	if c.GitHub.API == "" {
		c.GitHub.API = defaultGitHubAPI
	}
	c.GitHub.Repository = fallbackEnv(GetDefaultEnv(envPrefix+"REPOSITORY", c.GitHub.Repository), "GITHUB_REPOSITORY")
	c.GitHub.Token = fallbackEnv(GetDefaultEnv(envPrefix+"TOKEN", c.GitHub.Token), "GITHUB_TOKEN")

	c.Redis.Addr = GetDefaultEnv(envPrefix+"REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = GetDefaultEnv(envPrefix+"REDIS_PASSWORD", c.Redis.Password)
	c.SQL.Driver = GetDefaultEnv(envPrefix+"SQL_DRIVER", c.SQL.Driver)
	c.SQL.DSN = GetDefaultEnv(envPrefix+"SQL_DSN", c.SQL.DSN)
	c.NATS.URL = GetDefaultEnv(envPrefix+"NATS_URL", c.NATS.URL)
	c.NATS.Bucket = GetDefaultEnv(envPrefix+"NATS_BUCKET", c.NATS.Bucket)

	c.Log.Level = GetDefaultEnv(envPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetDefaultEnv(envPrefix+"LOG_FORMAT", c.Log.Format)
	c.Log.File = GetDefaultEnv(envPrefix+"LOG_FILE", c.Log.File)
	c.MetricsFile = GetDefaultEnv(envPrefix+"METRICS_FILE", c.MetricsFile)

	if v := GetDefaultEnv(envPrefix+"REDIS_DB", ""); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sREDIS_DB: %w", envPrefix, err)
		}
		c.Redis.DB = db
	}
	for name, dst := range map[string]*Duration{
		envPrefix + "TIMEOUT":        &c.Timeout,
		envPrefix + "RETRY_INTERVAL": &c.RetryInterval,
	} {
		if v := GetDefaultEnv(name, ""); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = Duration(d)
		}
	}
	if v := GetDefaultEnv(envPrefix+"TRACE", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sTRACE: %w", envPrefix, err)
		}
		c.Trace = b
	}
	return nil
}

// Validate checks that the settings needed by the selected backend are set.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Key) == "" {
		errs = append(errs, errors.New("key is required"))
	}
	if c.Timeout < 0 || c.RetryInterval < 0 {
		errs = append(errs, errors.New("timeout and retry interval must not be negative"))
	}
	switch c.Backend {
	case BackendGitHub:
		if c.GitHub.Repository == "" {
			errs = append(errs, errors.New("github.repository is required"))
		}
		if c.GitHub.Token == "" {
			errs = append(errs, errors.New("github.token is required"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case BackendSQL:
		switch c.SQL.Driver {
		case "sqlite", "mysql", "postgres":
		default:
			errs = append(errs, fmt.Errorf("sql.driver %q is not supported", c.SQL.Driver))
		}
		if c.SQL.DSN == "" {
			errs = append(errs, errors.New("sql.dsn is required"))
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
