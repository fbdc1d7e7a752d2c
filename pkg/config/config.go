// Package config loads runtime configuration from the environment plus an
// optional YAML file under the state home, and installs the process logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the recognized environment options.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3000
	DefaultEnv  = "development"

	homeDirName = ".groundctl"
	yamlName    = "config.yaml"
)

// AgentConfig carries the agent invocation templates read from config.yaml.
type AgentConfig struct {
	PRDCommand   []string `yaml:"prd_command"`
	TasksCommand []string `yaml:"tasks_command"`
	TaskCommand  []string `yaml:"task_command"`
	PRDFile      string   `yaml:"prd_file"`
	TasksFile    string   `yaml:"tasks_file"`
}

// SandboxConfig carries container runtime overrides.
type SandboxConfig struct {
	Image       string `yaml:"image"`
	MemoryBytes int64  `yaml:"memory_bytes"`
	NanoCPUs    int64  `yaml:"nano_cpus"`
	PidsLimit   int64  `yaml:"pids_limit"`
}

// RetentionConfig carries the audit sweep policy.
type RetentionConfig struct {
	AuditDays     int           `yaml:"audit_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type fileConfig struct {
	Agent     AgentConfig     `yaml:"agent"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Retention RetentionConfig `yaml:"retention"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Host     string
	Port     int
	AppHome  string
	LogLevel string
	APIToken string
	Env      string

	Agent     AgentConfig
	Sandbox   SandboxConfig
	Retention RetentionConfig
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Production reports whether the process runs with production settings.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Load resolves configuration: .env (best effort), environment variables,
// then the optional <APP_HOME>/config.yaml.
func Load() (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		Host:     envOr("HOST", DefaultHost),
		Port:     DefaultPort,
		LogLevel: envOr("LOG_LEVEL", "info"),
		APIToken: os.Getenv("API_TOKEN"),
		Env:      envOr("ENV", DefaultEnv),
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}

	home := os.Getenv("APP_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, homeDirName)
	}
	cfg.AppHome = home

	if err := cfg.loadFile(filepath.Join(home, yamlName)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	c.Agent = fc.Agent
	c.Sandbox = fc.Sandbox
	c.Retention = fc.Retention
	return nil
}

// SetupLogging installs the default slog handler: JSON in production, text
// otherwise, at the configured level.
func (c *Config) SetupLogging() {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}
	var handler slog.Handler
	if c.Production() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps the LOG_LEVEL option onto slog levels. "trace" maps below
// debug; "fatal" maps to error (fatal exits are the caller's job).
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
