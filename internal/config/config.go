// Package config loads the graphsync configuration file and builds the
// process logger from it.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Editor EditorConfig `yaml:"editor"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the reference server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // ":8080"
	AuthToken string `yaml:"auth_token"` // empty disables auth
	ParsePath string `yaml:"parse_path"` // "/ajax_parse"
	SavePath  string `yaml:"save_path"`  // "/save"
	Diagram   string `yaml:"diagram"`    // name the history is stored under
}

// StoreConfig selects the revision store.
type StoreConfig struct {
	Type         string      `yaml:"type"`          // "memory", "file", "redis"
	Path         string      `yaml:"path"`          // file store log path
	SyncInterval string      `yaml:"sync_interval"` // file store; empty syncs every append
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

// EditorConfig configures editor sessions (the sync command).
type EditorConfig struct {
	ServerURL string `yaml:"server_url"`
	Transport string `yaml:"transport"` // "http" or "ws"
	Timeout   string `yaml:"timeout"`   // Go duration, "10s"
	AuthToken string `yaml:"auth_token"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			ParsePath: "/ajax_parse",
			SavePath:  "/save",
			Diagram:   "default",
		},
		Store: StoreConfig{
			Type: "memory",
			Path: "graphsync.aof",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "graphsync:",
			},
		},
		Editor: EditorConfig{
			ServerURL: "http://localhost:8080",
			Transport: "http",
			Timeout:   "10s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotEnv loads variables from the given .env files (".env" when none is
// given) without overriding the environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("could not load env file '%s': %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults. Environment variables
// (${VAR}) are expanded before parsing, and unknown fields are rejected to
// catch typos. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	expandedData := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(strings.NewReader(expandedData))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in '%s': %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated fields and durations.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("store.type must be memory, file or redis, got %q", c.Store.Type)
	}
	if c.Store.Type == "file" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the file store")
	}
	if _, err := c.Store.SyncEvery(); err != nil {
		return err
	}
	switch c.Editor.Transport {
	case "http", "ws":
	default:
		return fmt.Errorf("editor.transport must be http or ws, got %q", c.Editor.Transport)
	}
	if _, err := c.Editor.RequestTimeout(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SyncEvery parses SyncInterval. An empty value means an fsync per append.
func (s StoreConfig) SyncEvery() (time.Duration, error) {
	if s.SyncInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.SyncInterval)
	if err != nil {
		return 0, fmt.Errorf("store.sync_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("store.sync_interval must not be negative")
	}
	return d, nil
}

// RequestTimeout parses Timeout. An empty value means no timeout.
func (e EditorConfig) RequestTimeout() (time.Duration, error) {
	if e.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 0, fmt.Errorf("editor.timeout: %w", err)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a logger writing to w as configured.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
}
