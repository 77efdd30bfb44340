package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/cmdloop/internal/logger"
	"github.com/loykin/cmdloop/internal/registry"
)

// EnvPrefix is prepended to every environment override, e.g.
// CMDLOOP_SERVER_LISTEN for server.listen.
const EnvPrefix = "CMDLOOP"

// Config is the full service configuration as read from TOML.
type Config struct {
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Registry RegistryConfig `toml:"registry" mapstructure:"registry"`
	Executor ExecutorConfig `toml:"executor" mapstructure:"executor"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	HTTP     HTTPConfig     `toml:"http" mapstructure:"http"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`

	// path of the file the config was read from, empty for defaults
	source string
}

type ServerConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"`
	MaxConns        int           `toml:"max_conns" mapstructure:"max_conns"`
	AcceptRate      float64       `toml:"accept_rate" mapstructure:"accept_rate"`
	ReadTimeout     time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	MaxFrameBytes   int           `toml:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type RegistryConfig struct {
	StateFile string `toml:"state_file" mapstructure:"state_file"`
	// StateDSN, when set, keeps the state in SQLite or PostgreSQL instead of StateFile.
	StateDSN        string   `toml:"state_dsn" mapstructure:"state_dsn"`
	DefaultInterval int      `toml:"default_interval" mapstructure:"default_interval"`
	MaxInterval     int      `toml:"max_interval" mapstructure:"max_interval"`
	Denylist        []string `toml:"denylist" mapstructure:"denylist"`
}

type ExecutorConfig struct {
	OutputDir string            `toml:"output_dir" mapstructure:"output_dir"`
	Timeout   time.Duration     `toml:"timeout" mapstructure:"timeout"`
	Shell     string            `toml:"shell" mapstructure:"shell"`
	WorkDir   string            `toml:"workdir" mapstructure:"workdir"`
	Env       map[string]string `toml:"env" mapstructure:"env"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Color      bool   `toml:"color" mapstructure:"color"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type HTTPConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:65432")
	v.SetDefault("server.max_conns", 64)
	v.SetDefault("server.accept_rate", 200.0)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.max_frame_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("registry.state_file", "programs.json")
	v.SetDefault("registry.state_dsn", "")
	v.SetDefault("registry.default_interval", registry.DefaultInterval)
	v.SetDefault("registry.max_interval", registry.DefaultMaxInterval)
	v.SetDefault("registry.denylist", registry.DefaultDenylist)

	v.SetDefault("executor.output_dir", "commands")
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.shell", "")
	v.SetDefault("executor.workdir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "server.log")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.color", true)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("http.listen", "")
	v.SetDefault("http.base_path", "")

	v.SetDefault("history.dsns", []string{})
}

// Load reads the TOML file at path, applies defaults and CMDLOOP_*
// environment overrides, and validates the result. An empty path yields the
// defaults plus environment. Relative file paths in the config are resolved
// against the directory of the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.source = path
	cfg.resolvePaths()
	cfg.normalizeEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Source returns the path the config was loaded from.
func (c *Config) Source() string { return c.source }

func (c *Config) resolvePaths() {
	if c.source == "" {
		return
	}
	base := filepath.Dir(c.source)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Registry.StateFile = resolve(c.Registry.StateFile)
	c.Executor.OutputDir = resolve(c.Executor.OutputDir)
	c.Log.File = resolve(c.Log.File)
	c.Registry.StateDSN = resolveDSN(c.Registry.StateDSN, resolve)
	for i, dsn := range c.History.DSNs {
		c.History.DSNs[i] = resolveDSN(dsn, resolve)
	}
}

// resolveDSN applies resolve to the file path of a SQLite DSN, written
// either bare or as sqlite://path. Network URLs, file: URIs and
// in-memory databases are returned unchanged.
func resolveDSN(dsn string, resolve func(string) string) string {
	const scheme = "sqlite://"
	prefix, path := "", dsn
	switch {
	case len(dsn) >= len(scheme) && strings.EqualFold(dsn[:len(scheme)], scheme):
		prefix, path = dsn[:len(scheme)], dsn[len(scheme):]
	case strings.Contains(dsn, "://"), strings.HasPrefix(strings.ToLower(dsn), "file:"):
		return dsn
	}
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return dsn
	}
	return prefix + resolve(path)
}

// viper lowercases map keys; environment names are conventionally upper case.
func (c *Config) normalizeEnv() {
	if len(c.Executor.Env) == 0 {
		return
	}
	m := make(map[string]string, len(c.Executor.Env))
	for k, v := range c.Executor.Env {
		m[strings.ToUpper(k)] = v
	}
	c.Executor.Env = m
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("server.max_conns must be positive, got %d", c.Server.MaxConns))
	}
	if c.Server.AcceptRate <= 0 {
		errs = append(errs, fmt.Errorf("server.accept_rate must be positive, got %v", c.Server.AcceptRate))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Server.MaxFrameBytes < 64 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes too small: %d", c.Server.MaxFrameBytes))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Registry.StateFile == "" && c.Registry.StateDSN == "" {
		errs = append(errs, errors.New("registry.state_file or registry.state_dsn is required"))
	}
	if c.Registry.MaxInterval < 1 {
		errs = append(errs, fmt.Errorf("registry.max_interval must be positive, got %d", c.Registry.MaxInterval))
	}
	if c.Registry.DefaultInterval < 1 || c.Registry.DefaultInterval > c.Registry.MaxInterval {
		errs = append(errs, fmt.Errorf("registry.default_interval must be between 1 and %d, got %d",
			c.Registry.MaxInterval, c.Registry.DefaultInterval))
	}
	if c.Executor.OutputDir == "" {
		errs = append(errs, errors.New("executor.output_dir is required"))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoggerConfig maps the [log] section onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Color:      c.Log.Color,
	}
}
