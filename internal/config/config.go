package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/svisor/internal/env"
	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/supervisor"
)

// EnvPrefix prefixes environment overrides, e.g. SVISOR_SUPERVISOR_MONITOR_INTERVAL=2s.
const EnvPrefix = "SVISOR"

// Config is the top-level configuration file.
type Config struct {
	// Env is applied to every service before the service's own env.
	Env      []string `json:"env,omitempty" mapstructure:"env"`
	EnvFiles []string `json:"env_files,omitempty" mapstructure:"env_files"`

	Supervisor supervisor.Timing       `json:"supervisor" mapstructure:"supervisor"`
	Log        logger.Config           `json:"log" mapstructure:"log"`
	Metrics    MetricsConfig           `json:"metrics" mapstructure:"metrics"`
	Server     ServerConfig            `json:"server" mapstructure:"server"`
	History    HistoryConfig           `json:"history" mapstructure:"history"`
	Services   []supervisor.Descriptor `json:"services" mapstructure:"services"`

	// directory of the loaded file; relative paths resolve against it
	baseDir string
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on its own address. Empty reuses the status server.
	Listen string `json:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `json:"listen" mapstructure:"listen"`
	BasePath string `json:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	DSNs       []string `json:"dsns" mapstructure:"dsns"`
	BufferSize int      `json:"buffer_size" mapstructure:"buffer_size"`
}

// Load reads a TOML or YAML file (chosen by extension), applies SVISOR_*
// environment overrides, merges env files into every service and validates
// the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(abs)

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about.
	d := supervisor.DefaultTiming()
	v.SetDefault("supervisor.settle_delay", d.SettleDelay)
	v.SetDefault("supervisor.readiness_interval", d.ReadinessInterval)
	v.SetDefault("supervisor.readiness_timeout", d.ReadinessTimeout)
	v.SetDefault("supervisor.probe_timeout", d.ProbeTimeout)
	v.SetDefault("supervisor.monitor_interval", d.MonitorInterval)
	v.SetDefault("supervisor.grace_period", d.GracePeriod)
	v.SetDefault("supervisor.restart_settle_delay", d.RestartSettleDelay)
	v.SetDefault("supervisor.restart_readiness_timeout", d.RestartReadinessTimeout)
	v.SetDefault("supervisor.backoff_base", d.BackoffBase)
	v.SetDefault("supervisor.backoff_max", d.BackoffMax)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.process.dir", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.buffer_size", 0)
	return v
}

// resolve makes relative paths absolute against the config file and
// merges global env into each service. Service env wins over global env and
// ${VAR} references are expanded.
func (c *Config) resolve() error {
	global := env.New()
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(c.abs(p))
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		global.Apply(pairs)
	}
	global.Apply(c.Env)

	c.Log.File.Dir = c.abs(c.Log.File.Dir)
	c.Log.File.StdoutPath = c.abs(c.Log.File.StdoutPath)
	c.Log.File.StderrPath = c.abs(c.Log.File.StderrPath)
	for i := range c.Services {
		svc := &c.Services[i]
		svc.WorkDir = c.abs(svc.WorkDir)
		// A relative target is looked up in work_dir when one is set.
		if svc.WorkDir == "" {
			svc.Target = c.abs(svc.Target)
		}
		if global.Len() == 0 && len(svc.Env) == 0 {
			continue
		}
		svc.Env = global.Merge(svc.Env)
	}
	return nil
}

func (c *Config) abs(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// Validate checks the fleet, the timings and the outer surfaces.
func (c *Config) Validate() error {
	var errs []error
	if err := supervisor.ValidateDescriptors(c.Services); err != nil {
		errs = append(errs, err)
	}
	if err := c.Supervisor.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if err := c.Log.File.Validate(); err != nil {
		errs = append(errs, err)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", bp))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" && c.Server.Listen == "" {
		errs = append(errs, errors.New("metrics enabled but neither metrics.listen nor server.listen is set"))
	}
	for i, dsn := range c.History.DSNs {
		if strings.TrimSpace(dsn) == "" {
			errs = append(errs, fmt.Errorf("history.dsns[%d] is empty", i))
		}
	}
	if c.History.BufferSize < 0 {
		errs = append(errs, errors.New("history.buffer_size must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(val))
	}
	return out, nil
}
