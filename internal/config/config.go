package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for jitterm.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Client ClientConfig `mapstructure:"client" yaml:"client"`
	JIT    JITConfig    `mapstructure:"jit" yaml:"jit"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Listen    string    `mapstructure:"listen" yaml:"listen"`
	DataDir   string    `mapstructure:"data_dir" yaml:"data_dir"`
	UsersFile string    `mapstructure:"users_file" yaml:"users_file"`
	BasePath  string    `mapstructure:"base" yaml:"base"`
	TLS       TLSConfig `mapstructure:"tls" yaml:"tls"`
	// Environment classifies the deployment; "production" engages the
	// production gate.
	Environment string `mapstructure:"environment" yaml:"environment"`
	// TrustedProxyAuth accepts identity headers set by a fronting proxy.
	TrustedProxyAuth bool `mapstructure:"trusted_proxy_auth" yaml:"trusted_proxy_auth"`
	// Storage selects where policy, sessions and tokens live: memory, file or postgres.
	Storage     string `mapstructure:"storage" yaml:"storage"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	AuditFile   string `mapstructure:"audit_file" yaml:"audit_file"`
}

// ClientConfig configures client defaults.
type ClientConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	AuthFile string `mapstructure:"auth_file" yaml:"auth_file"`
}

// JITConfig seeds the access policy on first start and configures the
// terminal runtime.
type JITConfig struct {
	Enabled               bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowInProduction     bool     `mapstructure:"allow_in_production" yaml:"allow_in_production"`
	DefaultTimeoutMinutes int      `mapstructure:"default_timeout_minutes" yaml:"default_timeout_minutes"`
	MaxTimeoutMinutes     int      `mapstructure:"max_timeout_minutes" yaml:"max_timeout_minutes"`
	MaxConcurrentSessions int      `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	RequirePassword       bool     `mapstructure:"require_password" yaml:"require_password"`
	LogCommands           bool     `mapstructure:"log_commands" yaml:"log_commands"`
	AgentTimeoutMinutes   int      `mapstructure:"agent_timeout_minutes" yaml:"agent_timeout_minutes"`
	AgentWhitelist        []string `mapstructure:"agent_whitelist" yaml:"agent_whitelist"`
	AgentBlocked          []string `mapstructure:"agent_blocked" yaml:"agent_blocked"`
	AgentDirectories      []string `mapstructure:"agent_directories" yaml:"agent_directories"`

	Shell         string        `mapstructure:"shell" yaml:"shell"`
	Term          string        `mapstructure:"term" yaml:"term"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SpawnRetries  int           `mapstructure:"spawn_retries" yaml:"spawn_retries"`
}

// TLSConfig configures TLS behavior for the server.
type TLSConfig struct {
	Mode     string   `mapstructure:"mode" yaml:"mode"`
	Bundle   []string `mapstructure:"bundle" yaml:"bundle"`
	Hostname string   `mapstructure:"hostname" yaml:"hostname"`
	Dir      string   `mapstructure:"dir" yaml:"dir"`
	CacheDir string   `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// Validate reports every invalid server setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Server.Storage {
	case StorageMemory, StorageFile:
	case StoragePostgres:
		if strings.TrimSpace(c.Server.PostgresDSN) == "" {
			errs = append(errs, errors.New("config: server.postgres_dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown server.storage %q", c.Server.Storage))
	}
	switch c.Server.TLS.Mode {
	case "auto", "bundle", "acme", "off":
	default:
		errs = append(errs, fmt.Errorf("config: unknown server.tls.mode %q", c.Server.TLS.Mode))
	}
	if c.JIT.SpawnRetries < 0 {
		errs = append(errs, errors.New("config: jit.spawn_retries must not be negative"))
	}
	if c.JIT.SweepInterval < 0 {
		errs = append(errs, errors.New("config: jit.sweep_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Loader wraps Viper configuration loading for jitterm.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader initializes a Loader with standard defaults.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("JITTERM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/jitterm")
	v.AddConfigPath("$HOME/.jitterm")

	SetDefaults(v)
	return &Loader{v: v}
}

// SetDefaults registers DefaultConfig on v so environment variables resolve
// for every key, including ones without a bound flag.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.users_file", d.Server.UsersFile)
	v.SetDefault("server.base", d.Server.BasePath)
	v.SetDefault("server.tls.mode", d.Server.TLS.Mode)
	v.SetDefault("server.tls.bundle", d.Server.TLS.Bundle)
	v.SetDefault("server.tls.hostname", d.Server.TLS.Hostname)
	v.SetDefault("server.tls.dir", d.Server.TLS.Dir)
	v.SetDefault("server.tls.cache_dir", d.Server.TLS.CacheDir)
	v.SetDefault("server.environment", d.Server.Environment)
	v.SetDefault("server.trusted_proxy_auth", d.Server.TrustedProxyAuth)
	v.SetDefault("server.storage", d.Server.Storage)
	v.SetDefault("server.postgres_dsn", d.Server.PostgresDSN)
	v.SetDefault("server.audit_file", d.Server.AuditFile)

	v.SetDefault("client.endpoint", d.Client.Endpoint)
	v.SetDefault("client.auth_file", d.Client.AuthFile)

	v.SetDefault("jit.enabled", d.JIT.Enabled)
	v.SetDefault("jit.allow_in_production", d.JIT.AllowInProduction)
	v.SetDefault("jit.default_timeout_minutes", d.JIT.DefaultTimeoutMinutes)
	v.SetDefault("jit.max_timeout_minutes", d.JIT.MaxTimeoutMinutes)
	v.SetDefault("jit.max_concurrent_sessions", d.JIT.MaxConcurrentSessions)
	v.SetDefault("jit.require_password", d.JIT.RequirePassword)
	v.SetDefault("jit.log_commands", d.JIT.LogCommands)
	v.SetDefault("jit.agent_timeout_minutes", d.JIT.AgentTimeoutMinutes)
	v.SetDefault("jit.agent_whitelist", d.JIT.AgentWhitelist)
	v.SetDefault("jit.agent_blocked", d.JIT.AgentBlocked)
	v.SetDefault("jit.agent_directories", d.JIT.AgentDirectories)
	v.SetDefault("jit.shell", d.JIT.Shell)
	v.SetDefault("jit.term", d.JIT.Term)
	v.SetDefault("jit.sweep_interval", d.JIT.SweepInterval)
	v.SetDefault("jit.spawn_retries", d.JIT.SpawnRetries)
}

// Viper exposes the underlying Viper instance for flag binding and defaults.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = strings.TrimSpace(path)
}

// ReadInConfig reads configuration from file if available.
func (l *Loader) ReadInConfig() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads configuration and unmarshals it into a Config struct.
func (l *Loader) Load() (Config, error) {
	if err := l.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
