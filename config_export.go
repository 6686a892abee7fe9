package jitterm

import "pkt.systems/jitterm/internal/config"

// Config mirrors the jitterm configuration.
type Config = config.Config

// ServerConfig configures the API server.
type ServerConfig = config.ServerConfig

// ClientConfig configures client defaults.
type ClientConfig = config.ClientConfig

// JITConfig seeds the access policy and configures the terminal runtime.
type JITConfig = config.JITConfig

// TLSConfig configures TLS for the API server.
type TLSConfig = config.TLSConfig

// Loader wraps configuration loading via Viper.
type Loader = config.Loader

const (
	// DefaultConfigDirName is the directory name under the home directory.
	DefaultConfigDirName = config.DefaultConfigDirName
	// DefaultConfigFileName is the default config file name.
	DefaultConfigFileName = config.DefaultConfigFileName
	// DefaultAuthFileName is the default auth file name.
	DefaultAuthFileName = config.DefaultAuthFileName
	// DefaultUsersFileName is the default users file name.
	DefaultUsersFileName = config.DefaultUsersFileName

	// DefaultListenAddr is the default server listen address.
	DefaultListenAddr = config.DefaultListenAddr
	// DefaultBasePath is the default HTTP base path.
	DefaultBasePath = config.DefaultBasePath
	// DefaultTLSMode is the default TLS mode.
	DefaultTLSMode = config.DefaultTLSMode
	// DefaultClientEndpoint is the default client endpoint.
	DefaultClientEndpoint = config.DefaultClientEndpoint
	// DefaultEnvironment is the deployment classification used when none is set.
	DefaultEnvironment = config.DefaultEnvironment
	// DefaultStorage is the default storage backend.
	DefaultStorage = config.DefaultStorage

	// StorageMemory keeps all state in process memory.
	StorageMemory = config.StorageMemory
	// StorageFile persists state under the data directory.
	StorageFile = config.StorageFile
	// StoragePostgres keeps policy and audit in Postgres.
	StoragePostgres = config.StoragePostgres
)

// NewLoader returns a config loader with defaults wired.
func NewLoader() *config.Loader {
	return config.NewLoader()
}

// DefaultConfig returns the default jitterm configuration.
func DefaultConfig() Config {
	return config.DefaultConfig()
}

// DefaultConfigDir returns the default config directory.
func DefaultConfigDir() string {
	return config.DefaultConfigDir()
}

// DefaultConfigPath returns the default config path.
func DefaultConfigPath() string {
	return config.DefaultConfigPath()
}

// DefaultAuthPath returns the default auth file path.
func DefaultAuthPath() string {
	return config.DefaultAuthPath()
}

// DefaultTLSDir returns the default TLS directory.
func DefaultTLSDir() string {
	return config.DefaultTLSDir()
}

// DefaultUsersPath returns the default users file path.
func DefaultUsersPath() string {
	return config.DefaultUsersPath()
}

// DefaultTLSCacheDir returns the default ACME cache directory.
func DefaultTLSCacheDir() string {
	return config.DefaultTLSCacheDir()
}

// DefaultAuditPath returns the default audit log path.
func DefaultAuditPath() string {
	return config.DefaultAuditPath()
}
