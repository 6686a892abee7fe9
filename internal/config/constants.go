package config

import "time"

const (
	// DefaultConfigDirName is the directory name under the home directory.
	DefaultConfigDirName = ".jitterm"
	// DefaultConfigFileName is the default config file name.
	DefaultConfigFileName = "config.yaml"
	// DefaultAuthFileName is the default client auth file name.
	DefaultAuthFileName = "auth.json"
	// DefaultTLSDirName is the TLS directory name under the config directory.
	DefaultTLSDirName = "tls"
	// DefaultTLSCacheDirName is the ACME cache directory name under the TLS directory.
	DefaultTLSCacheDirName = "cache"
	// DefaultUsersFileName is the default users file name.
	DefaultUsersFileName = "users.json"
	// DefaultAuditFileName is the default audit log file name.
	DefaultAuditFileName = "audit.jsonl"

	// DefaultListenAddr is the default server listen address.
	DefaultListenAddr = "127.0.0.1:12870"
	// DefaultBasePath is the default HTTP base path.
	DefaultBasePath = "/api/jit"
	// DefaultTLSMode is the default TLS mode.
	DefaultTLSMode = "auto"
	// DefaultClientEndpoint is the default client endpoint.
	DefaultClientEndpoint = "https://localhost:12870/api/jit"
	// DefaultEnvironment is the deployment classification used when none is set.
	DefaultEnvironment = "development"

	// StorageMemory keeps policy, sessions and tokens in process memory.
	StorageMemory = "memory"
	// StorageFile persists them as files under the data directory.
	StorageFile = "file"
	// StoragePostgres keeps policy and audit in Postgres.
	StoragePostgres = "postgres"
	// DefaultStorage is the default storage backend.
	DefaultStorage = StorageFile

	// DefaultTimeoutMinutes is the session length used when the caller does not ask for one.
	DefaultTimeoutMinutes = 10
	// DefaultMaxTimeoutMinutes is the longest session the default policy grants.
	DefaultMaxTimeoutMinutes = 60
	// DefaultMaxConcurrentSessions is the per-principal session quota.
	DefaultMaxConcurrentSessions = 3
	// DefaultAgentTimeoutMinutes is the default ceiling for agent sessions.
	DefaultAgentTimeoutMinutes = 15
	// DefaultTerminalTerm is the default TERM for spawned shells.
	DefaultTerminalTerm = "xterm-256color"
	// DefaultSweepInterval is how often expired tokens are reclaimed.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultSessionSweepInterval is how often expired sessions are torn down.
	DefaultSessionSweepInterval = time.Minute
	// DefaultSpawnRetries is how many extra spawn attempts a terminal attach makes.
	DefaultSpawnRetries = 2
)
