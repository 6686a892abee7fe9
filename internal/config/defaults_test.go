package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigUsesConstants(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()

	if cfg.Server.Listen != DefaultListenAddr {
		t.Fatalf("Listen = %q, want %q", cfg.Server.Listen, DefaultListenAddr)
	}
	if cfg.Server.BasePath != DefaultBasePath {
		t.Fatalf("BasePath = %q, want %q", cfg.Server.BasePath, DefaultBasePath)
	}
	if cfg.Server.TLS.Mode != DefaultTLSMode {
		t.Fatalf("TLS.Mode = %q, want %q", cfg.Server.TLS.Mode, DefaultTLSMode)
	}
	if cfg.Server.Storage != DefaultStorage {
		t.Fatalf("Storage = %q, want %q", cfg.Server.Storage, DefaultStorage)
	}

	expectedDir := filepath.Join(home, DefaultConfigDirName)
	if cfg.Server.DataDir != expectedDir {
		t.Fatalf("DataDir = %q, want %q", cfg.Server.DataDir, expectedDir)
	}
	expectedAudit := filepath.Join(expectedDir, DefaultAuditFileName)
	if cfg.Server.AuditFile != expectedAudit {
		t.Fatalf("AuditFile = %q, want %q", cfg.Server.AuditFile, expectedAudit)
	}

	if cfg.Client.Endpoint != DefaultClientEndpoint {
		t.Fatalf("Client.Endpoint = %q, want %q", cfg.Client.Endpoint, DefaultClientEndpoint)
	}
	if cfg.Client.AuthFile != DefaultAuthPath() {
		t.Fatalf("Client.AuthFile = %q, want %q", cfg.Client.AuthFile, DefaultAuthPath())
	}

	if cfg.JIT.Enabled {
		t.Fatalf("JIT.Enabled = true, want false")
	}
	if cfg.JIT.MaxTimeoutMinutes != DefaultMaxTimeoutMinutes {
		t.Fatalf("JIT.MaxTimeoutMinutes = %d, want %d", cfg.JIT.MaxTimeoutMinutes, DefaultMaxTimeoutMinutes)
	}
	if cfg.JIT.AgentTimeoutMinutes != DefaultAgentTimeoutMinutes {
		t.Fatalf("JIT.AgentTimeoutMinutes = %d, want %d", cfg.JIT.AgentTimeoutMinutes, DefaultAgentTimeoutMinutes)
	}
	if !cfg.JIT.RequirePassword || !cfg.JIT.LogCommands {
		t.Fatalf("expected require_password and log_commands on by default")
	}
	if len(cfg.JIT.AgentWhitelist) == 0 || len(cfg.JIT.AgentBlocked) == 0 {
		t.Fatalf("expected default agent lists")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Storage = StoragePostgres
	cfg.Server.TLS.Mode = "magic"
	cfg.JIT.SpawnRetries = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"postgres_dsn", "tls.mode", "spawn_retries"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestLoaderReadsEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("JITTERM_JIT_ENABLED", "true")
	t.Setenv("JITTERM_JIT_MAX_CONCURRENT_SESSIONS", "7")
	t.Setenv("JITTERM_SERVER_ENVIRONMENT", "production")
	t.Setenv("JITTERM_SERVER_STORAGE", StorageMemory)

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.JIT.Enabled {
		t.Fatalf("JIT.Enabled = false, want true")
	}
	if cfg.JIT.MaxConcurrentSessions != 7 {
		t.Fatalf("JIT.MaxConcurrentSessions = %d, want 7", cfg.JIT.MaxConcurrentSessions)
	}
	if cfg.Server.Environment != "production" {
		t.Fatalf("Environment = %q, want production", cfg.Server.Environment)
	}
	if cfg.Server.Storage != StorageMemory {
		t.Fatalf("Storage = %q, want %q", cfg.Server.Storage, StorageMemory)
	}
}
