package config

// DefaultConfig returns the default configuration values.
func DefaultConfig() Config {
	cfgDir := DefaultConfigDir()

	return Config{
		Server: ServerConfig{
			Listen:    DefaultListenAddr,
			DataDir:   cfgDir,
			UsersFile: DefaultUsersPath(),
			BasePath:  DefaultBasePath,
			TLS: TLSConfig{
				Mode:     DefaultTLSMode,
				Dir:      DefaultTLSDir(),
				CacheDir: DefaultTLSCacheDir(),
			},
			Environment: DefaultEnvironment,
			Storage:     DefaultStorage,
			AuditFile:   DefaultAuditPath(),
		},
		Client: ClientConfig{
			Endpoint: DefaultClientEndpoint,
			AuthFile: DefaultAuthPath(),
		},
		JIT: JITConfig{
			Enabled:               false,
			AllowInProduction:     false,
			DefaultTimeoutMinutes: DefaultTimeoutMinutes,
			MaxTimeoutMinutes:     DefaultMaxTimeoutMinutes,
			MaxConcurrentSessions: DefaultMaxConcurrentSessions,
			RequirePassword:       true,
			LogCommands:           true,
			AgentTimeoutMinutes:   DefaultAgentTimeoutMinutes,
			AgentWhitelist:        DefaultAgentWhitelist(),
			AgentBlocked:          DefaultAgentBlocked(),
			AgentDirectories:      DefaultAgentDirectories(),
			Term:                  DefaultTerminalTerm,
			SweepInterval:         DefaultSweepInterval,
			SpawnRetries:          DefaultSpawnRetries,
		},
	}
}

// DefaultAgentWhitelist lists the command prefixes agents may run.
// A "*" matches any suffix.
func DefaultAgentWhitelist() []string {
	return []string{
		"ls", "ll", "pwd", "cd", "cat", "head", "tail", "less", "more",
		"find", "grep", "awk", "sed", "sort", "uniq", "wc",
		"file", "stat", "du", "df", "whoami", "id", "groups",
		"ps", "top", "htop", "free", "uptime", "date",
		"echo", "printf", "basename", "dirname",
		"/usr/local/jitterm-tools/*",
		"git status", "git log", "git show", "git diff", "git branch",
		"systemctl status", "service status",
	}
}

// DefaultAgentBlocked lists command prefixes agents may never run.
func DefaultAgentBlocked() []string {
	return []string{
		"rm", "rmdir", "mv", "cp", "dd", "shred", "truncate",
		"sudo", "su ", "chmod", "chown", "chgrp", "mount", "umount",
		"systemctl start", "systemctl stop", "systemctl restart",
		"service start", "service stop", "service restart",
		"ssh", "scp", "rsync", "curl", "wget", "nc ", "netcat",
		"iptables", "ufw", "firewall-cmd",
		"apt", "yum", "dnf", "pacman", "brew", "pip install", "npm install -g",
		"kill", "killall", "pkill", "nohup", "screen", "tmux",
		"shutdown", "reboot", "halt", "poweroff", "init",
		"mysql", "psql", "mongo", "redis-cli",
		"vi", "vim", "nano", "emacs",
	}
}

// DefaultAgentDirectories lists the directory trees agents may cd into.
func DefaultAgentDirectories() []string {
	return []string{
		"/tmp/agent-workspace",
		"/var/log",
	}
}
