// Package policy owns the mutable access policy: the feature switch,
// timeouts, quotas and the agent restriction lists.
package policy

import (
	"slices"

	"pkt.systems/jitterm/internal/config"
)

// Upper bounds accepted by Validate.
const (
	MaxTimeoutLimit  = 24 * 60
	MaxSessionsLimit = 100
)

// AgentPolicy is the restriction source that agent profiles are frozen from.
type AgentPolicy struct {
	CommandWhitelist   []string `json:"commandWhitelist" yaml:"command_whitelist"`
	BlockedCommands    []string `json:"blockedCommands" yaml:"blocked_commands"`
	AllowedDirectories []string `json:"allowedDirectories" yaml:"allowed_directories"`
}

// Clone returns a deep copy.
func (a AgentPolicy) Clone() AgentPolicy {
	return AgentPolicy{
		CommandWhitelist:   slices.Clone(a.CommandWhitelist),
		BlockedCommands:    slices.Clone(a.BlockedCommands),
		AllowedDirectories: slices.Clone(a.AllowedDirectories),
	}
}

// Snapshot is one consistent view of the policy.
type Snapshot struct {
	Enabled               bool        `json:"enabled" yaml:"enabled"`
	AllowInProduction     bool        `json:"allowInProduction" yaml:"allow_in_production"`
	DefaultTimeoutMinutes int         `json:"defaultTimeoutMinutes" yaml:"default_timeout_minutes"`
	MaxTimeoutMinutes     int         `json:"maxTimeoutMinutes" yaml:"max_timeout_minutes"`
	MaxConcurrentSessions int         `json:"maxConcurrentSessions" yaml:"max_concurrent_sessions"`
	RequirePassword       bool        `json:"requirePassword" yaml:"require_password"`
	LogCommands           bool        `json:"logCommands" yaml:"log_commands"`
	AgentTimeoutMinutes   int         `json:"agentTimeoutMinutes" yaml:"agent_timeout_minutes"`
	Agent                 AgentPolicy `json:"agent" yaml:"agent"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Agent = s.Agent.Clone()
	return out
}

// AgentPoolSize is the number of concurrent sessions shared by all agents.
func (s Snapshot) AgentPoolSize() int {
	return s.MaxConcurrentSessions / 2
}

// FromConfig seeds a Snapshot from the jit config section.
func FromConfig(cfg config.JITConfig) Snapshot {
	return Snapshot{
		Enabled:               cfg.Enabled,
		AllowInProduction:     cfg.AllowInProduction,
		DefaultTimeoutMinutes: cfg.DefaultTimeoutMinutes,
		MaxTimeoutMinutes:     cfg.MaxTimeoutMinutes,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		RequirePassword:       cfg.RequirePassword,
		LogCommands:           cfg.LogCommands,
		AgentTimeoutMinutes:   cfg.AgentTimeoutMinutes,
		Agent: AgentPolicy{
			CommandWhitelist:   slices.Clone(cfg.AgentWhitelist),
			BlockedCommands:    slices.Clone(cfg.AgentBlocked),
			AllowedDirectories: slices.Clone(cfg.AgentDirectories),
		},
	}
}

// Default returns the built-in policy.
func Default() Snapshot {
	return FromConfig(config.DefaultConfig().JIT)
}
