// Package agent restricts what autonomous agents may do inside a terminal
// session.
package agent

import (
	"slices"

	"pkt.systems/jitterm/internal/policy"
)

// Profile is the restriction set frozen onto an agent session when it is
// created. Later policy changes never reach an existing session.
type Profile struct {
	CommandWhitelist   []string `json:"commandWhitelist"`
	BlockedCommands    []string `json:"blockedCommands"`
	AllowedDirectories []string `json:"allowedDirectories"`
}

// BuildProfile freezes the agent restrictions of s.
func BuildProfile(s policy.Snapshot) Profile {
	return Profile{
		CommandWhitelist:   slices.Clone(s.Agent.CommandWhitelist),
		BlockedCommands:    slices.Clone(s.Agent.BlockedCommands),
		AllowedDirectories: slices.Clone(s.Agent.AllowedDirectories),
	}
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	return Profile{
		CommandWhitelist:   slices.Clone(p.CommandWhitelist),
		BlockedCommands:    slices.Clone(p.BlockedCommands),
		AllowedDirectories: slices.Clone(p.AllowedDirectories),
	}
}

// WorkDir is the directory agent shells start in, or "" when the profile
// allows none.
func (p Profile) WorkDir() string {
	if len(p.AllowedDirectories) == 0 {
		return ""
	}
	return p.AllowedDirectories[0]
}
