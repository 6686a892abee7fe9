package main

import (
	"reflect"
	"testing"

	"pkt.systems/jitterm"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{
		"enabled=true",
		"maxTimeoutMinutes=45",
		`agent.blockedCommands=["rm","dd"]`,
		"environment=staging",
	})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	want := map[string]any{
		"enabled":           true,
		"maxTimeoutMinutes": float64(45),
		"agent":             map[string]any{"blockedCommands": []any{"rm", "dd"}},
		"environment":       "staging",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseAssignments = %#v, want %#v", got, want)
	}
}

func TestParseAssignmentsRejectsMalformed(t *testing.T) {
	for _, arg := range []string{"enabled", "=true", "agent.a.b=1"} {
		if _, err := parseAssignments([]string{arg}); err == nil {
			t.Fatalf("parseAssignments(%q) expected error", arg)
		}
	}
}

func TestFillAgentKeepsExplicitLists(t *testing.T) {
	dst := map[string]any{"blockedCommands": []any{"rm"}}
	fillAgent(dst, jitterm.AgentPolicy{
		CommandWhitelist:   []string{"ls"},
		BlockedCommands:    []string{"dd"},
		AllowedDirectories: []string{"/tmp"},
	})
	if !reflect.DeepEqual(dst["blockedCommands"], []any{"rm"}) {
		t.Fatalf("blockedCommands = %#v", dst["blockedCommands"])
	}
	if !reflect.DeepEqual(dst["commandWhitelist"], []string{"ls"}) {
		t.Fatalf("commandWhitelist = %#v", dst["commandWhitelist"])
	}
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand(jitterm.NewLoader())
	for _, path := range [][]string{
		{"serve"}, {"bootstrap"}, {"login"}, {"logout"},
		{"users", "add"}, {"users", "rotate-totp"},
		{"config", "set"}, {"sessions", "create"}, {"sessions", "terminate"},
		{"attach"}, {"agent-access"}, {"status"}, {"test-terminal"},
		{"token", "revoke"}, {"audit", "verify"}, {"tls", "export-ca"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("Find(%v) = %v, %v", path, cmd, err)
		}
	}
}
