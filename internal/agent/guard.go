package agent

import (
	"context"
	_ "embed"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
)

//go:embed agent.rego
var regoModule string

// Decision is the outcome of evaluating one command line.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Command string   `json:"command"`
	Reasons []string `json:"reasons,omitempty"`
	// CdTarget is the resolved directory when the command is a cd.
	CdTarget string `json:"cdTarget,omitempty"`
}

// Guard evaluates agent command lines against a Profile with Rego.
type Guard struct {
	query rego.PreparedEvalQuery
}

// NewGuard compiles the command policy.
func NewGuard(ctx context.Context) (*Guard, error) {
	query, err := rego.New(
		rego.Query("data.jitterm.agent.deny"),
		rego.Module("agent.rego", regoModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile agent policy: %w", err)
	}
	return &Guard{query: query}, nil
}

// Evaluate decides whether command may run for profile with cwd as the
// shell's current directory. Blocked prefixes win over the whitelist.
func (g *Guard) Evaluate(ctx context.Context, profile Profile, cwd, command string) (Decision, error) {
	cmd := strings.TrimSpace(command)
	decision := Decision{Command: cmd}
	if cmd == "" {
		decision.Allowed = true
		return decision, nil
	}
	decision.CdTarget = cdTarget(cwd, cmd)

	input := map[string]any{
		"command":   cmd,
		"segments":  segments(cmd),
		"patterns":  wildcardPatterns(profile.CommandWhitelist),
		"cd_target": decision.CdTarget,
		"profile": map[string]any{
			"commandWhitelist":   nonNil(profile.CommandWhitelist),
			"blockedCommands":    nonNil(profile.BlockedCommands),
			"allowedDirectories": nonNil(profile.AllowedDirectories),
		},
	}
	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate agent policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("agent policy returned no result")
	}
	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return Decision{}, fmt.Errorf("agent policy returned %T", rs[0].Expressions[0].Value)
	}
	for _, v := range values {
		if s, ok := v.(string); ok {
			decision.Reasons = append(decision.Reasons, s)
		}
	}
	sort.Strings(decision.Reasons)
	decision.Allowed = len(decision.Reasons) == 0
	return decision, nil
}

// Filter tracks one agent shell and evaluates its input lines.
type Filter struct {
	guard   *Guard
	profile Profile

	mu  sync.Mutex
	cwd string
}

// NewFilter returns a Filter for a shell started in cwd.
func (g *Guard) NewFilter(profile Profile, cwd string) *Filter {
	return &Filter{guard: g, profile: profile.Clone(), cwd: cwd}
}

// Check evaluates line and follows allowed cd commands.
func (f *Filter) Check(ctx context.Context, line string) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	decision, err := f.guard.Evaluate(ctx, f.profile, f.cwd, line)
	if err != nil {
		return Decision{}, err
	}
	if decision.Allowed && decision.CdTarget != "" {
		f.cwd = decision.CdTarget
	}
	return decision, nil
}

// Dir returns the directory the filter believes the shell is in.
func (f *Filter) Dir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwd
}

func segments(cmd string) []string {
	parts := strings.Split(cmd, "|")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

// cdTarget resolves the directory a cd command moves to. A bare cd or a
// home-relative target resolves to "~", which no allowed directory matches.
func cdTarget(cwd, cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 || fields[0] != "cd" {
		return ""
	}
	if len(fields) == 1 {
		return "~"
	}
	target := fields[1]
	if strings.HasPrefix(target, "~") || target == "-" {
		return "~"
	}
	if !path.IsAbs(target) {
		if cwd == "" {
			return "~"
		}
		target = path.Join(cwd, target)
	}
	return path.Clean(target)
}

func wildcardPatterns(whitelist []string) []string {
	out := []string{}
	for _, entry := range whitelist {
		if !strings.Contains(entry, "*") {
			continue
		}
		parts := strings.Split(entry, "*")
		for i, part := range parts {
			parts[i] = regexp.QuoteMeta(part)
		}
		out = append(out, "^"+strings.Join(parts, ".*"))
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
