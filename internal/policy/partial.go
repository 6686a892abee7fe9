package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"pkt.systems/jitterm/internal/apperr"
)

// Partial is an update request. Nil fields are left unchanged.
type Partial struct {
	Enabled               *bool        `json:"enabled,omitempty"`
	AllowInProduction     *bool        `json:"allowInProduction,omitempty"`
	DefaultTimeoutMinutes *int         `json:"defaultTimeoutMinutes,omitempty"`
	MaxTimeoutMinutes     *int         `json:"maxTimeoutMinutes,omitempty"`
	MaxConcurrentSessions *int         `json:"maxConcurrentSessions,omitempty"`
	RequirePassword       *bool        `json:"requirePassword,omitempty"`
	LogCommands           *bool        `json:"logCommands,omitempty"`
	AgentTimeoutMinutes   *int         `json:"agentTimeoutMinutes,omitempty"`
	Agent                 *AgentPolicy `json:"agent,omitempty"`
}

// Empty reports whether p changes nothing.
func (p Partial) Empty() bool {
	return p == Partial{}
}

// ParsePartial decodes a JSON object field by field so that every
// mistyped or unknown field is reported, not just the first.
func ParsePartial(data []byte) (Partial, error) {
	p, fields, err := parsePartial(data)
	if err != nil {
		return Partial{}, err
	}
	if len(fields) > 0 {
		return Partial{}, validationError(fields)
	}
	return p, nil
}

// parsePartial returns the well-typed fields of data together with the
// offending ones.
func parsePartial(data []byte) (Partial, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Partial{}, nil, apperr.Wrap(err, apperr.KindValidation, "config update must be a JSON object")
	}
	var p Partial
	fields := map[string]string{}
	boolField := func(name string, dst **bool) {
		msg, ok := raw[name]
		if !ok {
			return
		}
		delete(raw, name)
		var v bool
		if err := json.Unmarshal(msg, &v); err != nil || isNull(msg) {
			fields[name] = "must be a boolean"
			return
		}
		*dst = &v
	}
	intField := func(name string, dst **int) {
		msg, ok := raw[name]
		if !ok {
			return
		}
		delete(raw, name)
		var v int
		if err := json.Unmarshal(msg, &v); err != nil || isNull(msg) {
			fields[name] = "must be an integer"
			return
		}
		*dst = &v
	}
	boolField("enabled", &p.Enabled)
	boolField("allowInProduction", &p.AllowInProduction)
	intField("defaultTimeoutMinutes", &p.DefaultTimeoutMinutes)
	intField("maxTimeoutMinutes", &p.MaxTimeoutMinutes)
	intField("maxConcurrentSessions", &p.MaxConcurrentSessions)
	boolField("requirePassword", &p.RequirePassword)
	boolField("logCommands", &p.LogCommands)
	intField("agentTimeoutMinutes", &p.AgentTimeoutMinutes)
	if msg, ok := raw["agent"]; ok {
		delete(raw, "agent")
		var agent AgentPolicy
		if err := json.Unmarshal(msg, &agent); err != nil || isNull(msg) {
			fields["agent"] = "must be an object of string lists"
		} else {
			p.Agent = &agent
		}
	}
	for name := range raw {
		fields[name] = "unknown field"
	}
	return p, fields, nil
}

func isNull(msg json.RawMessage) bool {
	return strings.TrimSpace(string(msg)) == "null"
}

// Apply returns base with p's fields applied.
func (p Partial) Apply(base Snapshot) Snapshot {
	out := base.Clone()
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.AllowInProduction != nil {
		out.AllowInProduction = *p.AllowInProduction
	}
	if p.DefaultTimeoutMinutes != nil {
		out.DefaultTimeoutMinutes = *p.DefaultTimeoutMinutes
	}
	if p.MaxTimeoutMinutes != nil {
		out.MaxTimeoutMinutes = *p.MaxTimeoutMinutes
	}
	if p.MaxConcurrentSessions != nil {
		out.MaxConcurrentSessions = *p.MaxConcurrentSessions
	}
	if p.RequirePassword != nil {
		out.RequirePassword = *p.RequirePassword
	}
	if p.LogCommands != nil {
		out.LogCommands = *p.LogCommands
	}
	if p.AgentTimeoutMinutes != nil {
		out.AgentTimeoutMinutes = *p.AgentTimeoutMinutes
	}
	if p.Agent != nil {
		out.Agent = p.Agent.Clone()
	}
	return out
}

// Validate checks every field of s and reports all offending fields in a
// single validation error.
func Validate(s Snapshot) error {
	if fields := rangeErrors(s); len(fields) > 0 {
		return validationError(fields)
	}
	return nil
}

func rangeErrors(s Snapshot) map[string]string {
	fields := map[string]string{}
	minutes := func(name string, v int) {
		if v < 1 || v > MaxTimeoutLimit {
			fields[name] = fmt.Sprintf("must be an integer between 1 and %d", MaxTimeoutLimit)
		}
	}
	minutes("defaultTimeoutMinutes", s.DefaultTimeoutMinutes)
	minutes("maxTimeoutMinutes", s.MaxTimeoutMinutes)
	minutes("agentTimeoutMinutes", s.AgentTimeoutMinutes)
	if s.MaxConcurrentSessions < 1 || s.MaxConcurrentSessions > MaxSessionsLimit {
		fields["maxConcurrentSessions"] = fmt.Sprintf("must be an integer between 1 and %d", MaxSessionsLimit)
	}
	_, badDefault := fields["defaultTimeoutMinutes"]
	_, badMax := fields["maxTimeoutMinutes"]
	if !badDefault && !badMax && s.DefaultTimeoutMinutes > s.MaxTimeoutMinutes {
		fields["defaultTimeoutMinutes"] = "must not exceed maxTimeoutMinutes"
	}
	for i, entry := range s.Agent.CommandWhitelist {
		if strings.TrimSpace(entry) == "" {
			fields[fmt.Sprintf("agent.commandWhitelist[%d]", i)] = "must not be empty"
		}
	}
	for i, entry := range s.Agent.BlockedCommands {
		if strings.TrimSpace(entry) == "" {
			fields[fmt.Sprintf("agent.blockedCommands[%d]", i)] = "must not be empty"
		}
	}
	for i, dir := range s.Agent.AllowedDirectories {
		if !path.IsAbs(dir) {
			fields[fmt.Sprintf("agent.allowedDirectories[%d]", i)] = "must be an absolute path"
		}
	}
	return fields
}

func validationError(fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	details := make(map[string]any, len(fields))
	for name, msg := range fields {
		details[name] = msg
	}
	return &apperr.Error{
		Kind:    apperr.KindValidation,
		Message: "invalid configuration: " + strings.Join(names, ", "),
		Details: details,
	}
}
