package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
)

// NewConfigCommand builds the runtime policy command.
func NewConfigCommand(loader *jitterm.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or update the JIT access policy on the server",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the current policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			pol, err := client.GetConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pol)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Update policy fields",
		Long: `Update policy fields. Keys are the JSON field names printed by
"config get"; nested agent fields use a dot, for example
agent.blockedCommands='["rm","dd"]'. Values are parsed as JSON and fall
back to a plain string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseAssignments(args)
			if err != nil {
				return err
			}
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			if agent, ok := changes["agent"].(map[string]any); ok {
				// Agent lists are replaced as a whole; fill unset lists
				// from the current policy.
				current, err := client.GetConfig(cmd.Context())
				if err != nil {
					return err
				}
				fillAgent(agent, current.Agent)
			}
			pol, err := client.UpdateConfig(cmd.Context(), changes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pol)
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}

// parseAssignments turns key=value arguments into a partial policy object.
func parseAssignments(args []string) (map[string]any, error) {
	out := map[string]any{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		parent, leaf, nested := strings.Cut(key, ".")
		if !nested {
			out[key] = value
			continue
		}
		if strings.Contains(leaf, ".") {
			return nil, fmt.Errorf("invalid key %q", key)
		}
		obj, ok := out[parent].(map[string]any)
		if !ok {
			obj = map[string]any{}
			out[parent] = obj
		}
		obj[leaf] = value
	}
	return out, nil
}

func fillAgent(dst map[string]any, current jitterm.AgentPolicy) {
	defaults := map[string][]string{
		"commandWhitelist":   current.CommandWhitelist,
		"blockedCommands":    current.BlockedCommands,
		"allowedDirectories": current.AllowedDirectories,
	}
	for key, value := range defaults {
		if _, ok := dst[key]; !ok {
			dst[key] = value
		}
	}
}
