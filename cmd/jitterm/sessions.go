package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
	"pkt.systems/pslog"
)

// NewSessionsCommand builds the sessions management command.
func NewSessionsCommand(loader *jitterm.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage JIT sessions",
	}

	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(cmd.Context(), all)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sessions)
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "list sessions of every user")

	var timeout int
	var prompt bool
	var attach bool
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Open a privileged session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			opts := jitterm.CreateSessionOptions{TimeoutMinutes: timeout}
			if prompt {
				if opts.Password, err = promptPassword("Password: "); err != nil {
					return err
				}
				if opts.TOTP, err = promptPassword("TOTP (empty if not enrolled): "); err != nil {
					return err
				}
			}
			created, err := client.CreateSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if !attach {
				return printJSON(cmd.OutOrStdout(), created)
			}
			pslog.Ctx(cmd.Context()).Info("session created", "session_id", created.SessionID, "expires_at", created.ExpiresAt)
			return jitterm.Attach(cmd.Context(), jitterm.AttachOptions{
				Client:    client,
				SessionID: created.SessionID,
				Logger:    pslog.Ctx(cmd.Context()),
			})
		},
	}
	createCmd.Flags().IntVar(&timeout, "timeout", 0, "session length in minutes (policy default when zero)")
	createCmd.Flags().BoolVar(&prompt, "prompt", false, "prompt for password re-verification")
	createCmd.Flags().BoolVar(&attach, "attach", false, "attach to the new session")

	accessCmd := &cobra.Command{
		Use:   "access <session-id>",
		Short: "Check a session and refresh its activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			access, err := client.AccessSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), access)
		},
	}

	terminateCmd := &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			if err := client.TerminateSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("session terminated", "session_id", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, accessCmd, terminateCmd)
	return cmd
}

// NewAttachCommand builds the attach command.
func NewAttachCommand(loader *jitterm.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach the local terminal to a session's shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			return jitterm.Attach(cmd.Context(), jitterm.AttachOptions{
				Client:    client,
				SessionID: args[0],
				Logger:    pslog.Ctx(cmd.Context()),
			})
		},
	}
}

// NewAgentAccessCommand builds the agent access command.
func NewAgentAccessCommand(loader *jitterm.Loader) *cobra.Command {
	var opts jitterm.AgentAccessOptions

	cmd := &cobra.Command{
		Use:   "agent-access",
		Short: "Request a restricted agent session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			sess, err := client.RequestAgentAccess(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent-id", "", "agent identifier recorded on the session (required)")
	cmd.Flags().StringVar(&opts.Task, "task", "", "task description recorded on the session (required)")
	cmd.Flags().IntVar(&opts.TimeoutMinutes, "timeout", 0, "session length in minutes (policy agent default when zero)")

	return cmd
}

// NewStatusCommand builds the status command.
func NewStatusCommand(loader *jitterm.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show subsystem status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

// NewTestTerminalCommand builds the terminal self-test command.
func NewTestTerminalCommand(loader *jitterm.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "test-terminal",
		Short: "Run a terminal spawn self-test on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			result, err := client.TestTerminal(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}
