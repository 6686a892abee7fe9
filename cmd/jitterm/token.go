package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
)

// NewTokenCommand builds the bearer token command.
func NewTokenCommand(loader *jitterm.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue, list and revoke bearer tokens",
	}

	var hours int
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new token for the logged in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			issued, err := client.IssueToken(cmd.Context(), hours)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), issued)
		},
	}
	issueCmd.Flags().IntVar(&hours, "hours", 0, "token lifetime in hours, 1 to 72 (server default when zero)")

	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unexpired tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			tokens, err := client.ListTokens(cmd.Context(), all)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tokens)
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "list tokens of every user")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			if err := client.RevokeToken(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token revoked")
			return nil
		},
	}

	cmd.AddCommand(issueCmd, listCmd, revokeCmd)
	return cmd
}

// NewAuditCommand builds the audit command.
func NewAuditCommand(loader *jitterm.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit trail",
	}

	var q jitterm.AuditQuery
	var since time.Duration
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "List audit events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			events, err := client.Audit(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	queryCmd.Flags().StringVar(&q.Actor, "actor", "", "filter by actor id")
	queryCmd.Flags().StringVar(&q.Action, "action", "", "filter by action, e.g. SESSION_CREATED")
	queryCmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age, e.g. 24h")
	queryCmd.Flags().IntVar(&q.Limit, "limit", 100, "maximum number of events")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of the server's audit file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiClient(loader)
			if err != nil {
				return err
			}
			result, err := client.VerifyAudit(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Verified {
				return fmt.Errorf("audit chain verification failed: %s", result.Error)
			}
			return nil
		},
	}

	cmd.AddCommand(queryCmd, verifyCmd)
	return cmd
}
