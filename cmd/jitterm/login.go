package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
	"pkt.systems/pslog"
)

// NewLoginCommand builds the login command.
func NewLoginCommand(loader *jitterm.Loader) *cobra.Command {
	var username string
	var hours int

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store a bearer token locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if cfg.Client.Endpoint == "" {
				return fmt.Errorf("endpoint is required")
			}

			if username == "" {
				fmt.Fprint(os.Stdout, "Username: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return err
				}
				username = strings.TrimSpace(line)
			}
			if username == "" {
				return fmt.Errorf("username is required")
			}
			password, err := promptPassword("Password: ")
			if err != nil {
				return err
			}
			totp, err := promptPassword("TOTP (empty if not enrolled): ")
			if err != nil {
				return err
			}

			state, err := jitterm.Login(cmd.Context(), jitterm.LoginOptions{
				Endpoint: cfg.Client.Endpoint,
				Username: username,
				Password: password,
				TOTP:     strings.TrimSpace(totp),
				Hours:    hours,
			})
			if err != nil {
				return err
			}
			if err := jitterm.SaveAuth(cfg.Client.AuthFile, state); err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("login succeeded", "auth_file", cfg.Client.AuthFile, "expires_at", state.ExpiresAt)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username (prompted when empty)")
	cmd.Flags().IntVar(&hours, "hours", 0, "token lifetime in hours (server default when zero)")

	return cmd
}

// NewLogoutCommand builds the logout command.
func NewLogoutCommand(loader *jitterm.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			return jitterm.Logout(cmd.Context(), cfg.Client.AuthFile)
		},
	}
}
