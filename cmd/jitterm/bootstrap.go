package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
	"pkt.systems/pslog"
)

// NewBootstrapCommand builds the bootstrap command.
func NewBootstrapCommand(loader *jitterm.Loader, configFile *string) *cobra.Command {
	var admin string
	var totp bool

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Initialize config, TLS assets and the first super admin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := pslog.Ctx(cmd.Context()).With("component", "bootstrap")
			cfg := jitterm.DefaultConfig()
			cfg.Server.UsersFile = loader.Viper().GetString("server.users_file")
			result, err := jitterm.Bootstrap(cmd.Context(), jitterm.BootstrapOptions{
				Config:        cfg,
				ConfigPath:    *configFile,
				AdminUsername: admin,
				AdminTOTP:     totp,
			}, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: %s\n", result.ConfigPath)
			if result.Admin != nil {
				printUserCreate(out, *result.Admin)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&admin, "admin", "admin", "username of the super admin created on first bootstrap")
	cmd.Flags().BoolVar(&totp, "totp", false, "enroll TOTP for the super admin")

	return cmd
}
