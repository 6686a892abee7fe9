package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/jitterm"
	"pkt.systems/prettyx"
)

// NewRootCommand builds the root CLI command.
func NewRootCommand(loader *jitterm.Loader) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "jitterm",
		Short:         "Just-in-time privileged terminal access",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				loader.SetConfigFile(configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path")
	flags.StringP("endpoint", "e", jitterm.DefaultClientEndpoint, "API endpoint (https base URL)")
	flags.String("auth-file", jitterm.DefaultAuthPath(), "path to auth file")
	cobra.CheckErr(bindFlags(loader.Viper(), flags, map[string]string{
		"client.endpoint":  "endpoint",
		"client.auth_file": "auth-file",
	}))

	cmd.AddCommand(NewServeCommand(loader))
	cmd.AddCommand(NewBootstrapCommand(loader, &configFile))
	cmd.AddCommand(NewLoginCommand(loader))
	cmd.AddCommand(NewLogoutCommand(loader))
	cmd.AddCommand(NewUsersCommand(loader))
	cmd.AddCommand(NewConfigCommand(loader))
	cmd.AddCommand(NewSessionsCommand(loader))
	cmd.AddCommand(NewAttachCommand(loader))
	cmd.AddCommand(NewAgentAccessCommand(loader))
	cmd.AddCommand(NewStatusCommand(loader))
	cmd.AddCommand(NewTestTerminalCommand(loader))
	cmd.AddCommand(NewTokenCommand(loader))
	cmd.AddCommand(NewAuditCommand(loader))
	cmd.AddCommand(NewTLSCommand(loader))

	return cmd
}

// bindFlags binds config keys to flags so a flag set on the command line
// wins over the config file and environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	var errs []error
	for key, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			errs = append(errs, fmt.Errorf("unknown flag %q for %s", name, key))
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apiClient loads the config and returns a client authenticated with the
// stored token.
func apiClient(loader *jitterm.Loader) (*jitterm.Client, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Client.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	client, err := jitterm.ClientFromAuth(cfg.Client.Endpoint, cfg.Client.AuthFile)
	if errors.Is(err, jitterm.ErrNotLoggedIn) {
		return nil, fmt.Errorf("%w; run `jitterm login -e %s`", err, cfg.Client.Endpoint)
	}
	return client, err
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return prettyx.PrettyTo(w, data, prettyx.DefaultOptions)
}
