package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
	"pkt.systems/pslog"
)

// NewServeCommand builds the server command.
func NewServeCommand(loader *jitterm.Loader) *cobra.Command {
	var bindErr error

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JIT terminal API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bindErr != nil {
				return bindErr
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context()).With("component", "serve")
			return jitterm.Serve(cmd.Context(), jitterm.ServeOptions{
				Config: cfg,
				Logger: logger,
			})
		},
	}

	flags := cmd.Flags()
	flags.String("listen", jitterm.DefaultListenAddr, "listen address")
	flags.String("data-dir", jitterm.DefaultConfigDir(), "path to data directory")
	flags.String("users-file", jitterm.DefaultUsersPath(), "path to users file")
	flags.String("base", jitterm.DefaultBasePath, "base path prefix for all HTTP routes")
	flags.String("environment", jitterm.DefaultEnvironment, "deployment environment; production engages the production gate")
	flags.Bool("trusted-proxy-auth", false, "accept identity and client address headers from a fronting proxy")
	flags.String("storage", jitterm.DefaultStorage, "storage backend: memory, file or postgres")
	flags.String("postgres-dsn", "", "postgres connection string for postgres storage")
	flags.String("audit-file", jitterm.DefaultAuditPath(), "hash-chained JSONL audit log (empty disables)")
	flags.String("tls-mode", jitterm.DefaultTLSMode, "tls mode: auto, bundle, acme or off")
	flags.StringArray("tls-bundle", nil, "path to PEM bundle file (repeatable)")
	flags.String("tls-dir", jitterm.DefaultTLSDir(), "tls directory")
	flags.String("tls-cache-dir", jitterm.DefaultTLSCacheDir(), "tls cache directory for acme")
	flags.String("tls-hostname", "", "hostname for acme or server cert")

	bindErr = bindFlags(loader.Viper(), flags, map[string]string{
		"server.listen":             "listen",
		"server.data_dir":           "data-dir",
		"server.users_file":         "users-file",
		"server.base":               "base",
		"server.environment":        "environment",
		"server.trusted_proxy_auth": "trusted-proxy-auth",
		"server.storage":            "storage",
		"server.postgres_dsn":       "postgres-dsn",
		"server.audit_file":         "audit-file",
		"server.tls.mode":           "tls-mode",
		"server.tls.bundle":         "tls-bundle",
		"server.tls.dir":            "tls-dir",
		"server.tls.cache_dir":      "tls-cache-dir",
		"server.tls.hostname":       "tls-hostname",
	})

	return cmd
}
