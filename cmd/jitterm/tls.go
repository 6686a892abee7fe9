package main

import (
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/jitterm"
)

// NewTLSCommand builds the TLS management command.
func NewTLSCommand(loader *jitterm.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage local TLS assets",
	}

	var dir string
	var out string
	exportCmd := &cobra.Command{
		Use:   "export-ca",
		Short: "Write the local CA certificate for clients on other hosts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("dir") {
				cfg, err := loader.Load()
				if err != nil {
					return err
				}
				dir = cfg.Server.TLS.Dir
			}
			if out == "" || out == "-" {
				return jitterm.TLSExportCA(dir, cmd.OutOrStdout())
			}
			f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if err := jitterm.TLSExportCA(dir, f); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	exportCmd.Flags().StringVar(&dir, "dir", jitterm.DefaultTLSDir(), "tls directory")
	exportCmd.Flags().StringVarP(&out, "out", "o", "-", "output file (- for stdout)")

	cmd.AddCommand(exportCmd)
	return cmd
}
