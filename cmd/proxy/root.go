package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Rate-limit-aware REST proxy for a message bus",
		RunE:  runServe,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "proxy.toml", "path to the proxy's TOML config file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the proxy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}

// version is overridden at build time via -ldflags.
var version = "dev"
