package main

import (
	"fmt"
	"os"

	"invoiceimport/internal/modes"
	"invoiceimport/pkg/config"
	"invoiceimport/pkg/logger"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "invoiced",
		Short:        "Invoice import server",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session gateway, upload endpoint and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := modes.ConfigureLogging(cfg.Logging); err != nil {
				return err
			}
			defer func() { _ = logger.WithField("mode", "server").Sync() }()

			if path != "" {
				logger.Info("configuration loaded", "path", path)
			} else {
				logger.Info("configuration loaded from defaults and environment")
			}

			return modes.RunServer(cfg)
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
