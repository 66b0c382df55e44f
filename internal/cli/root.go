package cli

import (
	"fmt"

	"invoiceimport/pkg/client"
	"invoiceimport/pkg/config"

	"github.com/spf13/cobra"
)

var (
	cfg *config.CLIConfig
)

var rootCmd = &cobra.Command{
	Use:   "invctl",
	Short: "Invoice import client",
	Long:  "Command Line Interface to import invoice files through the invoice import gateway",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := cfg.Validate(); err != nil {
			fmt.Printf("Warning: Configuration validation failed: %v\n", err)
		}
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cfg = config.LoadCLIConfig()

	rootCmd.PersistentFlags().StringVarP(&cfg.ServerAddr, "server", "s", cfg.ServerAddr,
		"Server address in format host:port")
	rootCmd.PersistentFlags().DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout,
		"How long to wait for the import result")

	rootCmd.AddCommand(newURLCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newCancelCmd())
}

func newImportClient() (*client.ImportClient, error) {
	return client.NewImportClientFromCLIConfig(cfg)
}
