package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "meterd",
		Short:        "meterd - quota and admission control for metered APIs",
		Long:         `meterd enforces per-subject, per-tier call quotas over fixed time windows and reports usage.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: ./configs/config.yaml or ./config.yaml)")

	rootCmd.AddCommand(
		newServeCommand(),
		newCheckCommand(),
		newUsageCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
