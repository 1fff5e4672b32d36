// Command billctl runs reconciliation tasks against the configured backends
// without the HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "billctl",
		Short:         "billctl - RushaGo billing reconciliation tool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().String("log-level", "", "override LOG_LEVEL")

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(retryActivationCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
