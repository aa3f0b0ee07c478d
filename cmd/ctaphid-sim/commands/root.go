package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the path to an optional YAML configuration file, shared by
// every subcommand that loads device provisioning material.
var configPath string

// rootCmd is the top-level cobra command for ctaphid-sim.
var rootCmd = &cobra.Command{
	Use:   "ctaphid-sim",
	Short: "CTAPHID transport and CTAP2 dispatch simulator",
	Long:  "ctaphid-sim drives a simulated CTAPHID authenticator over an in-process loopback bus, for local development and scenario verification.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to device configuration file (YAML); defaults to reference test material")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(exerciseCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
