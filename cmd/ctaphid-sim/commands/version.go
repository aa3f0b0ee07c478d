package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nrehlein/ctaphid/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ctaphid-sim build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Full("ctaphid-sim"))
		},
	}
}
