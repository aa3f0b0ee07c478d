package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nrehlein/ctaphid/scenarios"
)

func exerciseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exercise",
		Short: "Run the end-to-end wire scenarios once and report pass/fail",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runExercise()
		},
	}
}

func runExercise() error {
	failed := 0
	for _, s := range scenarios.All() {
		if err := s.Run(); err != nil {
			fmt.Printf("FAIL  %-42s %v\n", s.Name, err)
			failed++
			continue
		}
		fmt.Printf("PASS  %s\n", s.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios.All()))
	}
	return nil
}
