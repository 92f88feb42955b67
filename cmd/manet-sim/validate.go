package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [scenario-file]",
		Short: "Check a scenario without running it",
		Long: `Loads the scenario (the file argument, --scenario, or the stock scenario
built from the flags) and reports every configuration problem found. Nothing
is allocated in the engine.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.v.Set(keyScenario, args[0])
			}
			scn, err := a.scenario()
			if err != nil {
				return err
			}
			scn = scn.WithDefaults()
			if err := scn.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			nodes := 0
			for _, c := range scn.Clusters {
				nodes += c.Size
			}
			fmt.Fprintf(a.stdout, "Scenario is valid: %d clusters, %d nodes, %d flows, stop time %s\n",
				len(scn.Clusters), nodes, len(scn.Flows), scn.Config.StopTime)
			return nil
		},
	}
}
