package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/script-cpu-analyzer/internal/server"
)

func newServeCmd() *cobra.Command {
	var noScheduler, noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, the scheduler and the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), rt, server.Parts{
				API:       true,
				Scheduler: !noScheduler,
				Workers:   !noWorkers,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer app.Close()
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the periodic scheduler")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not consume jobs in this process")
	return cmd
}
