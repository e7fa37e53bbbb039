package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/script-cpu-analyzer/internal/scheduler"
	"github.com/JakeFAU/script-cpu-analyzer/internal/server"
)

func newScheduleOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule-once",
		Short: "Runs a single scheduling pass and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), rt, server.Parts{Scheduler: true})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer app.Close()

			report, err := app.SchedulePass(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"outcome=%s daily_batch=%d analyzed_today=%d candidates=%d enqueued=%d\n",
				report.Outcome, report.DailyBatch, report.AnalyzedToday, report.Candidates, report.Enqueued,
			)
			if report.Outcome == scheduler.OutcomeError {
				return errors.New("scheduling pass failed, see logs")
			}
			return nil
		},
	}
}
