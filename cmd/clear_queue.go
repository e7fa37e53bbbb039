package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/script-cpu-analyzer/internal/server"
)

func newClearQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-queue",
		Short: "Removes every job from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), rt, server.Parts{})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer app.Close()

			if err := app.Queue().Obliterate(cmd.Context()); err != nil {
				return fmt.Errorf("obliterate queue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
			return nil
		},
	}
}
