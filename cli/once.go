package cli

import (
	"time"

	"github.com/taskping/taskping/pkg/logger"

	"github.com/spf13/cobra"
)

func onceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single dispatch cycle and deadline sweep, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			if err := a.engine.RunDispatchCycle(ctx); err != nil {
				return err
			}
			if err := a.engine.RunSweep(ctx, time.Now()); err != nil {
				return err
			}
			prune, err := cmd.Flags().GetBool("prune")
			if err != nil {
				return err
			}
			if prune && cfg.Reminder.Retention > 0 {
				pruned, err := a.engine.Prune(ctx, cfg.Reminder.Retention)
				if err != nil {
					return err
				}
				logger.FromContext(ctx).Info("retention prune complete", "pruned", pruned)
			}
			return nil
		},
	}
	cmd.Flags().Bool("prune", false, "also prune settled records past retention")
	return cmd
}
