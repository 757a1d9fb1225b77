package cli

import (
	"github.com/taskping/taskping/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// RootCmd builds the taskping command tree.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskping",
		Short: "Reminder lifecycle engine for task trackers",
		Long: "taskping notifies task assignees over progressively intrusive " +
			"channels (bot message, voice call, SMS), collects their replies and " +
			"writes the resulting status back into the tracker.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Missing .env is fine; real deployments use the environment.
			_ = godotenv.Load()
			logLevel, logJSON, err := logger.GetLoggerConfig(cmd)
			if err != nil {
				return err
			}
			logger.SetupLogger(logLevel, logJSON)
			return nil
		},
	}
	logger.RegisterFlags(cmd)
	cmd.PersistentFlags().String("config", "", "path to YAML config file")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(onceCmd())
	return cmd
}
