package logger

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SetupLogger initializes the package default from CLI-level settings.
func SetupLogger(logLevel string, logJSON bool) {
	var level LogLevel
	switch logLevel {
	case "debug":
		level = DebugLevel
	case "info":
		level = InfoLevel
	case "warn":
		level = WarnLevel
	case "error":
		level = ErrorLevel
	default:
		level = InfoLevel
	}
	Init(&Config{
		Level:      level,
		JSON:       logJSON,
		TimeFormat: "15:04:05",
	})
}

// RegisterFlags attaches the shared logging flags to a command.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
}

// GetLoggerConfig reads the shared logging flags back from a command.
func GetLoggerConfig(cmd *cobra.Command) (string, bool, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return "", false, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logJSON, err := cmd.Flags().GetBool("log-json")
	if err != nil {
		return "", false, fmt.Errorf("failed to get log-json flag: %w", err)
	}
	return logLevel, logJSON, nil
}
