package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/me/etlorch/internal/config"
	"github.com/me/etlorch/internal/logging"
)

var (
	flagConfig    string
	flagEnvFile   string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for etlctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "etlctl",
		Short: "Batch ETL controller and job workers",
		Long: "etlctl runs the per-table ETL controller and, inside cluster jobs, " +
			"the extraction and load workers it submits.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Dotenv file loaded before reading the environment, ignored when missing")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newControllerCmd(),
		newExtractCmd(),
		newLoadCmd(),
		newRegistryCmd(),
	)
	return root
}

// setup resolves configuration: defaults, then the YAML file, then the
// dotenv file and environment, then flags.
func setup(cmd *cobra.Command) error {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", flagEnvFile, err)
		}
	}

	c, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	if flagLogLevel != "" {
		c.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		c.Log.Format = flagLogFormat
	}
	if flagDebug {
		c.Log.Level = "debug"
	}
	cfg = c
	logger = logging.NewLoggerWithWriter("etlctl", logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())
	return nil
}
