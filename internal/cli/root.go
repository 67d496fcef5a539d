// Package cli implements the aemet-etl command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/aemet-forecast-etl/internal/app"
	"github.com/Sternrassler/aemet-forecast-etl/internal/config"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "aemet-etl",
	Short:         "Fetch AEMET municipal forecasts and load them into storage and the warehouse",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			if _, ok := logging.ParseLevel(logLevel); !ok {
				return fmt.Errorf("--log-level %q is not one of debug, info, warn, error", logLevel)
			}
			cfg.Logging.Level = logLevel
		}

		logger := logging.Setup(cfg.LoggerConfig())
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(redriveCmd)
	rootCmd.AddCommand(municipalitiesCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
