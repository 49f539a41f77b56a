package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kit-tracker/internal/config"
)

var (
	debug         bool
	storageDriver string
	storagePath   string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kit-tracker",
	Short: "Track scanned kits against nearby customer accounts",
	Long: `kit-tracker records kits scanned in the field, captures where each scan
happened and matches the kit to the closest customer account from the CRM,
falling back to a local account list when the CRM is unreachable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ParseEnv(&cfg); err != nil {
			return err
		}
		if storageDriver != "" {
			cfg.Storage.Driver = storageDriver
		}
		if storagePath != "" {
			cfg.Storage.Path = storagePath
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		if debug || cfg.Salesforce.Debug {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&storageDriver, "storage", "", "session storage driver (memory, file, sqlite, s3)")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage-path", "", "directory or database file for the storage driver")

	rootCmd.AddCommand(serveCmd, nearbyCmd, exportCmd, sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionNewCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
