package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skypier/skypier/pkg/config"
	"github.com/skypier/skypier/pkg/observability/logger"
	"github.com/skypier/skypier/pkg/version"
)

const serviceName = "skypierd"

func newRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Cloud storage session coordinator and maintenance scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config-file", "c", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewViperLoader(configFile, "SKYPIER").Load()
			if err != nil {
				return err
			}

			log, err := logger.NewZapLogger(logger.Config{
				Level:  logger.LogLevel(cfg.Logger.Level),
				Format: logger.LogFormat(cfg.Logger.Format),
			})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg, log)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.MarshalIndent(version.Current(serviceName), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, string(body))
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	return rootCmd
}
