package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configpkg "github.com/drblury/predictflow/internal/runtime/config"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "predictflow",
		Short:         "predictflow queues prediction payloads on RabbitMQ and persists them as records.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configpkg.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		producerCmd(),
		consumerCmd(),
		versionCmd(),
	)

	return cmd
}

// loadConfig resolves the configuration for cmd and builds the logger it asks for.
func loadConfig(cmd *cobra.Command) (*configpkg.Config, loggingpkg.ServiceLogger, error) {
	conf, err := configpkg.Load(viper.New(), cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := loggingpkg.New(conf.LogFormat, conf.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Configuration loaded", loggingpkg.LogFields{"config": conf.String()})
	return &conf, logger, nil
}
