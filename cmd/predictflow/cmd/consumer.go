package cmd

import (
	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/predictflow/internal/runtime"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
)

func consumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Consume the work queue and append records to the sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := runtimepkg.NewConsumerService(cmd.Context(), conf, logger, runtimepkg.ConsumerDependencies{
				Hooks: runtimepkg.LoggingHooks(logger),
			})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := svc.Close(); cerr != nil {
					logger.Error("Failed to close sink", cerr, nil)
				}
			}()

			err = svc.Run(cmd.Context())
			logger.Info("Consumer stopped", loggingpkg.LogFields{"stats": svc.Stats()})
			return err
		},
	}
}
