package cmd

import (
	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/predictflow/internal/runtime"
)

func producerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Serve the HTTP ingest endpoint and publish payloads to the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := runtimepkg.NewProducerService(conf, logger, runtimepkg.ProducerDependencies{Version: version})
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
}
