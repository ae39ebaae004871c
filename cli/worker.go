package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evermem.org/common"
	"evermem.org/config"
	"evermem.org/service"
)

func init() {
	RootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("workers", 0, "override the number of pipeline workers")
}

// workerCmd runs the pipeline orchestrator without the HTTP server. Useful
// for scaling ingestion separately from the API when the queue and the
// backends are shared (RabbitMQ or Redis plus S3, CouchDB, PostgreSQL).
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run pipeline workers without the HTTP API",
	Long: `Consume the ingestion queue and execute pipeline steps until
interrupted. Points at the same backends as the API instance; with a
distributed queue backend any number of worker processes can run in
parallel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cmd.Flags().Changed("workers") {
			cfg.Pipeline.Workers, _ = cmd.Flags().GetInt("workers")
		}

		common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runtime, err := service.NewRuntime(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize service: %w", err)
		}
		defer runtime.Close()

		runtime.Orchestrator.Run(ctx)
		return nil
	},
}
