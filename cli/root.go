// Package cli provides the command-line interface of the evermem service:
// configuration loading, backend wiring, HTTP server startup, and graceful
// shutdown of the server and the pipeline orchestrator.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"evermem.org/api"
	"evermem.org/common"
	"evermem.org/config"
	"evermem.org/service"
	"evermem.org/version"
)

// cfgFile holds the path to the configuration file given via --config.
// When empty the default search paths apply, see the config package.
var cfgFile string

// RootCmd is the entry point of the evermem binary. Running it without a
// subcommand starts the service.
var RootCmd = &cobra.Command{
	Use:   "evermem",
	Short: "a retrieval-augmented memory service with a durable ingestion pipeline",
	Long: `Evermem Memory Service

An HTTP service that ingests documents through a durable, resumable
pipeline (extract, partition, embed, store) and answers semantic search
queries and questions over the indexed content.

Backends are pluggable per concern: artifact storage (memory, filesystem,
S3), pipeline queue (memory, disk, RabbitMQ, Redis), pipeline state
(artifact store, bbolt, CouchDB), and retrieval index (memory, Redis,
PostgreSQL).

Configuration is read from YAML files and EVERMEM_ environment variables,
see the config package for the full reference.`,
	RunE: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, $HOME/.evermem, /etc/evermem)")
	RootCmd.Flags().Int("port", 0, "override the HTTP listen port")

	RootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := service.NewRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer runtime.Close()

	serverConfig := api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		BodyLimit:       cfg.Server.BodyLimit,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  []string{"*"},
		RateLimit:       cfg.Server.RateLimit,
		APIKey:          cfg.Server.APIKey,
	}
	e := api.NewEchoServer(serverConfig)
	e.Use(api.APIKeyMiddleware(serverConfig.APIKey))
	api.NewHandler(runtime.Service, version.Version).Register(e)

	// The orchestrator drains its workers when the context is cancelled.
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		runtime.Orchestrator.Run(ctx)
	}()

	go func() {
		if err := api.StartServer(e, serverConfig); err != nil && err != http.ErrServerClosed {
			common.Logger.Error(fmt.Sprintf("server stopped: %v", err))
			stop()
		}
	}()

	<-ctx.Done()

	if err := api.GracefulShutdown(e, serverConfig.ShutdownTimeout); err != nil {
		common.Logger.Error(err.Error())
	}
	workers.Wait()
	return nil
}
