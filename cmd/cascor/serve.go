package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/longregen/cascor/internal/relay"
	"github.com/longregen/cascor/internal/server"
	"github.com/longregen/cascor/internal/tracing"
	"github.com/longregen/cascor/internal/training"
)

// serveCmd starts the training server
func serveCmd() *cobra.Command {
	var sim bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the training server",
		Long: `Start the cascor training server.

The server exposes REST endpoints for training control and a WebSocket
endpoint that streams state, metrics, topology and event messages to
connected dashboards.

Configuration is read from ~/.cascor/config.json (or CASCOR_CONFIG) with
CASCOR_* environment overrides.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), sim)
		},
	}
	cmd.Flags().BoolVar(&sim, "sim", true, "install the simulated model so training can be driven end to end")
	return cmd
}

// runServer initializes and starts the training server
func runServer(ctx context.Context, sim bool) error {
	log.Println("Starting cascor training server...")
	log.Printf("  HTTP: http://%s", cfg.ListenAddr())

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer("cascor-server")
		if err != nil {
			log.Printf("Warning: Failed to initialize tracing: %v", err)
		} else {
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down tracer: %v", err)
				}
			}()
			log.Println("OpenTelemetry tracing initialized")
		}
	}

	rel := relay.New(cfg.Relay.QueueSize)
	rel.Start()
	defer rel.Stop()
	log.Println("Event relay started")

	orch := training.NewOrchestrator(cfg.Training.HistoryCapacity, rel)
	defer orch.Shutdown()

	if sim {
		model := training.NewSimModel(2, 1)
		model.OutputEpoch = cfg.Training.OutputEpochs
		model.CandEpochs = cfg.Training.CandidateEpochs
		model.MaxUnits = cfg.Training.MaxHiddenUnits
		model.EpochDelay = time.Duration(cfg.Training.EpochDelayMs) * time.Millisecond
		orch.InstallHooks(model)
		log.Println("Simulated model installed")
	}
	orch.ApplyParams(map[string]any{
		"learning_rate":    cfg.Training.LearningRate,
		"max_hidden_units": cfg.Training.MaxHiddenUnits,
		"output_epochs":    cfg.Training.OutputEpochs,
		"candidate_epochs": cfg.Training.CandidateEpochs,
	})
	log.Println("Orchestrator initialized")

	srv := server.NewServer(cfg, orch, rel)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.ListenAddr())
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		orch.StopTraining()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		log.Println("Server stopped")
		return nil
	}
}
