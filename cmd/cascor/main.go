package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/longregen/cascor/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "cascor",
		Short: "Cascor - cascade-correlation training server",
		Long: `Cascor runs cascade-correlation network training behind an HTTP
control plane and streams live training telemetry over WebSocket.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Host:            %s\n", cfg.Server.Host)
			fmt.Printf("  Port:            %d\n", cfg.Server.Port)
			fmt.Printf("  Allowed Origins: %v\n", cfg.Server.AllowedOrigins)
			fmt.Println()

			fmt.Println("Training:")
			fmt.Printf("  History Capacity: %d\n", cfg.Training.HistoryCapacity)
			fmt.Printf("  Learning Rate:    %g\n", cfg.Training.LearningRate)
			fmt.Printf("  Max Hidden Units: %d\n", cfg.Training.MaxHiddenUnits)
			fmt.Printf("  Output Epochs:    %d\n", cfg.Training.OutputEpochs)
			fmt.Printf("  Candidate Epochs: %d\n", cfg.Training.CandidateEpochs)
			fmt.Println()

			fmt.Println("Relay:")
			fmt.Printf("  Queue Size: %d\n", cfg.Relay.QueueSize)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  CASCOR_CONFIG, CASCOR_SERVER_HOST, CASCOR_SERVER_PORT")
			fmt.Println("  CASCOR_ALLOWED_ORIGINS, CASCOR_ALLOW_EMPTY_ORIGIN")
			fmt.Println("  CASCOR_HISTORY_CAPACITY, CASCOR_LEARNING_RATE, CASCOR_MAX_HIDDEN_UNITS")
			fmt.Println("  CASCOR_OUTPUT_EPOCHS, CASCOR_CANDIDATE_EPOCHS, CASCOR_EPOCH_DELAY_MS")
			fmt.Println("  CASCOR_RELAY_QUEUE_SIZE, CASCOR_TRACING_ENABLED")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Cascor %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
