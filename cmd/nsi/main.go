package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nebari-dev/nebari-session-init/pkg/cloner"
	"github.com/nebari-dev/nebari-session-init/pkg/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "nsi",
	Short: "Nebari Session Init - Repository initialization for Nebari sessions",
	Long: `Nebari Session Init (NSI) prepares the workspace of an interactive
session: it clones the configured repositories with scoped credentials,
handles Git LFS, and keeps mounted cloud storage out of git's way. It also
exposes helpers for inspecting a session's manifest and workspace state.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup structured logging
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)
	},
}

func init() {
	// Load .env file if it exists (silently ignore if not found)
	// This allows users to optionally use .env for local development
	_ = godotenv.Load()

	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx := context.Background()

	// Setup OpenTelemetry
	_, shutdown, err := telemetry.Setup(ctx)
	if err != nil {
		slog.Error("Failed to setup telemetry", "error", err)
		os.Exit(1)
	}

	execErr := rootCmd.Execute()

	if err := shutdown(ctx); err != nil {
		slog.Error("Failed to shutdown telemetry", "error", err)
	}

	if execErr != nil {
		slog.Error("Command execution failed", "error", execErr)
		// Clone failures carry dedicated exit codes that the session
		// orchestrator interprets; every other command exits 1.
		if cloneRequested {
			os.Exit(cloner.ExitCode(execErr))
		}
		os.Exit(1)
	}
}
