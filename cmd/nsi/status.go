package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/nebari-session-init/pkg/workspace"
)

var (
	statusWorkspacePath string

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Report the state of repositories in the workspace",
		Long: `Inspect every git repository in the session workspace and print its
branch, commit, and whether it has uncommitted changes. Useful for deciding
whether a session can be shut down without losing work.`,
		RunE: runStatus,
	}
)

func init() {
	statusCmd.Flags().StringVarP(&statusWorkspacePath, "workspace", "w", "", "Path to the session workspace (required)")
	// Panic is appropriate in init() since we cannot return errors and this indicates a programming error
	if err := statusCmd.MarkFlagRequired("workspace"); err != nil {
		panic(err)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tracer := otel.Tracer("nebari-session-init")
	ctx, span := tracer.Start(ctx, "cmd.status")
	defer span.End()

	span.SetAttributes(attribute.String("workspace.path", statusWorkspacePath))

	statuses, err := workspace.Inspect(ctx, statusWorkspacePath)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to inspect workspace", "error", err, "workspace", statusWorkspacePath)
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(statuses)
}
