package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/nebari-session-init/pkg/cloner"
	"github.com/nebari-dev/nebari-session-init/pkg/config"
	"github.com/nebari-dev/nebari-session-init/pkg/status"
)

var (
	cloneConfigFile    string
	cloneStorageMounts []string
	cloneTimeout       string
	cloneProxyURL      string

	// cloneRequested marks that the clone command ran, so failures map to
	// the orchestrator-facing exit codes instead of a plain 1.
	cloneRequested bool

	cloneCmd = &cobra.Command{
		Use:   "clone",
		Short: "Clone the session repositories into the workspace",
		Long: `Clone every repository listed in the session configuration into the
workspace. Repositories are checked out at their pinned commit, Git LFS is
configured according to the session settings, and any mounted cloud storage
paths are excluded from git tracking.

The command waits for the git remote to become reachable before cloning,
which covers sessions that start while the platform's git proxy is still
coming up.`,
		RunE: runClone,
	}
)

func init() {
	cloneCmd.Flags().StringVarP(&cloneConfigFile, "file", "f", "", "Path to the session configuration file (required)")
	cloneCmd.Flags().StringArrayVar(&cloneStorageMounts, "storage-mount", nil, "Cloud storage mount path to exclude from git (repeatable)")
	cloneCmd.Flags().StringVar(&cloneTimeout, "timeout", "", "Give up waiting for the git remote after this duration (e.g. '2m'); waits forever when unset")
	cloneCmd.Flags().StringVar(&cloneProxyURL, "proxy-url", "", "Override the git proxy URL")
	// Panic is appropriate in init() since we cannot return errors and this indicates a programming error
	if err := cloneCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
}

func runClone(cmd *cobra.Command, args []string) error {
	cloneRequested = true

	// Get cancellable context from cobra (for signal handling)
	ctx := cmd.Context()
	tracer := otel.Tracer("nebari-session-init")
	ctx, span := tracer.Start(ctx, "cmd.clone")
	defer span.End()

	span.SetAttributes(
		attribute.String("config.file", cloneConfigFile),
		attribute.Int("storage_mounts", len(cloneStorageMounts)),
	)

	slog.Info("Starting session initialization", "config_file", cloneConfigFile)

	// Setup status handler for progress updates
	ctx, cleanupStatus := status.StartHandler(ctx, statusLogHandler())
	defer cleanupStatus()

	// Handle context cancellation (from signal interrupt)
	defer func() {
		if ctx.Err() == context.Canceled {
			slog.Warn("Session initialization interrupted")
		}
	}()

	cfg, err := config.ParseConfig(ctx, cloneConfigFile)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to parse configuration", "error", err, "file", cloneConfigFile)
		return err
	}

	slog.Info("Configuration parsed successfully",
		"workspace_path", cfg.WorkspacePath,
		"repositories", len(cfg.Repositories),
	)

	opts := []cloner.Option{}
	if cloneTimeout != "" {
		duration, err := time.ParseDuration(cloneTimeout)
		if err != nil {
			span.RecordError(err)
			slog.Error("Invalid timeout duration", "error", err, "timeout", cloneTimeout)
			return fmt.Errorf("invalid timeout duration %q: %w", cloneTimeout, err)
		}
		opts = append(opts, cloner.WithTimeout(duration))
		span.SetAttributes(attribute.String("timeout", cloneTimeout))
	}
	if cloneProxyURL != "" {
		opts = append(opts, cloner.WithProxyURL(cloneProxyURL))
	}

	mounts := cloneStorageMounts
	if len(mounts) == 0 {
		mounts = cfg.StorageMounts
	}

	c, err := cloner.New(ctx, cfg, opts...)
	if err != nil {
		span.RecordError(err)
		slog.Error("Session initialization failed", "error", err)
		return err
	}

	if err := c.Run(ctx, mounts); err != nil {
		span.RecordError(err)
		slog.Error("Session initialization failed", "error", err)
		return err
	}

	slog.Info("Session initialization completed successfully",
		"repositories", len(cfg.Repositories),
	)

	return nil
}
