package config

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ParseConfig parses a session-config.yaml file and returns the configuration.
// This function uses lenient parsing - unknown fields are captured rather
// than rejected so older init containers tolerate newer manifests.
func ParseConfig(ctx context.Context, filePath string) (*SessionConfig, error) {
	tracer := otel.Tracer("nebari-session-init")
	_, span := tracer.Start(ctx, "config.ParseConfig")
	defer span.End()

	span.SetAttributes(attribute.String("config.file", filePath))

	data, err := os.ReadFile(filePath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	var config SessionConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	if err := config.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("invalid config file %s: %w", filePath, err)
	}

	span.SetAttributes(
		attribute.String("config.workspace_path", config.WorkspacePath),
		attribute.Int("config.repository_count", len(config.Repositories)),
		attribute.Bool("config.anonymous", config.User.Anonymous),
	)

	return &config, nil
}
