package cloner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/nebari-dev/nebari-session-init/pkg/config"
	"github.com/nebari-dev/nebari-session-init/pkg/gitcmd"
)

// RunnerFactory builds a git command runner bound to a working directory.
// Tests substitute fakes here.
type RunnerFactory func(dir string) gitcmd.Runner

// Repository describes one repository to clone into the session workspace.
// The descriptor is immutable after construction except for the lazily
// created command runner bound to its destination path.
type Repository struct {
	Namespace    string
	Project      string
	Branch       string
	CommitSHA    string
	URL          string
	AbsolutePath string

	fs        afero.Fs
	newRunner RunnerFactory
	runner    gitcmd.Runner
}

func newRepository(rc config.RepositoryConfig, workspacePath string, fs afero.Fs, factory RunnerFactory) *Repository {
	return &Repository{
		Namespace:    rc.Namespace,
		Project:      rc.Project,
		Branch:       rc.Branch,
		CommitSHA:    rc.CommitSHA,
		URL:          rc.URL,
		AbsolutePath: filepath.Join(workspacePath, rc.Project),
		fs:           fs,
		newRunner:    factory,
	}
}

// Runner returns the command runner for this repository, creating the
// destination directory and the runner on first use.
func (r *Repository) Runner(ctx context.Context) (gitcmd.Runner, error) {
	if r.runner != nil {
		return r.runner, nil
	}

	exists, err := afero.DirExists(r.fs, r.AbsolutePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check destination path %s: %w", r.AbsolutePath, err)
	}
	if !exists {
		slog.InfoContext(ctx, "Destination path does not exist, creating it", "path", r.AbsolutePath)
		if err := r.fs.MkdirAll(r.AbsolutePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create destination path %s: %w", r.AbsolutePath, err)
		}
	}

	r.runner = r.newRunner(r.AbsolutePath)
	return r.runner, nil
}

// Exists reports whether the destination path is already a git work tree.
// A resumed session must never re-clone over an existing checkout.
func (r *Repository) Exists(ctx context.Context) bool {
	runner, err := r.Runner(ctx)
	if err != nil {
		return false
	}

	out, err := runner.RevParse(ctx, "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(strings.ToLower(out)) == "true"
}
