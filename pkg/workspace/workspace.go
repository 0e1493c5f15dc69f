// Package workspace reports the state of repositories inside a session
// workspace. It inspects the working trees that the cloner set up and
// summarises branch, commit, and whether there are uncommitted changes.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "nebari-session-init"

// maxConcurrentInspections bounds how many repositories are opened at once.
const maxConcurrentInspections = 4

// RepositoryStatus describes one repository in the workspace.
type RepositoryStatus struct {
	// Path is the repository directory relative to the workspace root.
	Path string `json:"path"`
	// Branch is the short name of the checked-out branch, or empty when
	// HEAD is detached.
	Branch string `json:"branch,omitempty"`
	// Commit is the full SHA of HEAD, empty for a repository with no
	// commits yet.
	Commit string `json:"commit,omitempty"`
	// Detached reports whether HEAD points at a commit rather than a
	// branch.
	Detached bool `json:"detached"`
	// Dirty reports whether the working tree has uncommitted changes.
	Dirty bool `json:"dirty"`
}

// Inspect walks the first level of the workspace directory and returns the
// status of every git repository found, sorted by path. Non-repository
// directories are skipped.
func Inspect(ctx context.Context, workspacePath string) ([]RepositoryStatus, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "workspace.Inspect")
	defer span.End()
	span.SetAttributes(attribute.String("workspace.path", workspacePath))

	entries, err := os.ReadDir(workspacePath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read workspace directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInspections)

	results := make(chan RepositoryStatus, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(workspacePath, entry.Name())
		name := entry.Name()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			status, err := inspectRepository(dir)
			if err != nil {
				if errors.Is(err, git.ErrRepositoryNotExists) {
					return nil
				}
				return fmt.Errorf("failed to inspect %s: %w", name, err)
			}
			status.Path = name
			results <- status
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	close(results)

	statuses := make([]RepositoryStatus, 0, len(entries))
	for status := range results {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Path < statuses[j].Path })
	span.SetAttributes(attribute.Int("workspace.repositories", len(statuses)))
	return statuses, nil
}

func inspectRepository(dir string) (RepositoryStatus, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return RepositoryStatus{}, err
	}

	var status RepositoryStatus
	head, err := repo.Head()
	switch {
	case err == nil:
		status.Commit = head.Hash().String()
		if head.Name().IsBranch() {
			status.Branch = head.Name().Short()
		} else {
			status.Detached = true
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Freshly initialized repository with no commits.
	default:
		return RepositoryStatus{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return RepositoryStatus{}, fmt.Errorf("failed to open worktree: %w", err)
	}
	wtStatus, err := worktree.Status()
	if err != nil {
		return RepositoryStatus{}, fmt.Errorf("failed to compute worktree status: %w", err)
	}
	status.Dirty = !wtStatus.IsClean()
	return status, nil
}
