package cloner

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"

	"github.com/nebari-dev/nebari-session-init/pkg/gitcmd"
)

// lfsAccessKey is the git config key that tells LFS to use basic auth for
// the repository's LFS endpoint. Without it LFS first tries anonymous
// access and then persists basic-auth settings permanently in the session.
func lfsAccessKey(repoURL string) string {
	return "lfs." + strings.TrimSuffix(repoURL, "/") + "/info/lfs.access"
}

// withCredentials runs fn inside a scoped credential context: a plaintext
// credential file and the matching git config entries exist only for the
// duration of fn and are always removed afterwards, however fn exits.
func (c *Cloner) withCredentials(ctx context.Context, repo *Repository, runner gitcmd.Runner, fn func() error) (err error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "cloner.withCredentials")
	defer span.End()

	parsed, parseErr := url.Parse(repo.URL)
	if parseErr != nil {
		span.RecordError(parseErr)
		return fmt.Errorf("failed to parse repository URL %s: %w", repo.URL, parseErr)
	}

	lfsKey := lfsAccessKey(repo.URL)

	credentials := fmt.Sprintf("https://oauth2:%s@%s", c.user.Token(), parsed.Host)
	if writeErr := afero.WriteFile(c.fs, c.credentialsPath, []byte(credentials), 0600); writeErr != nil {
		span.RecordError(writeErr)
		return fmt.Errorf("failed to write credential file: %w", writeErr)
	}

	defer func() {
		// Temp credentials MUST be cleaned up on scope exit, and cleanup
		// failures must never mask the error that caused fn to fail.
		slog.InfoContext(ctx, "Cleaning up git credentials after cloning")

		if removeErr := c.fs.Remove(c.credentialsPath); removeErr != nil && !os.IsNotExist(removeErr) {
			slog.WarnContext(ctx, "Could not remove git credential file",
				"path", c.credentialsPath, "error", removeErr)
		}

		if _, unsetErr := runner.ConfigUnset(ctx, "credential.helper"); unsetErr != nil {
			c.logUnsetFailure(ctx, unsetErr)
			return
		}
		if _, unsetErr := runner.ConfigUnset(ctx, lfsKey); unsetErr != nil {
			c.logUnsetFailure(ctx, unsetErr)
		}
	}()

	if _, cfgErr := runner.Config(ctx, lfsKey, "basic"); cfgErr != nil {
		return cfgErr
	}
	if _, cfgErr := runner.Config(ctx, "credential.helper", fmt.Sprintf("store --file=%s", c.credentialsPath)); cfgErr != nil {
		return cfgErr
	}

	return fn()
}

// logUnsetFailure records a failed config unset. The repository directory
// is removed wholesale when a clone fails, so the unset often cannot
// succeed; surfacing it as an error would mask the true failure.
func (c *Cloner) logUnsetFailure(ctx context.Context, err error) {
	slog.WarnContext(ctx,
		"Git plaintext credentials were deleted but could not be unset in the repository's config, "+
			"most likely because the repository has been deleted",
		"error", err)
}
