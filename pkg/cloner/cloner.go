// Package cloner materializes session repositories into a notebook
// workspace: it waits for the git service, clones each configured
// repository at its target commit, handles LFS content and submodules,
// excludes cloud storage mounts from version control, and routes the
// session's git traffic through the local auth proxy.
package cloner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/nebari-session-init/pkg/config"
	"github.com/nebari-dev/nebari-session-init/pkg/gitcmd"
	"github.com/nebari-dev/nebari-session-init/pkg/status"
)

const (
	tracerName = "nebari-session-init"

	remoteName = "origin"

	// DefaultProxyURL is the in-session git proxy endpoint. The proxy owns
	// TLS re-establishment, so sslVerify is disabled towards it.
	DefaultProxyURL = "http://localhost:8080"

	// DefaultCredentialsPath is the well-known location of the transient
	// credential file. It must not exist after any run.
	DefaultCredentialsPath = "/tmp/git-credentials"

	// DefaultProbeInterval is the fixed wait between reachability attempts
	DefaultProbeInterval = 5 * time.Second
)

// Option configures a Cloner.
type Option func(*Cloner)

// WithTimeout bounds the remote reachability probe. Zero means wait
// indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(c *Cloner) { c.probeTimeout = d }
}

// WithInterval overrides the probe retry interval.
func WithInterval(d time.Duration) Option {
	return func(c *Cloner) { c.probeInterval = d }
}

// WithHTTPClient overrides the HTTP client used by the reachability probe.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cloner) { c.httpClient = client }
}

// WithRunnerFactory overrides how git command runners are built.
func WithRunnerFactory(factory RunnerFactory) Option {
	return func(c *Cloner) { c.newRunner = factory }
}

// WithFs overrides the filesystem used for credential and exclude files.
func WithFs(fs afero.Fs) Option {
	return func(c *Cloner) { c.fs = fs }
}

// WithCredentialsPath overrides the transient credential file location.
func WithCredentialsPath(path string) Option {
	return func(c *Cloner) { c.credentialsPath = path }
}

// WithProxyURL overrides the in-session git proxy endpoint.
func WithProxyURL(url string) Option {
	return func(c *Cloner) { c.proxyURL = url }
}

// WithFreeSpace overrides how free disk space is measured.
func WithFreeSpace(fn func(ctx context.Context, path string) (uint64, error)) Option {
	return func(c *Cloner) { c.freeSpace = fn }
}

// Cloner drives the initialize-and-clone sequence over the configured
// repositories. One Cloner runs per session init process; concurrent
// instances would corrupt each other's credential scope.
type Cloner struct {
	repositories []*Repository
	user         config.User
	gitURL       string
	lfsAutoFetch bool

	fs              afero.Fs
	newRunner       RunnerFactory
	httpClient      *http.Client
	probeTimeout    time.Duration
	probeInterval   time.Duration
	credentialsPath string
	proxyURL        string
	freeSpace       func(ctx context.Context, path string) (uint64, error)
}

// New builds a Cloner from the session configuration. When at least one
// repository is configured, New blocks until the git service answers the
// reachability probe (or the configured timeout elapses, yielding
// KindRemoteUnavailable). Constructing with no repositories is a no-op.
func New(ctx context.Context, cfg *config.SessionConfig, opts ...Option) (*Cloner, error) {
	c := &Cloner{
		user:            cfg.User,
		gitURL:          cfg.GitURL,
		lfsAutoFetch:    cfg.LFSAutoFetch,
		fs:              afero.NewOsFs(),
		httpClient:      http.DefaultClient,
		probeInterval:   DefaultProbeInterval,
		credentialsPath: DefaultCredentialsPath,
		proxyURL:        DefaultProxyURL,
	}
	c.newRunner = func(dir string) gitcmd.Runner { return gitcmd.NewCLI(dir) }
	c.freeSpace = func(ctx context.Context, path string) (uint64, error) {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, err
		}
		return usage.Free, nil
	}

	for _, opt := range opts {
		opt(c)
	}

	for _, rc := range cfg.Repositories {
		c.repositories = append(c.repositories, newRepository(rc, cfg.WorkspacePath, c.fs, c.newRunner))
	}

	if len(c.repositories) > 0 {
		if err := c.waitForRemote(ctx); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// waitForRemote polls the git service until it answers with a status in the
// success/redirect range.
func (c *Cloner) waitForRemote(ctx context.Context) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "cloner.waitForRemote")
	defer span.End()

	span.SetAttributes(
		attribute.String("git.url", c.gitURL),
		attribute.String("probe.timeout", c.probeTimeout.String()),
	)

	var deadline <-chan time.Time
	if c.probeTimeout > 0 {
		deadline = time.After(c.probeTimeout)
	}

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Waiting for git service to become available",
		"url", c.gitURL, "timeout", c.probeTimeout.String())

	// Check immediately before entering the polling loop.
	if c.remoteReachable(ctx) {
		slog.InfoContext(ctx, "Git service is available")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return fmt.Errorf("cancelled while waiting for git service: %w", ctx.Err())
		case <-deadline:
			err := newInitError(KindRemoteUnavailable,
				fmt.Sprintf("git service at %s not reachable after %s", c.gitURL, c.probeTimeout), nil)
			span.RecordError(err)
			return err
		case <-ticker.C:
			if c.remoteReachable(ctx) {
				slog.InfoContext(ctx, "Git service is available")
				return nil
			}
		}
	}
}

func (c *Cloner) remoteReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gitURL, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// Run processes each configured repository in order. A failure aborts the
// run; there is no partial continue.
func (c *Cloner) Run(ctx context.Context, storageMounts []string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "cloner.Run")
	defer span.End()

	span.SetAttributes(
		attribute.Int("repository_count", len(c.repositories)),
		attribute.Int("storage_mount_count", len(storageMounts)),
	)

	for _, repo := range c.repositories {
		if err := c.initAndClone(ctx, repo, storageMounts); err != nil {
			span.RecordError(err)
			return err
		}
	}

	return nil
}

// initAndClone brings exactly one repository to the target commit,
// idempotently.
func (c *Cloner) initAndClone(ctx context.Context, repo *Repository, storageMounts []string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "cloner.initAndClone")
	defer span.End()

	span.SetAttributes(
		attribute.String("repository.project", repo.Project),
		attribute.String("repository.branch", repo.Branch),
		attribute.String("repository.path", repo.AbsolutePath),
	)

	slog.InfoContext(ctx, "Checking if the repository already exists", "project", repo.Project)
	if repo.Exists(ctx) {
		// This runs when a session is resumed. Removing the checkout here
		// would lose uncommitted work.
		slog.InfoContext(ctx, "The repository already exists - skipping", "project", repo.Project)
		status.Info(ctx, "Repository already present", repo.Project)
		return nil
	}

	runner, err := repo.Runner(ctx)
	if err != nil {
		return err
	}

	if err := c.initializeRepo(ctx, repo, runner); err != nil {
		return err
	}

	if c.user.Anonymous {
		// Anonymous access implies a public source; hard reset pins the
		// work tree to the target commit regardless of branch tip drift.
		if err := c.clone(ctx, repo, runner); err != nil {
			return err
		}
		if _, err := runner.ResetHard(ctx, repo.CommitSHA); err != nil {
			return err
		}
	} else {
		err := c.withCredentials(ctx, repo, runner, func() error {
			return c.clone(ctx, repo, runner)
		})
		if err != nil {
			return err
		}
	}

	// A pre-existing mount location means the clone or another file would
	// be overwritten when the storage backend is mounted.
	for _, mount := range storageMounts {
		exists, err := afero.Exists(c.fs, mount)
		if err != nil {
			return fmt.Errorf("failed to check storage mount %s: %w", mount, err)
		}
		if exists {
			return newInitError(KindCloudStorageOverwritesExistingFiles,
				fmt.Sprintf("storage mount %s would overwrite existing files", mount), nil)
		}
	}

	if len(storageMounts) > 0 {
		slog.InfoContext(ctx, "Excluding cloud storage from git",
			"mounts", storageMounts, "project", repo.Project)
		if err := c.excludeStorages(repo, storageMounts); err != nil {
			return err
		}
	}

	if err := c.setupProxy(ctx, repo, runner); err != nil {
		return err
	}

	status.Success(ctx, "Repository initialized", repo.Project)
	return nil
}

func (c *Cloner) initializeRepo(ctx context.Context, repo *Repository, runner gitcmd.Runner) error {
	slog.InfoContext(ctx, "Initializing repository", "project", repo.Project)
	status.Progress(ctx, "Initializing repository", repo.Project)

	if _, err := runner.Init(ctx); err != nil {
		return err
	}

	// For anonymous sessions email and name are not known for the user.
	if c.user.Email != "" {
		slog.InfoContext(ctx, "Setting git user email", "email", c.user.Email)
		if _, err := runner.Config(ctx, "user.email", c.user.Email); err != nil {
			return err
		}
	}
	if c.user.FullName != "" {
		slog.InfoContext(ctx, "Setting git user name", "name", c.user.FullName)
		if _, err := runner.Config(ctx, "user.name", c.user.FullName); err != nil {
			return err
		}
	}

	_, err := runner.Config(ctx, "push.default", "simple")
	return err
}

// clone fetches repository content and brings the working tree to the
// target branch, including LFS and submodule content.
func (c *Cloner) clone(ctx context.Context, repo *Repository, runner gitcmd.Runner) error {
	slog.InfoContext(ctx, "Cloning branch", "branch", repo.Branch, "project", repo.Project)
	status.Progress(ctx, "Cloning repository", repo.Project)

	lfsInstallArgs := []string{"install", "--local"}
	if !c.lfsAutoFetch {
		// Pointers are fetched but content is not smudged in; users pull
		// large files on demand.
		lfsInstallArgs = []string{"install", "--skip-smudge", "--local"}
	}
	if _, err := runner.LFS(ctx, lfsInstallArgs...); err != nil {
		return err
	}

	if _, err := runner.RemoteAdd(ctx, remoteName, repo.URL); err != nil {
		return err
	}
	if _, err := runner.Fetch(ctx, remoteName); err != nil {
		return err
	}

	if _, err := runner.Checkout(ctx, repo.Branch); err != nil {
		if classified := classifyCheckoutError(err); classified != nil {
			return classified
		}
	}

	if c.lfsAutoFetch {
		totalSize := c.lfsTotalSizeBytes(ctx, runner)
		free, err := c.freeSpace(ctx, repo.AbsolutePath)
		if err != nil {
			return fmt.Errorf("failed to check free space at %s: %w", repo.AbsolutePath, err)
		}
		if free < totalSize {
			return newInitError(KindNoDiskSpace,
				fmt.Sprintf("LFS content needs %d bytes but only %d are free", totalSize, free), nil)
		}
		if _, err := runner.LFS(ctx, "install", "--local"); err != nil {
			return err
		}
		status.Progress(ctx, "Downloading LFS content", repo.Project)
		if _, err := runner.LFS(ctx, "pull"); err != nil {
			return err
		}
	}

	// Submodule content is best effort and never aborts the run.
	slog.InfoContext(ctx, "Initializing submodules", "project", repo.Project)
	if err := initSubmodules(ctx, runner); err != nil {
		slog.ErrorContext(ctx, "Could not initialize submodules", "error", err, "project", repo.Project)
		status.Warning(ctx, "Could not initialize submodules", repo.Project)
	}

	return nil
}

func initSubmodules(ctx context.Context, runner gitcmd.Runner) error {
	if _, err := runner.Submodule(ctx, "init"); err != nil {
		return err
	}
	_, err := runner.Submodule(ctx, "update")
	return err
}

// classifyCheckoutError maps a checkout failure onto the taxonomy. Exit
// status and stderr are both checked because some environments report the
// failure only on one channel.
func classifyCheckoutError(err error) error {
	var cmdErr *gitcmd.CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}

	if cmdErr.ExitCode == 0 && len(cmdErr.Stderr) == 0 {
		return nil
	}

	if strings.Contains(strings.ToLower(cmdErr.Stderr), "no space left on device") {
		return newInitError(KindNoDiskSpace, "checkout failed: no space left on device", err)
	}
	return newInitError(KindBranchDoesNotExist, "checkout failed", err)
}

// lfsTotalSizeBytes returns the total size of all LFS-tracked files. This
// is a best-effort safety check: any listing failure counts as zero.
func (c *Cloner) lfsTotalSizeBytes(ctx context.Context, runner gitcmd.Runner) uint64 {
	out, err := runner.LFS(ctx, "ls-files", "--json")
	if err != nil {
		return 0
	}

	var listing struct {
		Files []struct {
			Size uint64 `json:"size"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &listing); err != nil {
		return 0
	}

	var total uint64
	for _, f := range listing.Files {
		total += f.Size
	}
	return total
}

// excludeStorages appends storage mount points to the repository's local
// exclude file. Mounts outside the repository root are skipped.
func (c *Cloner) excludeStorages(repo *Repository, storageMounts []string) error {
	excludePath := filepath.Join(repo.AbsolutePath, ".git", "info", "exclude")

	file, err := c.fs.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open exclude file %s: %w", excludePath, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}

	for _, mount := range storageMounts {
		rel, err := filepath.Rel(repo.AbsolutePath, mount)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			// The mount is not inside the repository, nothing to ignore.
			continue
		}
		if _, err := file.WriteString(filepath.ToSlash(rel) + "\n"); err != nil {
			return fmt.Errorf("failed to write exclude file: %w", err)
		}
	}

	return nil
}

func (c *Cloner) setupProxy(ctx context.Context, repo *Repository, runner gitcmd.Runner) error {
	slog.InfoContext(ctx, "Setting up git proxy", "proxy_url", c.proxyURL, "project", repo.Project)

	if _, err := runner.Config(ctx, "http.proxy", c.proxyURL); err != nil {
		return err
	}
	// The local proxy re-establishes TLS; verification is disabled only
	// towards it, inside the session trust boundary.
	_, err := runner.Config(ctx, "http.sslVerify", "false")
	return err
}
