package cloner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/nebari-dev/nebari-session-init/pkg/config"
	"github.com/nebari-dev/nebari-session-init/pkg/gitcmd"
)

// fakeRunner records git invocations and returns scripted responses.
type fakeRunner struct {
	calls []string

	// failures maps a recorded call prefix to the error it should return
	failures map[string]error

	// outputs maps a recorded call prefix to stdout
	outputs map[string]string

	// onCall is invoked before each command is recorded; used to observe
	// filesystem state mid-sequence
	onCall func(call string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failures: map[string]error{},
		outputs:  map[string]string{},
	}
}

func (f *fakeRunner) run(name string, args ...string) (string, error) {
	call := name
	if len(args) > 0 {
		call = name + " " + strings.Join(args, " ")
	}
	if f.onCall != nil {
		f.onCall(call)
	}
	f.calls = append(f.calls, call)

	for prefix, err := range f.failures {
		if strings.HasPrefix(call, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(call, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) Init(context.Context) (string, error) { return f.run("init") }
func (f *fakeRunner) Config(_ context.Context, key, value string) (string, error) {
	return f.run("config", key, value)
}
func (f *fakeRunner) ConfigUnset(_ context.Context, key string) (string, error) {
	return f.run("config --unset", key)
}
func (f *fakeRunner) RemoteAdd(_ context.Context, name, url string) (string, error) {
	return f.run("remote add", name, url)
}
func (f *fakeRunner) Fetch(_ context.Context, remote string) (string, error) {
	return f.run("fetch", remote)
}
func (f *fakeRunner) Checkout(_ context.Context, ref string) (string, error) {
	return f.run("checkout", ref)
}
func (f *fakeRunner) ResetHard(_ context.Context, ref string) (string, error) {
	return f.run("reset --hard", ref)
}
func (f *fakeRunner) RevParse(_ context.Context, flag string) (string, error) {
	return f.run("rev-parse", flag)
}
func (f *fakeRunner) Submodule(_ context.Context, sub string) (string, error) {
	return f.run("submodule", sub)
}
func (f *fakeRunner) LFS(_ context.Context, args ...string) (string, error) {
	return f.run("lfs", args...)
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func testConfig(anonymous bool) *config.SessionConfig {
	user := config.User{Anonymous: true}
	if !anonymous {
		user = config.User{
			Email:    "jane@example.com",
			FullName: "Jane Doe",
			TokenEnv: "TEST_NSI_CLONE_TOKEN",
		}
	}
	return &config.SessionConfig{
		WorkspacePath: "/workspace",
		GitURL:        "https://git.example.com",
		User:          user,
		Repositories: []config.RepositoryConfig{
			{
				Namespace: "jane",
				Project:   "demo",
				Branch:    "main",
				CommitSHA: "abc123",
				URL:       "https://git.example.com/jane/demo.git",
			},
		},
	}
}

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestCloner(t *testing.T, cfg *config.SessionConfig, runner *fakeRunner, opts ...Option) (*Cloner, afero.Fs) {
	t.Helper()

	server := okServer(t)
	cfg.GitURL = server.URL

	fs := afero.NewMemMapFs()
	all := append([]Option{
		WithFs(fs),
		WithRunnerFactory(func(string) gitcmd.Runner { return runner }),
		WithCredentialsPath("/tmp/git-credentials"),
		WithFreeSpace(func(context.Context, string) (uint64, error) { return 1 << 40, nil }),
		WithInterval(10 * time.Millisecond),
	}, opts...)

	c, err := New(context.Background(), cfg, all...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, fs
}

func TestRunSkipsExistingWorkTree(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["rev-parse"] = "true\n"

	c, _ := newTestCloner(t, testConfig(false), runner)
	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Nothing beyond the existence check may run on a resumed session.
	for _, call := range runner.calls {
		if !strings.HasPrefix(call, "rev-parse") {
			t.Errorf("unexpected command after existence check: %q", call)
		}
	}
}

func TestRunAuthenticatedSequence(t *testing.T) {
	t.Setenv("TEST_NSI_CLONE_TOKEN", "T")

	runner := newFakeRunner()
	c, fs := newTestCloner(t, testConfig(false), runner)

	var credentialsDuringFetch string
	runner.onCall = func(call string) {
		if strings.HasPrefix(call, "fetch") {
			data, err := afero.ReadFile(fs, "/tmp/git-credentials")
			if err != nil {
				t.Errorf("credential file missing during fetch: %v", err)
				return
			}
			credentialsDuringFetch = string(data)
		}
	}

	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if want := "https://oauth2:T@git.example.com"; credentialsDuringFetch != want {
		t.Errorf("credential file content = %q, want %q", credentialsDuringFetch, want)
	}

	wantCalls := []string{
		"init",
		"config user.email jane@example.com",
		"config user.name Jane Doe",
		"config push.default simple",
		"config lfs.https://git.example.com/jane/demo.git/info/lfs.access basic",
		"config credential.helper store --file=/tmp/git-credentials",
		"lfs install --skip-smudge --local",
		"remote add origin https://git.example.com/jane/demo.git",
		"fetch origin",
		"checkout main",
		"submodule init",
		"submodule update",
		"config --unset credential.helper",
		"config --unset lfs.https://git.example.com/jane/demo.git/info/lfs.access",
		"config http.proxy http://localhost:8080",
		"config http.sslVerify false",
	}
	for _, want := range wantCalls {
		if !runner.called(want) {
			t.Errorf("missing command %q in %v", want, runner.calls)
		}
	}

	if runner.called("reset --hard") {
		t.Error("authenticated clone must not hard reset")
	}

	if exists, _ := afero.Exists(fs, "/tmp/git-credentials"); exists {
		t.Error("credential file still exists after run")
	}
}

func TestRunAnonymousSequence(t *testing.T) {
	runner := newFakeRunner()
	c, fs := newTestCloner(t, testConfig(true), runner)

	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !runner.called("reset --hard abc123") {
		t.Errorf("anonymous clone must hard reset to the target commit, calls: %v", runner.calls)
	}
	if runner.called("config credential.helper") {
		t.Error("anonymous clone must not configure a credential helper")
	}
	if runner.called("config user.email") {
		t.Error("anonymous clone must not set a git identity")
	}
	if exists, _ := afero.Exists(fs, "/tmp/git-credentials"); exists {
		t.Error("credential file written for anonymous user")
	}
}

func TestCredentialsCleanedUpOnFailure(t *testing.T) {
	t.Setenv("TEST_NSI_CLONE_TOKEN", "T")

	runner := newFakeRunner()
	runner.failures["checkout"] = &gitcmd.CommandError{
		Args: []string{"checkout", "main"}, ExitCode: 1, Stderr: "error: pathspec 'main' did not match",
	}

	c, fs := newTestCloner(t, testConfig(false), runner)

	err := c.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected checkout failure")
	}

	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Kind != KindBranchDoesNotExist {
		t.Fatalf("expected branch-does-not-exist, got %v", err)
	}

	if exists, _ := afero.Exists(fs, "/tmp/git-credentials"); exists {
		t.Error("credential file still exists after failed run")
	}
	if !runner.called("config --unset credential.helper") {
		t.Error("credential.helper was not unset after failure")
	}
}

func TestUnsetFailureDoesNotMaskCloneError(t *testing.T) {
	t.Setenv("TEST_NSI_CLONE_TOKEN", "T")

	runner := newFakeRunner()
	runner.failures["checkout"] = &gitcmd.CommandError{ExitCode: 1, Stderr: "boom"}
	runner.failures["config --unset"] = &gitcmd.CommandError{ExitCode: 128, Stderr: "not in a git directory"}

	c, _ := newTestCloner(t, testConfig(false), runner)

	err := c.Run(context.Background(), nil)
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Kind != KindBranchDoesNotExist {
		t.Fatalf("cleanup failure masked the original error: %v", err)
	}
}

func TestCheckoutClassification(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		wantKind Kind
		wantExit int
	}{
		{
			name:     "no space left on device",
			stderr:   "fatal: cannot write: No space left on device",
			wantKind: KindNoDiskSpace,
			wantExit: ExitNoDiskSpace,
		},
		{
			name:     "any other failure is a missing branch",
			stderr:   "error: pathspec 'nope' did not match any file(s)",
			wantKind: KindBranchDoesNotExist,
			wantExit: ExitGeneric, // 204 is reserved but not wired
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.failures["checkout"] = &gitcmd.CommandError{ExitCode: 1, Stderr: tt.stderr}

			c, _ := newTestCloner(t, testConfig(true), runner)

			err := c.Run(context.Background(), nil)
			var initErr *InitError
			if !errors.As(err, &initErr) {
				t.Fatalf("expected *InitError, got %v", err)
			}
			if initErr.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", initErr.Kind, tt.wantKind)
			}
			if got := ExitCode(err); got != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d", got, tt.wantExit)
			}
		})
	}
}

func TestStorageMountPreexistsFails(t *testing.T) {
	runner := newFakeRunner()
	c, fs := newTestCloner(t, testConfig(true), runner)

	if err := afero.WriteFile(fs, "/workspace/demo/data/file.txt", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	err := c.Run(context.Background(), []string{"/workspace/demo/data"})
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Kind != KindCloudStorageOverwritesExistingFiles {
		t.Fatalf("expected cloud-storage-overwrite error, got %v", err)
	}

	if exists, _ := afero.Exists(fs, "/workspace/demo/.git/info/exclude"); exists {
		t.Error("exclude file written despite pre-existing mount")
	}
}

func TestStorageMountsExcluded(t *testing.T) {
	runner := newFakeRunner()
	c, fs := newTestCloner(t, testConfig(true), runner)

	mounts := []string{
		"/workspace/demo/buckets/data",
		"/elsewhere/other-mount",
	}
	if err := c.Run(context.Background(), mounts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := afero.ReadFile(fs, "/workspace/demo/.git/info/exclude")
	if err != nil {
		t.Fatalf("exclude file not written: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "buckets/data\n") {
		t.Errorf("exclude file missing relative mount path, got %q", content)
	}
	if strings.Contains(content, "elsewhere") || strings.Contains(content, "other-mount") {
		t.Errorf("exclude file contains mount outside the repository: %q", content)
	}
}

func TestLFSAutoFetchDiskSpaceCheck(t *testing.T) {
	lfsListing := `{"files": [{"name": "big.bin", "size": 5000}, {"name": "big2.bin", "size": 3000}]}`

	tests := []struct {
		name      string
		free      uint64
		listing   string
		listErr   error
		wantErr   bool
		wantPull  bool
		wantInsta bool
	}{
		{
			name:     "insufficient space fails before download",
			free:     1000,
			listing:  lfsListing,
			wantErr:  true,
			wantPull: false,
		},
		{
			name:     "sufficient space pulls content",
			free:     1 << 30,
			listing:  lfsListing,
			wantPull: true,
		},
		{
			name:     "listing failure counts as zero",
			free:     1,
			listErr:  &gitcmd.CommandError{ExitCode: 2, Stderr: "lfs broken"},
			wantPull: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			if tt.listErr != nil {
				runner.failures["lfs ls-files"] = tt.listErr
			} else {
				runner.outputs["lfs ls-files"] = tt.listing
			}

			cfg := testConfig(true)
			cfg.LFSAutoFetch = true

			c, _ := newTestCloner(t, cfg, runner,
				WithFreeSpace(func(context.Context, string) (uint64, error) { return tt.free, nil }))

			err := c.Run(context.Background(), nil)
			if tt.wantErr {
				var initErr *InitError
				if !errors.As(err, &initErr) || initErr.Kind != KindNoDiskSpace {
					t.Fatalf("expected no-disk-space error, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if got := runner.called("lfs pull"); got != tt.wantPull {
				t.Errorf("lfs pull called = %v, want %v", got, tt.wantPull)
			}
			if tt.wantPull && !runner.called("lfs install --local") {
				t.Error("full LFS install missing before pull")
			}
		})
	}
}

func TestLFSSkipSmudgeWhenAutoFetchDisabled(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCloner(t, testConfig(true), runner)

	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !runner.called("lfs install --skip-smudge --local") {
		t.Errorf("expected skip-smudge install, calls: %v", runner.calls)
	}
	if runner.called("lfs pull") {
		t.Error("lfs pull must not run when auto-fetch is disabled")
	}
}

func TestSubmoduleFailureIsSwallowed(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["submodule"] = &gitcmd.CommandError{ExitCode: 1, Stderr: "submodule broken"}

	c, _ := newTestCloner(t, testConfig(true), runner)
	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("submodule failure must not abort the run: %v", err)
	}
}

func TestNewSkipsProbeWithoutRepositories(t *testing.T) {
	cfg := &config.SessionConfig{
		WorkspacePath: "/workspace",
		// Unreachable on purpose; the probe must not run.
		GitURL: "http://127.0.0.1:1",
		User:   config.User{Anonymous: true},
	}

	c, err := New(context.Background(), cfg, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New with no repositories must skip the probe: %v", err)
	}
	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run with no repositories failed: %v", err)
	}
}

func TestProbeTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(true)
	cfg.GitURL = server.URL

	_, err := New(context.Background(), cfg,
		WithFs(afero.NewMemMapFs()),
		WithTimeout(80*time.Millisecond),
		WithInterval(20*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected remote-unavailable error")
	}

	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Kind != KindRemoteUnavailable {
		t.Fatalf("expected remote-unavailable, got %v", err)
	}
	if got := ExitCode(err); got != ExitRemoteUnavailable {
		t.Errorf("ExitCode = %d, want %d", got, ExitRemoteUnavailable)
	}
}

func TestProbeRetriesUntilAvailable(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(true)
	cfg.GitURL = server.URL

	_, err := New(context.Background(), cfg,
		WithFs(afero.NewMemMapFs()),
		WithInterval(10*time.Millisecond),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New failed despite remote becoming available: %v", err)
	}
	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 probe attempts, got %d", attempts.Load())
	}
}

func TestMultipleRepositoriesProcessedInOrder(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig(true)
	cfg.Repositories = append(cfg.Repositories, config.RepositoryConfig{
		Namespace: "jane",
		Project:   "second",
		Branch:    "dev",
		CommitSHA: "def456",
		URL:       "https://git.example.com/jane/second.git",
	})

	c, _ := newTestCloner(t, cfg, runner)
	if err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	first := -1
	second := -1
	for i, call := range runner.calls {
		if call == "checkout main" && first == -1 {
			first = i
		}
		if call == "checkout dev" && second == -1 {
			second = i
		}
	}
	if first == -1 || second == -1 || first > second {
		t.Errorf("repositories not processed in order: %v", runner.calls)
	}
}

func TestRepositoryDestinationPath(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCloner(t, testConfig(true), runner)

	if len(c.repositories) != 1 {
		t.Fatalf("expected 1 repository, got %d", len(c.repositories))
	}
	if got, want := c.repositories[0].AbsolutePath, "/workspace/demo"; got != want {
		t.Errorf("AbsolutePath = %q, want %q", got, want)
	}
}

func TestLFSTotalSizeParsing(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["lfs ls-files"] = `{"files": [{"size": 10}, {"size": 32}]}`

	c, _ := newTestCloner(t, testConfig(true), runner)
	if got := c.lfsTotalSizeBytes(context.Background(), runner); got != 42 {
		t.Errorf("lfsTotalSizeBytes = %d, want 42", got)
	}

	runner.outputs["lfs ls-files"] = `{"files": []}`
	if got := c.lfsTotalSizeBytes(context.Background(), runner); got != 0 {
		t.Errorf("lfsTotalSizeBytes = %d, want 0 for empty listing", got)
	}

	runner.outputs["lfs ls-files"] = `not json`
	if got := c.lfsTotalSizeBytes(context.Background(), runner); got != 0 {
		t.Errorf("lfsTotalSizeBytes = %d, want 0 for unparsable listing", got)
	}
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["fetch"] = &gitcmd.CommandError{ExitCode: 128, Stderr: "could not read from remote"}

	cfg := testConfig(true)
	cfg.Repositories = append(cfg.Repositories, config.RepositoryConfig{
		Namespace: "jane",
		Project:   "second",
		Branch:    "dev",
		CommitSHA: "def456",
		URL:       "https://git.example.com/jane/second.git",
	})

	c, _ := newTestCloner(t, cfg, runner)
	err := c.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected fetch failure to abort the run")
	}
	if got := ExitCode(err); got != ExitGeneric {
		t.Errorf("unclassified command failure ExitCode = %d, want %d", got, ExitGeneric)
	}
	if runner.called(fmt.Sprintf("remote add origin %s", "https://git.example.com/jane/second.git")) {
		t.Error("second repository processed after first failed")
	}
}
