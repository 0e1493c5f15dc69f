// Package gitcmd wraps the external git and git-lfs binaries behind a small
// Runner interface. Session init orchestrates git rather than reimplementing
// it: LFS smudge control, credential-helper scoping and the repository
// exclude file are only reachable through the CLI.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError is returned when a git subcommand exits non-zero. It carries
// the exit status and captured stderr so callers can classify failures.
type CommandError struct {
	// Args are the full arguments passed to the git binary
	Args []string

	// ExitCode is the process exit status, or -1 if the command never ran
	ExitCode int

	// Stderr is the captured standard error output
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit status %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Runner executes git subcommands against a single working directory.
// Implementations return captured stdout; failures are *CommandError.
type Runner interface {
	Init(ctx context.Context) (string, error)
	Config(ctx context.Context, key, value string) (string, error)
	ConfigUnset(ctx context.Context, key string) (string, error)
	RemoteAdd(ctx context.Context, name, url string) (string, error)
	Fetch(ctx context.Context, remote string) (string, error)
	Checkout(ctx context.Context, ref string) (string, error)
	ResetHard(ctx context.Context, ref string) (string, error)
	RevParse(ctx context.Context, flag string) (string, error)
	Submodule(ctx context.Context, subcommand string) (string, error)
	LFS(ctx context.Context, args ...string) (string, error)
}

const defaultGitBinary = "git"

// CLI is the production Runner. It shells out to the git binary with the
// working directory fixed at construction time.
type CLI struct {
	dir string
	bin string
}

// NewCLI returns a Runner bound to the given working directory.
func NewCLI(dir string) *CLI {
	return &CLI{dir: dir, bin: defaultGitBinary}
}

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = c.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}

	return stdout.String(), nil
}

func (c *CLI) Init(ctx context.Context) (string, error) {
	return c.run(ctx, "init")
}

func (c *CLI) Config(ctx context.Context, key, value string) (string, error) {
	return c.run(ctx, "config", key, value)
}

func (c *CLI) ConfigUnset(ctx context.Context, key string) (string, error) {
	return c.run(ctx, "config", "--unset", key)
}

func (c *CLI) RemoteAdd(ctx context.Context, name, url string) (string, error) {
	return c.run(ctx, "remote", "add", name, url)
}

func (c *CLI) Fetch(ctx context.Context, remote string) (string, error) {
	return c.run(ctx, "fetch", remote)
}

func (c *CLI) Checkout(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "checkout", ref)
}

func (c *CLI) ResetHard(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "reset", "--hard", ref)
}

func (c *CLI) RevParse(ctx context.Context, flag string) (string, error) {
	return c.run(ctx, "rev-parse", flag)
}

func (c *CLI) Submodule(ctx context.Context, subcommand string) (string, error) {
	return c.run(ctx, "submodule", subcommand)
}

func (c *CLI) LFS(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, append([]string{"lfs"}, args...)...)
}
