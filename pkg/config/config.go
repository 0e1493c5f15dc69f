package config

import (
	"fmt"
	"os"
)

// SessionConfig represents the parsed session-config.yaml structure used to
// initialize a notebook session workspace.
type SessionConfig struct {
	// WorkspacePath is the mount point of the session workspace volume.
	// Each repository is cloned into <workspace_path>/<project>.
	WorkspacePath string `yaml:"workspace_path"`

	// GitURL is the base URL of the git service; used as the reachability
	// probe target before cloning starts
	GitURL string `yaml:"git_url"`

	// LFSAutoFetch controls whether LFS content is downloaded during init
	LFSAutoFetch bool `yaml:"lfs_auto_fetch,omitempty"`

	User User `yaml:"user"`

	Repositories []RepositoryConfig `yaml:"repositories"`

	// StorageMounts are cloud storage mount points that must be excluded
	// from version control inside the cloned repositories
	StorageMounts []string `yaml:"storage_mounts,omitempty"`

	// Using map to capture additional fields for lenient parsing
	AdditionalFields map[string]interface{} `yaml:",inline"`
}

// User describes the session owner's git identity. For anonymous sessions
// email, full name and token are not set and identity config is skipped.
// The OAuth token is referenced by environment variable name, never stored
// in config.
type User struct {
	Email     string `yaml:"email,omitempty"`
	FullName  string `yaml:"full_name,omitempty"`
	Anonymous bool   `yaml:"anonymous,omitempty"`

	// TokenEnv is the name of the environment variable containing the
	// OAuth token used for authenticated clones
	TokenEnv string `yaml:"token_env,omitempty"`
}

// Token resolves the OAuth token from the configured environment variable.
// Returns the empty string for anonymous users or when unset.
func (u *User) Token() string {
	if u.TokenEnv == "" {
		return ""
	}
	return os.Getenv(u.TokenEnv)
}

// RepositoryConfig describes one repository to clone into the workspace.
type RepositoryConfig struct {
	Namespace string `yaml:"namespace"`
	Project   string `yaml:"project"`
	Branch    string `yaml:"branch"`
	CommitSHA string `yaml:"commit_sha"`
	URL       string `yaml:"url"`
}

// Validate checks that the configuration is complete enough to run a clone.
func (c *SessionConfig) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}

	if len(c.Repositories) > 0 && c.GitURL == "" {
		return fmt.Errorf("git_url is required when repositories are configured")
	}

	if !c.User.Anonymous && c.User.TokenEnv == "" {
		return fmt.Errorf("user: token_env is required for authenticated sessions")
	}

	for i, repo := range c.Repositories {
		if err := repo.Validate(); err != nil {
			return fmt.Errorf("repositories[%d]: %w", i, err)
		}
	}

	return nil
}

// Validate checks that the repository descriptor is complete.
func (r *RepositoryConfig) Validate() error {
	if r.Project == "" {
		return fmt.Errorf("project is required")
	}
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	if r.Branch == "" {
		return fmt.Errorf("branch is required")
	}
	if r.CommitSHA == "" {
		return fmt.Errorf("commit_sha is required")
	}
	return nil
}
