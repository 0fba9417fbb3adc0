// Package workspace resolves where a job's repository is checked out and
// keeps that checkout fresh.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// PullTimeout bounds a git pull when Git.Timeout is unset.
const PullTimeout = 2 * time.Minute

// Resolver maps repositories and workspace identifiers to directories
type Resolver struct {
	Root     string
	Registry map[string]string
}

// ForRepo returns the canonical checkout for an "owner/name" repository.
func (r Resolver) ForRepo(repo string) string {
	name := path.Base(strings.TrimSuffix(strings.TrimSpace(repo), ".git"))
	if name == "" || name == "." || name == "/" {
		return r.Root
	}
	return filepath.Join(r.Root, name)
}

// Resolve returns the directory for a caller supplied workspace identifier.
// Known identifiers come from the registry; identifiers starting with a
// path separator are used as absolute paths. Anything else falls back to
// the canonical checkout of repo.
func (r Resolver) Resolve(identifier, repo string) string {
	id := strings.TrimSpace(identifier)
	if id != "" {
		for name, dir := range r.Registry {
			if strings.EqualFold(name, id) {
				return dir
			}
		}
		if strings.HasPrefix(id, string(filepath.Separator)) {
			return filepath.Clean(id)
		}
	}
	return r.ForRepo(repo)
}

// Git runs git against a checkout
type Git struct {
	Timeout time.Duration
}

// Pull fast-forwards the checkout at dir from its upstream. Credential
// prompts are disabled so a pull fails instead of waiting for input.
func (g Git) Pull(ctx context.Context, dir string) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = PullTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "pull", "--ff-only")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = time.Second
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git pull: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
