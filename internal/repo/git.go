package repo

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// GitManager shells out to the git CLI. Layout under root:
//
//	<root>/repos/<repo>.git        bare clones
//	<root>/worktrees/<repo>/<branch>  per-branch worktrees
type GitManager struct {
	root   string
	logger *zap.Logger

	mu sync.Mutex // serializes worktree creation per manager
}

// NewGitManager returns a Manager rooted at root.
func NewGitManager(root string, logger *zap.Logger) *GitManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitManager{root: root, logger: logger}
}

func (g *GitManager) bareRepoPath(repo string) string {
	return filepath.Join(g.root, "repos", repo+".git")
}

// GetWorktreePath returns the deterministic worktree location for the
// branch. Slashes in branch names become directory separators.
func (g *GitManager) GetWorktreePath(repo, branch string) (string, error) {
	if repo == "" || branch == "" {
		return "", fmt.Errorf("worktree path requires repo and branch (repo=%q branch=%q)", repo, branch)
	}
	return filepath.Join(g.root, "worktrees", repo, filepath.FromSlash(branch)), nil
}

// BareRepoExists reports whether the bare clone is present on disk.
func (g *GitManager) BareRepoExists(repo string) bool {
	info, err := os.Stat(g.bareRepoPath(repo))
	return err == nil && info.IsDir()
}

// EnsureWorktree creates the branch worktree if missing. The branch is
// created off baseBranch (or the default HEAD) when it does not exist.
func (g *GitManager) EnsureWorktree(repo, branch, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	path, err := g.GetWorktreePath(repo, branch)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if !g.BareRepoExists(repo) {
		return fmt.Errorf("bare repo %s not found under %s", repo, filepath.Join(g.root, "repos"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}

	bare := g.bareRepoPath(repo)
	args := []string{"worktree", "add", path, branch}
	if !g.branchExists(bare, branch) {
		start := baseBranch
		if start == "" {
			start = "HEAD"
		}
		args = []string{"worktree", "add", "-b", branch, path, start}
	}

	out, err := g.git(bare, args...)
	if err != nil {
		return fmt.Errorf("git worktree add %s/%s: %w: %s", repo, branch, err, strings.TrimSpace(out))
	}
	g.logger.Info("worktree created",
		zap.String("repo", repo),
		zap.String("branch", branch),
		zap.String("path", path))
	return nil
}

func (g *GitManager) branchExists(gitDir, branch string) bool {
	_, err := g.git(gitDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (g *GitManager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
