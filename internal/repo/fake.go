package repo

import (
	"path/filepath"
	"sync"
)

// Fake is an in-memory Manager for tests and dry runs. Worktree paths
// resolve under Root without touching git.
type Fake struct {
	Root string

	mu        sync.Mutex
	repos     map[string]bool
	ensured   map[string]int
	EnsureErr error // returned by EnsureWorktree when set
}

// NewFake returns a Fake rooted at root with the given repos present.
func NewFake(root string, repos ...string) *Fake {
	f := &Fake{
		Root:    root,
		repos:   make(map[string]bool),
		ensured: make(map[string]int),
	}
	for _, r := range repos {
		f.repos[r] = true
	}
	return f
}

func (f *Fake) GetWorktreePath(repo, branch string) (string, error) {
	return filepath.Join(f.Root, repo, branch), nil
}

func (f *Fake) EnsureWorktree(repo, branch, baseBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnsureErr != nil {
		return f.EnsureErr
	}
	f.ensured[repo+"/"+branch]++
	return nil
}

func (f *Fake) BareRepoExists(repo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[repo]
}

// EnsureCount reports how many times EnsureWorktree ran for repo/branch.
func (f *Fake) EnsureCount(repo, branch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensured[repo+"/"+branch]
}
