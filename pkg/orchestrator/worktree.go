package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"drydock/pkg/protocol"
)

// GitWorktreeProvisioner is the production WorktreeProvisioner. Each session
// gets a detached worktree under worktreesRoot named by session id, on a
// fresh branch cut from the repo's base branch. Repo checkouts live under
// reposRoot/<owner>/<name>.
type GitWorktreeProvisioner struct {
	reposRoot     string
	worktreesRoot string
	runner        CommandRunner
}

// NewGitWorktreeProvisioner returns a WorktreeProvisioner backed by real git
// commands.
func NewGitWorktreeProvisioner(reposRoot, worktreesRoot string, runner CommandRunner) *GitWorktreeProvisioner {
	return &GitWorktreeProvisioner{
		reposRoot:     reposRoot,
		worktreesRoot: worktreesRoot,
		runner:        runner,
	}
}

func (g *GitWorktreeProvisioner) repoDir(owner, name string) string {
	return filepath.Join(g.reposRoot, owner, name)
}

// CreateWorktree runs `git worktree add <path> -b <branch> <base>` in the
// repo checkout and returns the worktree path. The session id is validated
// before any filepath join to prevent directory traversal.
func (g *GitWorktreeProvisioner) CreateWorktree(ctx context.Context, owner, name, sessionID, baseBranch, branchName string) (string, error) {
	if err := protocol.ValidateSessionID(sessionID); err != nil {
		return "", err
	}

	path := filepath.Join(g.worktreesRoot, sessionID)
	_, err := g.runner.Run(ctx, "git", "-C", g.repoDir(owner, name),
		"worktree", "add", path, "-b", branchName, baseBranch,
	)
	if err != nil {
		return "", fmt.Errorf("worktree add %s: %w", sessionID, err)
	}
	return path, nil
}

// DestroyWorktree runs `git worktree remove <path> --force` in the owning
// repo checkout. Removal of an already-absent worktree is not an error.
func (g *GitWorktreeProvisioner) DestroyWorktree(ctx context.Context, owner, name, sessionID string) error {
	if err := protocol.ValidateSessionID(sessionID); err != nil {
		return err
	}

	path := filepath.Join(g.worktreesRoot, sessionID)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil
	}

	_, err := g.runner.Run(ctx, "git", "-C", g.repoDir(owner, name),
		"worktree", "remove", path, "--force",
	)
	if err != nil {
		// git may have lost track of the worktree; fall back to direct removal.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("worktree remove %s: %w", sessionID, err)
		}
		_, _ = g.runner.Run(ctx, "git", "-C", g.repoDir(owner, name), "worktree", "prune")
	}
	return nil
}

// Prune cleans up orphaned worktree directories left by a previous crash.
// Errors are non-fatal; this method always returns nil.
func (g *GitWorktreeProvisioner) Prune(ctx context.Context) error {
	entries, err := os.ReadDir(g.reposRoot)
	if err == nil {
		for _, owner := range entries {
			if !owner.IsDir() {
				continue
			}
			repos, err := os.ReadDir(filepath.Join(g.reposRoot, owner.Name()))
			if err != nil {
				continue
			}
			for _, repo := range repos {
				if !repo.IsDir() {
					continue
				}
				_, _ = g.runner.Run(ctx, "git", "-C", g.repoDir(owner.Name(), repo.Name()), "worktree", "prune")
			}
		}
	}

	worktrees, err := os.ReadDir(g.worktreesRoot)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range worktrees {
		if entry.IsDir() {
			_ = os.RemoveAll(filepath.Join(g.worktreesRoot, entry.Name()))
		}
	}
	return nil
}
