package mission

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Worktree is the checkout a mission works in.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// WorktreeProvider creates and removes per-mission checkouts. The driver
// calls Create exactly once per mission.
type WorktreeProvider interface {
	Create(ctx context.Context, projectPath, missionName, missionID string) (*Worktree, error)
	Remove(ctx context.Context, projectPath, worktreePath string) error
}

// GitWorktrees provides worktrees with the git CLI. Worktrees live in a
// sibling directory of the project so the checkout never pollutes the
// project tree itself.
type GitWorktrees struct{}

func NewGitWorktrees() *GitWorktrees {
	return &GitWorktrees{}
}

// Create adds a worktree on a fresh feature/<sanitized-name> branch at
// <parent>/<project>-missions/<missionID>.
func (g *GitWorktrees) Create(ctx context.Context, projectPath, missionName, missionID string) (*Worktree, error) {
	branch := "feature/" + SanitizeBranchName(missionName)
	path := filepath.Join(
		filepath.Dir(projectPath),
		filepath.Base(projectPath)+"-missions",
		missionID,
	)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent: %w", err)
	}

	out, err := g.git(ctx, projectPath, "worktree", "add", "-b", branch, path)
	if err != nil {
		return nil, fmt.Errorf("git worktree add failed: %s: %w", strings.TrimSpace(out), err)
	}
	return &Worktree{Path: path, Branch: branch}, nil
}

// Remove drops the worktree registration and its directory.
func (g *GitWorktrees) Remove(ctx context.Context, projectPath, worktreePath string) error {
	out, err := g.git(ctx, projectPath, "worktree", "remove", "--force", worktreePath)
	if err == nil {
		return nil
	}
	// The registration may already be gone; clear the directory and prune.
	if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
		return fmt.Errorf("git worktree remove failed (%s): %w", strings.TrimSpace(out), err)
	}
	_, _ = g.git(ctx, projectPath, "worktree", "prune")
	return nil
}

func (g *GitWorktrees) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// SanitizeBranchName lowercases the name, maps spaces to hyphens, keeps only
// [a-z0-9-], collapses hyphen runs, and strips leading/trailing hyphens.
func SanitizeBranchName(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ' || r == '-':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
