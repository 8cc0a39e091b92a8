// git.go wraps every git invocation the publisher makes. No other package
// calls the git binary directly. Each method maps to one porcelain operation;
// a non-zero exit code is wrapped in the returned error with the combined
// output included.
package publisher

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// gitRepo runs git commands against one working copy.
type gitRepo struct {
	dir    string
	logger *zap.Logger
}

func newGitRepo(dir string, logger *zap.Logger) *gitRepo {
	return &gitRepo{dir: dir, logger: logger.Named("git")}
}

func (g *gitRepo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("publisher: git %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

// HasRemote reports whether the working copy has an origin remote. Local-only
// repositories (common in development) skip fetch, pull, and push.
func (g *gitRepo) HasRemote(ctx context.Context) bool {
	_, err := g.run(ctx, "remote", "get-url", "origin")
	return err == nil
}

func (g *gitRepo) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", "origin")
	return err
}

// StashIfDirty stashes local modifications (untracked included) so the pull
// below can fast-forward. Returns whether anything was stashed.
func (g *gitRepo) StashIfDirty(ctx context.Context) (bool, error) {
	status, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := g.run(ctx, "stash", "push", "--include-untracked", "-m", "publisher-autostash"); err != nil {
		return false, err
	}
	g.logger.Info("stashed local changes before pull")
	return true, nil
}

func (g *gitRepo) PullFFOnly(ctx context.Context) error {
	_, err := g.run(ctx, "pull", "--ff-only", "origin")
	return err
}

// HasBranch reports whether the branch exists locally or on origin.
func (g *gitRepo) HasBranch(ctx context.Context, name string) bool {
	if _, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name); err == nil {
		return true
	}
	out, err := g.run(ctx, "ls-remote", "--heads", "origin", name)
	return err == nil && out != ""
}

func (g *gitRepo) CreateAndCheckout(ctx context.Context, name string) error {
	_, err := g.run(ctx, "checkout", "-b", name)
	return err
}

func (g *gitRepo) Checkout(ctx context.Context, name string) error {
	_, err := g.run(ctx, "checkout", name)
	return err
}

func (g *gitRepo) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

func (g *gitRepo) AddAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "-A")
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (g *gitRepo) HasStagedChanges(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", g.dir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("publisher: git diff --cached: %w", err)
}

func (g *gitRepo) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "-m", message)
	return err
}

// MergeNoFF merges the branch into the current branch with an explicit merge
// commit. Never rebases, never force-pushes.
func (g *gitRepo) MergeNoFF(ctx context.Context, branch, message string) error {
	_, err := g.run(ctx, "merge", "--no-ff", "-m", message, branch)
	return err
}

func (g *gitRepo) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "origin", branch)
	return err
}
