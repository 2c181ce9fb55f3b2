package gitops

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/devbot/internal/config"
	"github.com/zjrosen/devbot/internal/log"
)

// ErrNotGitRepo indicates the configured repository path is not a git
// working tree.
var ErrNotGitRepo = errors.New("not a git repository")

// Compile-time check that CLI implements Client.
var _ Client = (*CLI)(nil)

// CLI implements Client by executing the git binary in the repository
// working tree.
type CLI struct {
	repoPath       string
	defaultBranch  string
	remote         string
	branchTemplate string
}

// NewCLI builds a CLI for the configured repository. branchTemplate may use
// the {issue_number} and {timestamp} placeholders.
func NewCLI(repo config.RepositoryConfig, branchTemplate string) *CLI {
	return &CLI{
		repoPath:       repo.Path,
		defaultBranch:  repo.DefaultBranch,
		remote:         repo.Remote,
		branchTemplate: branchTemplate,
	}
}

// CreateFeatureBranch prepares a fresh branch off the default branch and
// leaves it checked out. A failed pull is tolerated: the branch is then cut
// from the local base, which may be stale but is workable.
func (c *CLI) CreateFeatureBranch(issueNumber int) (string, error) {
	branch := renderBranch(c.branchTemplate, issueNumber, time.Now())

	if err := c.runGit("checkout", c.defaultBranch); err != nil {
		return "", fmt.Errorf("checking out base branch %s: %w", c.defaultBranch, err)
	}
	if err := c.runGit("pull", c.remote, c.defaultBranch); err != nil {
		log.Warn(log.CatGit, "pull failed, branching from local base",
			"base", c.defaultBranch, "remote", c.remote, "error", err)
	}
	if err := c.runGit("checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", branch, err)
	}

	log.Info(log.CatGit, "created feature branch", "branch", branch, "base", c.defaultBranch)
	return branch, nil
}

// BranchExists reports whether a local branch with the given name exists.
func (c *CLI) BranchExists(branch string) bool {
	return c.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// CheckoutBranch switches the working tree to an existing branch.
func (c *CLI) CheckoutBranch(branch string) error {
	if err := c.runGit("checkout", branch); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// HasUncommittedChanges reports whether the working tree is dirty, counting
// untracked files.
func (c *CLI) HasUncommittedChanges() (bool, error) {
	out, err := c.runGitOutput("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages everything and commits. Hooks are skipped so a repo's
// pre-commit setup cannot wedge the pipeline.
func (c *CLI) CommitAll(message string) (bool, error) {
	dirty, err := c.HasUncommittedChanges()
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	if err := c.runGit("add", "."); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}
	if err := c.runGit("commit", "-m", message, "--no-verify"); err != nil {
		return false, fmt.Errorf("committing changes: %w", err)
	}

	log.Info(log.CatGit, "committed working tree", "message", message)
	return true, nil
}

// Push publishes the branch to the configured remote with upstream tracking.
func (c *CLI) Push(branch string) error {
	if err := c.runGit("push", "-u", c.remote, branch); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", branch, c.remote, err)
	}
	log.Info(log.CatGit, "pushed branch", "branch", branch, "remote", c.remote)
	return nil
}

// runGit executes a git command and returns an error if it fails.
func (c *CLI) runGit(args ...string) error {
	_, err := c.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns trimmed stdout.
func (c *CLI) runGitOutput(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug(log.CatGit, "running git", "args", strings.Join(args, " "), "dir", c.repoPath)

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", parseGitError(msg, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	if strings.Contains(strings.ToLower(stderr), "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// renderBranch expands the branch template for an issue at a point in time.
func renderBranch(template string, issueNumber int, now time.Time) string {
	name := strings.ReplaceAll(template, "{issue_number}", strconv.Itoa(issueNumber))
	return strings.ReplaceAll(name, "{timestamp}", strconv.FormatInt(now.Unix(), 10))
}
