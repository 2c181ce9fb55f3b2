package gitops

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/zjrosen/devbot/internal/log"
)

// RepoInfo describes what HEAD points at in a repository working tree.
type RepoInfo struct {
	Branch string
	Commit string
}

// Inspect opens the repository at path and reads its HEAD. The daemon calls
// it at startup so a misconfigured repository path fails fast instead of on
// the first pipeline run. Branch is empty when HEAD is detached.
func Inspect(path string) (RepoInfo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return RepoInfo{}, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return RepoInfo{}, fmt.Errorf("opening repository %s: %w", path, err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return RepoInfo{}, fmt.Errorf("repository %s has no commits yet", path)
		}
		return RepoInfo{}, fmt.Errorf("reading HEAD of %s: %w", path, err)
	}

	info := RepoInfo{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	log.Debug(log.CatGit, "inspected repository",
		"path", path, "branch", info.Branch, "commit", info.Commit)
	return info, nil
}
