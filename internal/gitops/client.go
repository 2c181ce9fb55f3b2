// Package gitops performs source-control operations on the working tree the
// agent develops in. The pipeline drives it through the Client interface;
// the CLI implementation shells out to the git binary.
package gitops

// Client is the source-control surface the pipeline needs.
type Client interface {
	// CreateFeatureBranch checks out the base branch, pulls it, and creates
	// and checks out a fresh feature branch for the issue. It returns the
	// rendered branch name.
	CreateFeatureBranch(issueNumber int) (string, error)
	BranchExists(branch string) bool
	CheckoutBranch(branch string) error
	HasUncommittedChanges() (bool, error)
	// CommitAll stages and commits everything in the working tree. It
	// returns false when there was nothing to commit.
	CommitAll(message string) (bool, error)
	Push(branch string) error
}
