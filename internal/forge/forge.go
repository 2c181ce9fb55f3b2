// Package forge abstracts the code-hosting platform the pipeline talks
// to: opening change proposals, posting issue comments, and reading API
// quota. The GitHub implementation lives in the github subpackage.
package forge

import (
	"context"
	"errors"
	"time"
)

// ErrNoCommitsBetweenBranches is returned by CreateProposal when the
// feature branch contains no commits the base branch lacks, so the
// platform refuses to open a proposal.
var ErrNoCommitsBetweenBranches = errors.New("no commits between branches")

// Proposal identifies a change proposal on the platform.
type Proposal struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// RateLimit is a snapshot of the platform's API quota.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Exhausted reports whether the quota has run out.
func (r RateLimit) Exhausted() bool {
	return r.Remaining <= 0
}

// Client is the platform surface the pipeline needs.
type Client interface {
	// CreateProposal opens a change proposal merging head into base.
	// Returns ErrNoCommitsBetweenBranches when the platform rejects the
	// proposal because the branches do not differ.
	CreateProposal(ctx context.Context, head, base, title, body string) (*Proposal, error)

	// ProposalsForBranch lists proposals whose head is the given branch,
	// in any state, newest first.
	ProposalsForBranch(ctx context.Context, branch string) ([]Proposal, error)

	// CommentOnIssue posts a comment on an issue. Comments are best
	// effort: a failure is reported through the return value and logged,
	// never raised.
	CommentOnIssue(ctx context.Context, issueNumber int, body string) bool

	// RateLimit reports the platform's current API quota.
	RateLimit(ctx context.Context) (RateLimit, error)
}
