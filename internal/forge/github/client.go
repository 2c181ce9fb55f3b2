// Package github talks to the GitHub REST API (or a compatible server)
// on behalf of the pipeline. Outbound calls share a token-bucket rate
// limiter, and rate-limit lookups go through a short-lived read-through
// cache so the pipeline's pre-flight checks do not burn quota themselves.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zjrosen/devbot/internal/cachemanager"
	"github.com/zjrosen/devbot/internal/config"
	"github.com/zjrosen/devbot/internal/forge"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/metrics"
)

const (
	requestTimeout = 30 * time.Second
	rateLimitKey   = "core"
	rateLimitTTL   = 30 * time.Second
	errBodyLimit   = 512
)

// APIError is a non-2xx response from the platform. Body holds a snippet
// of the response for diagnostics.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github: status %d", e.Status)
	}
	return fmt.Sprintf("github: status %d: %s", e.Status, e.Body)
}

// Client implements forge.Client against the GitHub REST API.
type Client struct {
	baseURL   string
	owner     string
	repo      string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	rateCache *cachemanager.ReadThroughCache[string, forge.RateLimit]
}

var _ forge.Client = (*Client)(nil)

// NewClient builds a GitHub client from the forge configuration.
func NewClient(cfg config.ForgeConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		token:   cfg.Token,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
	cache := cachemanager.NewInMemoryCacheManager[string, forge.RateLimit](
		"forge-rate-limit", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	c.rateCache = cachemanager.NewReadThroughCache(cache, c.fetchRateLimit, false)
	return c
}

type createProposalRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body,omitempty"`
}

type proposalResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreateProposal opens a pull request merging head into base.
func (c *Client) CreateProposal(ctx context.Context, head, base, title, body string) (*forge.Proposal, error) {
	var out proposalResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	err := c.do(ctx, http.MethodPost, path, createProposalRequest{
		Title: title,
		Head:  head,
		Base:  base,
		Body:  body,
	}, &out)
	if err != nil {
		if isNoCommitsError(err) {
			metrics.ForgeRequests.WithLabelValues("create_proposal", "no_commits").Inc()
			return nil, fmt.Errorf("%w: %s into %s", forge.ErrNoCommitsBetweenBranches, head, base)
		}
		metrics.ForgeRequests.WithLabelValues("create_proposal", "error").Inc()
		return nil, fmt.Errorf("creating proposal for %s: %w", head, err)
	}
	metrics.ForgeRequests.WithLabelValues("create_proposal", "ok").Inc()
	log.Info(log.CatForge, "proposal created", "number", out.Number, "head", head, "base", base)
	return &forge.Proposal{Number: out.Number, URL: out.HTMLURL}, nil
}

// isNoCommitsError matches GitHub's 422 validation failure for a pull
// request between branches with no commits between them.
func isNoCommitsError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Body), "no commits between")
}

// ProposalsForBranch lists pull requests whose head is the given branch.
func (c *Client) ProposalsForBranch(ctx context.Context, branch string) ([]forge.Proposal, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?head=%s&state=all&per_page=10",
		c.owner, c.repo, url.QueryEscape(c.owner+":"+branch))
	var out []proposalResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		metrics.ForgeRequests.WithLabelValues("list_proposals", "error").Inc()
		return nil, fmt.Errorf("listing proposals for %s: %w", branch, err)
	}
	metrics.ForgeRequests.WithLabelValues("list_proposals", "ok").Inc()
	proposals := make([]forge.Proposal, len(out))
	for i, p := range out {
		proposals[i] = forge.Proposal{Number: p.Number, URL: p.HTMLURL}
	}
	return proposals, nil
}

// CommentOnIssue posts a comment. Failures are logged and reported via
// the return value so callers can treat notification as best effort.
func (c *Client) CommentOnIssue(ctx context.Context, issueNumber int, body string) bool {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, issueNumber)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		metrics.ForgeRequests.WithLabelValues("comment", "error").Inc()
		log.Warn(log.CatForge, "issue comment failed", "issue", issueNumber, "error", err)
		return false
	}
	metrics.ForgeRequests.WithLabelValues("comment", "ok").Inc()
	return true
}

// RateLimit reports the core API quota, served from a short-lived cache.
func (c *Client) RateLimit(ctx context.Context) (forge.RateLimit, error) {
	return c.rateCache.Get(ctx, rateLimitKey, rateLimitTTL)
}

func (c *Client) fetchRateLimit(ctx context.Context) (forge.RateLimit, error) {
	var out struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, &out); err != nil {
		metrics.ForgeRequests.WithLabelValues("rate_limit", "error").Inc()
		return forge.RateLimit{}, fmt.Errorf("querying rate limit: %w", err)
	}
	metrics.ForgeRequests.WithLabelValues("rate_limit", "ok").Inc()
	return forge.RateLimit{
		Limit:     out.Resources.Core.Limit,
		Remaining: out.Resources.Core.Remaining,
		ResetAt:   time.Unix(out.Resources.Core.Reset, 0),
	}, nil
}

// do performs one API request, honoring the shared rate limiter. A nil
// result discards the response body; a non-2xx status becomes *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for request slot: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
