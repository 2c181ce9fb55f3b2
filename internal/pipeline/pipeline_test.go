package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/devbot/internal/agent"
	"github.com/zjrosen/devbot/internal/forge"
	"github.com/zjrosen/devbot/internal/gate"
	"github.com/zjrosen/devbot/internal/pubsub"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/task"
	"github.com/zjrosen/devbot/internal/testutil"
)

// === Fakes ===

// fakeAgent returns a canned outcome, or defers to runFn when set.
type fakeAgent struct {
	mu      sync.Mutex
	outcome agent.Outcome
	runFn   func(ctx context.Context, t *task.Task) agent.Outcome
	runs    int
}

func (a *fakeAgent) Run(ctx context.Context, t *task.Task) agent.Outcome {
	a.mu.Lock()
	a.runs++
	a.mu.Unlock()
	if a.runFn != nil {
		return a.runFn(ctx, t)
	}
	return a.outcome
}

func (a *fakeAgent) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

// fakeGit is an in-memory gitops.Client.
type fakeGit struct {
	mu        sync.Mutex
	branches  map[string]bool
	checkouts []string
	commits   []string
	pushes    []string
	dirty     bool
	seq       int

	createErr error
	commitErr error
	pushErr   error
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]bool{"main": true}}
}

func (g *fakeGit) CreateFeatureBranch(issueNumber int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.seq++
	name := fmt.Sprintf("ai/feature-%d-%d", issueNumber, g.seq)
	g.branches[name] = true
	return name, nil
}

func (g *fakeGit) BranchExists(branch string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.branches[branch]
}

func (g *fakeGit) CheckoutBranch(branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.branches[branch] {
		return fmt.Errorf("branch %s does not exist", branch)
	}
	g.checkouts = append(g.checkouts, branch)
	return nil
}

func (g *fakeGit) HasUncommittedChanges() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty, nil
}

func (g *fakeGit) CommitAll(message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.commitErr != nil {
		return false, g.commitErr
	}
	g.dirty = false
	g.commits = append(g.commits, message)
	return true, nil
}

func (g *fakeGit) Push(branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, branch)
	return nil
}

func (g *fakeGit) createCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// fakeForge is an in-memory forge.Client.
type fakeForge struct {
	mu        sync.Mutex
	proposals []forge.Proposal
	comments  []string
	nextNum   int

	lastHead  string
	lastBase  string
	lastTitle string
	lastBody  string

	createErr error
	existing  []forge.Proposal
	rate      forge.RateLimit
}

func newFakeForge() *fakeForge {
	return &fakeForge{nextNum: 1, rate: forge.RateLimit{Limit: 5000, Remaining: 5000}}
}

func (f *fakeForge) CreateProposal(_ context.Context, head, base, title, body string) (*forge.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	p := forge.Proposal{
		Number: f.nextNum,
		URL:    fmt.Sprintf("https://example.com/pulls/%d", f.nextNum),
	}
	f.nextNum++
	f.proposals = append(f.proposals, p)
	f.lastHead, f.lastBase, f.lastTitle, f.lastBody = head, base, title, body
	return &p, nil
}

func (f *fakeForge) ProposalsForBranch(context.Context, string) ([]forge.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}

func (f *fakeForge) CommentOnIssue(_ context.Context, issueNumber int, body string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, fmt.Sprintf("#%d: %s", issueNumber, body))
	return true
}

func (f *fakeForge) RateLimit(context.Context) (forge.RateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate, nil
}

func (f *fakeForge) allComments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

// === Fixture ===

type fixture struct {
	exec  *Executor
	repo  *store.TaskRepository
	agent *fakeAgent
	git   *fakeGit
	forge *fakeForge
	gate  *gate.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  testutil.NewTestStore(t),
		agent: &fakeAgent{outcome: agent.Outcome{Success: true, Attempts: 1, Text: "Implemented the widget."}},
		git:   newFakeGit(),
		forge: newFakeForge(),
		gate:  gate.New(1),
	}
	f.exec = NewExecutor(Config{
		Store: f.repo,
		Gate:  f.gate,
		Agent: f.agent,
		Git:   f.git,
		Forge: f.forge,
	})
	return f
}

func (f *fixture) mustGet(t *testing.T, taskID string) *task.Task {
	t.Helper()
	got, err := f.repo.GetTask(taskID)
	require.NoError(t, err)
	return got
}

func (f *fixture) logMessages(t *testing.T, taskID string) []string {
	t.Helper()
	logs, err := f.repo.ReadLogsSince(taskID, 0)
	require.NoError(t, err)
	msgs := make([]string, len(logs))
	for i, l := range logs {
		msgs[i] = l.Message
	}
	return msgs
}

func containsSubstring(items []string, substr string) bool {
	for _, s := range items {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

var testIssue = task.Issue{
	Number: 42,
	Title:  "Fix login",
	URL:    "https://example.com/issues/42",
	Body:   "The login form rejects valid passwords.",
}

// === Execute ===

func TestExecute_SuccessOpensProposal(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	assert.Equal(t, "ai/feature-42-1", got.BranchName)
	assert.Equal(t, "Implemented the widget.", got.DevelopmentSummary)
	require.NotNil(t, got.ProposalNumber)
	assert.Equal(t, 1, *got.ProposalNumber)
	assert.Equal(t, "https://example.com/pulls/1", got.ProposalURL)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, []string{"ai/feature-42-1"}, f.git.pushes)
	assert.Equal(t, "ai/feature-42-1", f.forge.lastHead)
	assert.Equal(t, "main", f.forge.lastBase)
	assert.Equal(t, "AI: Fix login", f.forge.lastTitle)
	assert.Contains(t, f.forge.lastBody, "Automated changes for #42")
	assert.Contains(t, f.forge.lastBody, "Implemented the widget.")

	comments := f.forge.allComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "https://example.com/pulls/1")

	msgs := f.logMessages(t, "task-42-1")
	assert.True(t, containsSubstring(msgs, "working on branch ai/feature-42-1"))
	assert.True(t, containsSubstring(msgs, "opened proposal #1"))
}

func TestExecute_AgentFailure(t *testing.T) {
	f := newFixture(t)
	f.agent.outcome = agent.Outcome{Success: false, ExitCode: 1, Attempts: 3}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
	assert.Equal(t, "agent exited with code 1", got.ErrorMessage)
	assert.Empty(t, f.git.pushes, "a failed agent run must not be pushed")

	comments := f.forge.allComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "AI development failed")
	assert.Contains(t, comments[0], "devbot task retry task-42-1")
}

func TestExecute_FailureCommentOmitsRetryHintWhenBudgetSpent(t *testing.T) {
	f := newFixture(t)
	f.exec = NewExecutor(Config{
		Store:          f.repo,
		Gate:           f.gate,
		Agent:          f.agent,
		Git:            f.git,
		Forge:          f.forge,
		MaxTaskRetries: 0, // falls back to the default budget
	})
	f.agent.outcome = agent.Outcome{Success: false, ExitCode: 2}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))
	for i := 0; i < task.DefaultMaxRetries; i++ {
		_, err := f.repo.Retry("task-42-1")
		require.NoError(t, err)
		require.NoError(t, f.exec.ExecuteRetry(context.Background(), "task-42-1"))
	}

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.DefaultMaxRetries, got.RetryCount)

	comments := f.forge.allComments()
	require.NotEmpty(t, comments)
	last := comments[len(comments)-1]
	assert.Contains(t, last, "AI development failed")
	assert.NotContains(t, last, "retry", "exhausted budget must not advertise a retry")
}

func TestExecute_BranchFailureRecordsTask(t *testing.T) {
	f := newFixture(t)
	f.git.createErr = errors.New("base branch has diverged")

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Empty(t, got.BranchName)
	assert.Contains(t, got.ErrorMessage, "preparing branch")
	assert.Contains(t, got.ErrorMessage, "base branch has diverged")
	assert.Zero(t, f.agent.runCount(), "agent must not run without a branch")
}

func TestExecute_PushFailure(t *testing.T) {
	f := newFixture(t)
	f.git.pushErr = errors.New("remote rejected")

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "pushing ai/feature-42-1")
}

func TestExecute_CommitsDirtyTree(t *testing.T) {
	f := newFixture(t)
	f.git.dirty = true

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.Len(t, f.git.commits, 1)
	assert.Equal(t, "AI: Fix login", f.git.commits[0])
	assert.True(t, containsSubstring(f.logMessages(t, "task-42-1"), "committed changes the agent left unstaged"))
}

func TestExecute_NoCommitsAdoptsExistingProposal(t *testing.T) {
	f := newFixture(t)
	f.forge.createErr = forge.ErrNoCommitsBetweenBranches
	f.forge.existing = []forge.Proposal{{Number: 9, URL: "https://example.com/pulls/9"}}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.ProposalNumber)
	assert.Equal(t, 9, *got.ProposalNumber)
	assert.Equal(t, "https://example.com/pulls/9", got.ProposalURL)
	assert.True(t, containsSubstring(f.logMessages(t, "task-42-1"), "adopting existing proposal #9"))
}

func TestExecute_NoCommitsNoExistingCompletesWithoutProposal(t *testing.T) {
	f := newFixture(t)
	f.forge.createErr = forge.ErrNoCommitsBetweenBranches

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Nil(t, got.ProposalNumber)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)

	comments := f.forge.allComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "no proposal was opened")
}

func TestExecute_RateLimitExhausted(t *testing.T) {
	f := newFixture(t)
	f.forge.rate = forge.RateLimit{Limit: 5000, Remaining: 0, ResetAt: time.Now().Add(time.Hour)}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "rate limit exhausted")
	assert.Empty(t, f.forge.proposals)
}

func TestExecute_ConcurrentCancelWins(t *testing.T) {
	f := newFixture(t)
	// The cancel API moves the task while the agent is mid-run; the
	// pipeline must not overwrite that terminal state with its own.
	f.agent.runFn = func(_ context.Context, tk *task.Task) agent.Outcome {
		_, err := f.repo.Transition(tk.ID, task.StatusCancelled,
			store.WithErrorMessage("cancelled by user"))
		require.NoError(t, err)
		return agent.Outcome{Cancelled: true}
	}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.ErrorMessage)
	assert.Empty(t, f.forge.allComments(), "the cancel operation owns the issue notice")
}

func TestExecute_ShutdownCancellation(t *testing.T) {
	f := newFixture(t)
	// Only the run context died; nobody moved the task. The pipeline
	// settles the record itself.
	f.agent.runFn = func(context.Context, *task.Task) agent.Outcome {
		return agent.Outcome{Cancelled: true}
	}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.ErrorMessage)
}

func TestExecute_PanicRecordsFailure(t *testing.T) {
	f := newFixture(t)
	f.agent.runFn = func(context.Context, *task.Task) agent.Outcome {
		panic("agent wiring broke")
	}

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "internal error")
	assert.Contains(t, got.ErrorMessage, "agent wiring broke")
	assert.Equal(t, 0, f.gate.InFlight(), "panic must release the permit")
}

func TestExecute_GateSerializesRuns(t *testing.T) {
	f := newFixture(t)
	started := make(chan string, 2)
	release := make(chan struct{})
	f.agent.runFn = func(_ context.Context, tk *task.Task) agent.Outcome {
		started <- tk.ID
		<-release
		return agent.Outcome{Success: true, Attempts: 1}
	}

	var wg sync.WaitGroup
	for i, id := range []string{"task-42-1", "task-43-1"} {
		wg.Add(1)
		go func(taskID string, issue int) {
			defer wg.Done()
			_ = f.exec.Execute(context.Background(), taskID, task.Issue{Number: issue, Title: "t"})
		}(id, 42+i)
	}

	first := <-started

	// The permit is held through the whole flow, so the second task's
	// record cannot exist yet.
	var second string
	if first == "task-42-1" {
		second = "task-43-1"
	} else {
		second = "task-42-1"
	}
	time.Sleep(50 * time.Millisecond)
	_, err := f.repo.GetTask(second)
	require.ErrorIs(t, err, store.ErrTaskNotFound)

	close(release)
	wg.Wait()

	for _, id := range []string{"task-42-1", "task-43-1"} {
		assert.Equal(t, task.StatusCompleted, f.mustGet(t, id).Status)
	}
}

func TestExecute_AcquireHonorsContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gate.Acquire(context.Background()))
	defer f.gate.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.exec.Execute(ctx, "task-42-1", testIssue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquiring pipeline slot")

	_, getErr := f.repo.GetTask("task-42-1")
	assert.ErrorIs(t, getErr, store.ErrTaskNotFound)
}

func TestExecute_PublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	broker := pubsub.NewBrokerWithBuffer[task.Event](16)
	f.exec = NewExecutor(Config{
		Store:  f.repo,
		Gate:   f.gate,
		Agent:  f.agent,
		Git:    f.git,
		Forge:  f.forge,
		Events: broker,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := broker.Subscribe(ctx)

	require.NoError(t, f.exec.Execute(context.Background(), "task-42-1", testIssue))

	var statuses []task.Status
	timeout := time.After(2 * time.Second)
	for len(statuses) < 3 {
		select {
		case ev := <-sub:
			statuses = append(statuses, ev.Payload.Status)
		case <-timeout:
			t.Fatalf("expected 3 lifecycle events, got %v", statuses)
		}
	}
	assert.Equal(t, []task.Status{task.StatusPending, task.StatusRunning, task.StatusCompleted}, statuses)
}

// === ExecuteRetry ===

// failOnce seeds a failed task by running the pipeline with a failing
// agent, then flips the agent to succeed.
func failOnce(t *testing.T, f *fixture, taskID string) {
	t.Helper()
	f.agent.outcome = agent.Outcome{Success: false, ExitCode: 1}
	require.NoError(t, f.exec.Execute(context.Background(), taskID, testIssue))
	require.Equal(t, task.StatusFailed, f.mustGet(t, taskID).Status)
	f.agent.outcome = agent.Outcome{Success: true, Attempts: 1, Text: "Second try worked."}
}

func TestExecuteRetry_ReusesExistingBranch(t *testing.T) {
	f := newFixture(t)
	failOnce(t, f, "task-42-1")
	createsBefore := f.git.createCalls()

	_, err := f.repo.Retry("task-42-1")
	require.NoError(t, err)
	require.NoError(t, f.exec.ExecuteRetry(context.Background(), "task-42-1"))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "ai/feature-42-1", got.BranchName)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "Second try worked.", got.DevelopmentSummary)

	assert.Equal(t, createsBefore, f.git.createCalls(), "existing branch must be reused")
	assert.Contains(t, f.git.checkouts, "ai/feature-42-1")
	assert.True(t, containsSubstring(f.logMessages(t, "task-42-1"), "reusing branch ai/feature-42-1"))
}

func TestExecuteRetry_RecreatesVanishedBranch(t *testing.T) {
	f := newFixture(t)
	failOnce(t, f, "task-42-1")

	f.git.mu.Lock()
	delete(f.git.branches, "ai/feature-42-1")
	f.git.mu.Unlock()

	_, err := f.repo.Retry("task-42-1")
	require.NoError(t, err)
	require.NoError(t, f.exec.ExecuteRetry(context.Background(), "task-42-1"))

	got := f.mustGet(t, "task-42-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "ai/feature-42-2", got.BranchName, "vanished branch must be re-created and recorded")
	assert.Contains(t, f.git.pushes, "ai/feature-42-2")
}

func TestExecuteRetry_SkipsTaskNoLongerPending(t *testing.T) {
	f := newFixture(t)
	failOnce(t, f, "task-42-1")
	runsBefore := f.agent.runCount()

	// No store.Retry: the task is still failed.
	require.NoError(t, f.exec.ExecuteRetry(context.Background(), "task-42-1"))

	assert.Equal(t, task.StatusFailed, f.mustGet(t, "task-42-1").Status)
	assert.Equal(t, runsBefore, f.agent.runCount())
}

func TestExecuteRetry_MissingTask(t *testing.T) {
	f := newFixture(t)

	err := f.exec.ExecuteRetry(context.Background(), "task-404-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}
