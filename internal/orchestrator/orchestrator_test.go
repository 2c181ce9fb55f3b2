package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/devbot/internal/forge"
	"github.com/zjrosen/devbot/internal/pubsub"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/task"
	"github.com/zjrosen/devbot/internal/testutil"
	"github.com/zjrosen/devbot/internal/trigger"
)

var taskIDPattern = regexp.MustCompile(`^task-42-\d+$`)

// fakeExecutor records pipeline runs. When block is set, runs hold until
// their context is cancelled.
type fakeExecutor struct {
	mu      sync.Mutex
	runs    []string
	retries []string
	issues  []task.Issue
	block   bool
	started chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, taskID string, issue task.Issue) error {
	f.mu.Lock()
	f.runs = append(f.runs, taskID)
	f.issues = append(f.issues, issue)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block {
		<-ctx.Done()
	}
	return nil
}

func (f *fakeExecutor) ExecuteRetry(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.retries = append(f.retries, taskID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	return nil
}

func (f *fakeExecutor) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeExecutor) retryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retries)
}

// fakeForge records issue comments.
type fakeForge struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeForge) CreateProposal(context.Context, string, string, string, string) (*forge.Proposal, error) {
	return &forge.Proposal{Number: 1, URL: "https://example.com/pulls/1"}, nil
}

func (f *fakeForge) ProposalsForBranch(context.Context, string) ([]forge.Proposal, error) {
	return nil, nil
}

func (f *fakeForge) CommentOnIssue(_ context.Context, issueNumber int, body string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, fmt.Sprintf("#%d: %s", issueNumber, body))
	return true
}

func (f *fakeForge) RateLimit(context.Context) (forge.RateLimit, error) {
	return forge.RateLimit{Limit: 5000, Remaining: 5000}, nil
}

func (f *fakeForge) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

func newTestOrchestrator(t *testing.T, exec Executor) (*Orchestrator, *store.TaskRepository, *fakeForge) {
	t.Helper()
	repo := testutil.NewTestStore(t)
	fg := &fakeForge{}
	o := New(Config{
		Store:    repo,
		Executor: exec,
		Forge:    fg,
		Policy:   trigger.Policy{Label: "ai-develop", Command: "/develop"},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, repo, fg
}

func labeledPayload(label string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": "labeled",
		"issue": {"number": 42, "title": "Add widget", "html_url": "https://example.com/issues/42", "body": "please", "labels": [{"name": %q}]},
		"label": {"name": %q},
		"sender": {"login": "alice"}
	}`, label, label))
}

func TestHandleEvent_LabelTriggersPipeline(t *testing.T) {
	exec := &fakeExecutor{started: make(chan struct{}, 1)}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("issues", labeledPayload("ai-develop"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Regexp(t, taskIDPattern, res.TaskID)
	require.Equal(t, 42, res.Issue)

	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("pipeline was not spawned")
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Equal(t, []string{res.TaskID}, exec.runs)
	require.Equal(t, 42, exec.issues[0].Number)
	require.Equal(t, "Add widget", exec.issues[0].Title)
}

func TestHandleEvent_WrongLabelIgnored(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("issues", labeledPayload("bug"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.NotEmpty(t, res.Reason)
	require.Zero(t, exec.runCount())
}

func TestHandleEvent_CommentTriggers(t *testing.T) {
	exec := &fakeExecutor{started: make(chan struct{}, 1)}
	o, _, _ := newTestOrchestrator(t, exec)

	payload := []byte(`{
		"action": "created",
		"issue": {"number": 42, "title": "Add widget", "html_url": "https://example.com/issues/42"},
		"comment": {"body": "please /develop this", "user": {"login": "alice"}}
	}`)
	res, err := o.HandleEvent("issue_comment", payload)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("pipeline was not spawned")
	}
}

func TestHandleEvent_IgnoredKind(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("check_run", []byte(`{}`))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, "event kind ignored", res.Reason)
	require.Zero(t, exec.runCount())
}

func TestHandleEvent_UnknownKind(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("team_add", []byte(`{}`))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, "unknown event kind", res.Reason)
}

func TestHandleEvent_MalformedPayload(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	_, err := o.HandleEvent("issues", []byte(`{not json`))
	require.Error(t, err)
	require.Zero(t, exec.runCount())
}

func TestHandleEvent_PingNeverTriggers(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("ping", []byte(`{"zen": "Design for failure.", "hook_id": 1}`))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Zero(t, exec.runCount())
}

func TestHandleEvent_AfterShutdown(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	_, err := o.HandleEvent("issues", labeledPayload("ai-develop"))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestUpdatePolicy_ChangesAdmission(t *testing.T) {
	exec := &fakeExecutor{started: make(chan struct{}, 1)}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("issues", labeledPayload("urgent"))
	require.NoError(t, err)
	require.False(t, res.Accepted)

	o.UpdatePolicy(trigger.Policy{Label: "urgent", Command: "/develop"})

	res, err = o.HandleEvent("issues", labeledPayload("urgent"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
}

func TestCancel_PendingTask(t *testing.T) {
	exec := &fakeExecutor{}
	o, repo, fg := newTestOrchestrator(t, exec)

	tk := task.New("task-7-1", task.Issue{Number: 7, Title: "t"}, "ai/feature-7-1", 2, time.Now())
	require.NoError(t, repo.CreateTask(tk))

	updated, err := o.Cancel("task-7-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, updated.Status)
	require.Equal(t, "cancelled by user", updated.ErrorMessage)

	stored, err := repo.GetTask("task-7-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, stored.Status)

	require.Eventually(t, func() bool { return fg.commentCount() == 1 },
		time.Second, 10*time.Millisecond, "expected a cancellation notice on the issue")
}

func TestCancel_TerminalTaskRejected(t *testing.T) {
	exec := &fakeExecutor{}
	o, repo, _ := newTestOrchestrator(t, exec)

	tk := task.New("task-7-1", task.Issue{Number: 7, Title: "t"}, "ai/feature-7-1", 2, time.Now())
	require.NoError(t, repo.CreateTask(tk))
	_, err := repo.Transition("task-7-1", task.StatusRunning)
	require.NoError(t, err)
	_, err = repo.Transition("task-7-1", task.StatusCompleted, store.WithSuccess(true), store.WithSummary("done"))
	require.NoError(t, err)

	_, err = o.Cancel("task-7-1")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancel_MissingTask(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	_, err := o.Cancel("task-404-1")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestRetry_FailedTaskSpawnsPipeline(t *testing.T) {
	exec := &fakeExecutor{started: make(chan struct{}, 1)}
	o, repo, _ := newTestOrchestrator(t, exec)

	tk := task.New("task-7-1", task.Issue{Number: 7, Title: "t"}, "ai/feature-7-1", 2, time.Now())
	require.NoError(t, repo.CreateTask(tk))
	_, err := repo.Transition("task-7-1", task.StatusRunning)
	require.NoError(t, err)
	_, err = repo.Transition("task-7-1", task.StatusFailed,
		store.WithSuccess(false), store.WithErrorMessage("agent exited with code 1"))
	require.NoError(t, err)

	updated, err := o.Retry("task-7-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, updated.Status)
	require.Equal(t, 1, updated.RetryCount)

	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("retry pipeline was not spawned")
	}
	require.Equal(t, 1, exec.retryCount())
}

func TestRetry_PendingTaskRejected(t *testing.T) {
	exec := &fakeExecutor{}
	o, repo, _ := newTestOrchestrator(t, exec)

	tk := task.New("task-7-1", task.Issue{Number: 7, Title: "t"}, "ai/feature-7-1", 2, time.Now())
	require.NoError(t, repo.CreateTask(tk))

	_, err := o.Retry("task-7-1")
	require.ErrorIs(t, err, store.ErrRetryNotAllowed)
	require.Zero(t, exec.retryCount())
}

func TestShutdown_DrainsRunningPipelines(t *testing.T) {
	exec := &fakeExecutor{block: true, started: make(chan struct{}, 1)}
	o, _, _ := newTestOrchestrator(t, exec)

	res, err := o.HandleEvent("issues", labeledPayload("ai-develop"))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("pipeline was not spawned")
	}

	// The pipeline blocks on its context; Shutdown must cancel it and
	// return once the goroutine exits.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}

func TestShutdown_Idempotent(t *testing.T) {
	exec := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, exec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx))
}

func TestEvents_PublishesCancelUpdates(t *testing.T) {
	exec := &fakeExecutor{}
	o, repo, _ := newTestOrchestrator(t, exec)

	tk := task.New("task-7-1", task.Issue{Number: 7, Title: "t"}, "ai/feature-7-1", 2, time.Now())
	require.NoError(t, repo.CreateTask(tk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := o.Events().Subscribe(ctx)

	_, err := o.Cancel("task-7-1")
	require.NoError(t, err)

	select {
	case ev := <-sub:
		require.Equal(t, pubsub.UpdatedEvent, ev.Type)
		require.Equal(t, "task-7-1", ev.Payload.TaskID)
		require.Equal(t, task.StatusCancelled, ev.Payload.Status)
	case <-time.After(time.Second):
		t.Fatal("no task event published")
	}
}
