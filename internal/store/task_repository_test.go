package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/devbot/internal/task"
)

var testBase = time.Unix(1735689600, 0)

func newIssue(n int) task.Issue {
	return task.Issue{
		Number: n,
		Title:  fmt.Sprintf("Add widget %d", n),
		URL:    fmt.Sprintf("https://example.com/issues/%d", n),
		Body:   "please add the widget",
	}
}

func createTask(t *testing.T, repo *TaskRepository, issueNumber int, createdAt time.Time) *task.Task {
	t.Helper()
	id := task.NewID(issueNumber, createdAt)
	branch := fmt.Sprintf("ai/feature-%d-%d", issueNumber, createdAt.Unix())
	tk := task.New(id, newIssue(issueNumber), branch, 2, createdAt)
	require.NoError(t, repo.CreateTask(tk))
	return tk
}

func failTask(t *testing.T, repo *TaskRepository, taskID, reason string) *task.Task {
	t.Helper()
	_, err := repo.Transition(taskID, task.StatusRunning)
	require.NoError(t, err)
	failed, err := repo.Transition(taskID, task.StatusFailed, WithSuccess(false), WithErrorMessage(reason))
	require.NoError(t, err)
	return failed
}

func TestCreateAndGetTask(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	got, err := repo.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk, got)
}

func TestCreateTask_DuplicateID(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	err := repo.CreateTask(tk)
	require.ErrorIs(t, err, ErrTaskExists)
}

func TestCreateTask_WritesCreationLog(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, task.LogInfo, logs[0].Level)
	require.Contains(t, logs[0].Message, "task created for issue #42")
	require.Positive(t, logs[0].ID)
}

func TestGetTask_NotFound(t *testing.T) {
	repo := newTestDB(t).Tasks()

	_, err := repo.GetTask("task-1-0")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTransition_PendingToRunning(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	running, err := repo.Transition(tk.ID, task.StatusRunning)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	got, err := repo.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Contains(t, logs[1].Message, "status changed: pending -> running")
}

func TestTransition_RecordsOutcome(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	_, err := repo.Transition(tk.ID, task.StatusRunning)
	require.NoError(t, err)

	done, err := repo.Transition(tk.ID, task.StatusCompleted,
		WithSuccess(true),
		WithExecutionTime(12.5),
		WithProposal(7, "https://example.com/pulls/7"),
		WithSummary("implemented the widget"))
	require.NoError(t, err)

	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.Success)
	require.True(t, *done.Success)
	require.Equal(t, 12.5, done.ExecutionTimeSeconds)
	require.NotNil(t, done.ProposalNumber)
	require.Equal(t, 7, *done.ProposalNumber)
	require.Equal(t, "https://example.com/pulls/7", done.ProposalURL)
	require.Equal(t, "implemented the widget", done.DevelopmentSummary)

	got, err := repo.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	require.True(t, *got.Success)
	require.Equal(t, 7, *got.ProposalNumber)
}

func TestTransition_InvalidEdgeLeavesTaskUntouched(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	_, err := repo.Transition(tk.ID, task.StatusCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := repo.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestTransition_FailureLogsAtErrorLevel(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)
	failTask(t, repo, tk.ID, "agent exited with code 1")

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	require.Equal(t, task.LogError, last.Level)
	require.Contains(t, last.Message, "status changed: running -> failed")
	require.Contains(t, last.Message, "agent exited with code 1")
}

func TestTransition_NotFound(t *testing.T) {
	repo := newTestDB(t).Tasks()

	_, err := repo.Transition("task-1-0", task.StatusRunning)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRetry_ResetsOutcome(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)
	failTask(t, repo, tk.ID, "network flake")

	retried, err := repo.Retry(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, retried.Status)
	require.Nil(t, retried.StartedAt)
	require.Nil(t, retried.CompletedAt)
	require.Nil(t, retried.Success)
	require.Empty(t, retried.ErrorMessage)
	require.Equal(t, 1, retried.RetryCount)

	got, err := repo.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	require.Contains(t, last.Message, "re-queued for retry (attempt 1 of 2)")
}

func TestRetry_ExhaustedBudget(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := task.New(task.NewID(7, testBase), newIssue(7), "ai/feature-7-0", 0, testBase)
	require.NoError(t, repo.CreateTask(tk))
	failTask(t, repo, tk.ID, "boom")

	_, err := repo.Retry(tk.ID)
	require.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestRetry_WrongStatus(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	_, err := repo.Retry(tk.ID)
	require.ErrorIs(t, err, ErrRetryNotAllowed)

	_, err = repo.Transition(tk.ID, task.StatusRunning)
	require.NoError(t, err)
	_, err = repo.Retry(tk.ID)
	require.ErrorIs(t, err, ErrRetryNotAllowed)

	_, err = repo.Transition(tk.ID, task.StatusCompleted, WithSuccess(true))
	require.NoError(t, err)
	_, err = repo.Retry(tk.ID)
	require.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestListTasks_NewestFirstWithPaging(t *testing.T) {
	repo := newTestDB(t).Tasks()
	t1 := createTask(t, repo, 1, testBase)
	t2 := createTask(t, repo, 2, testBase.Add(time.Second))
	t3 := createTask(t, repo, 3, testBase.Add(2*time.Second))

	all, err := repo.ListTasks(ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, t3.ID, all[0].ID)
	require.Equal(t, t2.ID, all[1].ID)
	require.Equal(t, t1.ID, all[2].ID)

	page, err := repo.ListTasks(ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, t3.ID, page[0].ID)
	require.Equal(t, t2.ID, page[1].ID)

	page, err = repo.ListTasks(ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, t1.ID, page[0].ID)

	page, err = repo.ListTasks(ListFilter{Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, t2.ID, page[0].ID)
}

func TestListTasks_StatusFilter(t *testing.T) {
	repo := newTestDB(t).Tasks()
	createTask(t, repo, 1, testBase)
	t2 := createTask(t, repo, 2, testBase.Add(time.Second))
	createTask(t, repo, 3, testBase.Add(2*time.Second))

	_, err := repo.Transition(t2.ID, task.StatusRunning)
	require.NoError(t, err)

	running, err := repo.ListTasks(ListFilter{Status: task.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, t2.ID, running[0].ID)

	pending, err := repo.ListTasks(ListFilter{Status: task.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestTasksByIssue(t *testing.T) {
	repo := newTestDB(t).Tasks()
	first := createTask(t, repo, 42, testBase)
	second := createTask(t, repo, 42, testBase.Add(time.Second))
	createTask(t, repo, 7, testBase)

	got, err := repo.TasksByIssue(42)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, second.ID, got[0].ID)
	require.Equal(t, first.ID, got[1].ID)
}

func TestActiveTaskForIssue(t *testing.T) {
	repo := newTestDB(t).Tasks()

	active, err := repo.ActiveTaskForIssue(42)
	require.NoError(t, err)
	require.Nil(t, active)

	tk := createTask(t, repo, 42, testBase)

	active, err = repo.ActiveTaskForIssue(42)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, tk.ID, active.ID)

	_, err = repo.Transition(tk.ID, task.StatusRunning)
	require.NoError(t, err)

	active, err = repo.ActiveTaskForIssue(42)
	require.NoError(t, err)
	require.NotNil(t, active)

	_, err = repo.Transition(tk.ID, task.StatusCompleted, WithSuccess(true))
	require.NoError(t, err)

	active, err = repo.ActiveTaskForIssue(42)
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestUpdateBranch(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	require.NoError(t, repo.UpdateBranch(tk.ID, "ai/feature-42-999"))

	got, err := repo.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, "ai/feature-42-999", got.BranchName)

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	require.Contains(t, logs[len(logs)-1].Message, "feature branch set to ai/feature-42-999")

	err = repo.UpdateBranch("task-1-0", "ai/feature-1-0")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestAppendLogAndReadSince(t *testing.T) {
	repo := newTestDB(t).Tasks()
	tk := createTask(t, repo, 42, testBase)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := repo.AppendLog(tk.ID, task.LogInfo, fmt.Sprintf("step %d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	logs, err := repo.ReadLogsSince(tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for i := 1; i < len(logs); i++ {
		require.Greater(t, logs[i].ID, logs[i-1].ID)
	}

	tail, err := repo.ReadLogsSince(tk.ID, ids[1])
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "step 2", tail[0].Message)

	empty, err := repo.ReadLogsSince(tk.ID, ids[2])
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestAppendLog_UnknownTask(t *testing.T) {
	repo := newTestDB(t).Tasks()

	_, err := repo.AppendLog("task-1-0", task.LogInfo, "hello")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = repo.ReadLogsSince("task-1-0", 0)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStats(t *testing.T) {
	repo := newTestDB(t).Tasks()

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.Total)
	require.Len(t, stats.ByStatus, 5)

	createTask(t, repo, 1, testBase)
	t2 := createTask(t, repo, 2, testBase.Add(time.Second))
	t3 := createTask(t, repo, 3, testBase.Add(2*time.Second))
	_, err = repo.Transition(t2.ID, task.StatusRunning)
	require.NoError(t, err)
	failTask(t, repo, t3.ID, "boom")

	stats, err = repo.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.ByStatus[task.StatusPending])
	require.Equal(t, 1, stats.ByStatus[task.StatusRunning])
	require.Equal(t, 1, stats.ByStatus[task.StatusFailed])
	require.Zero(t, stats.ByStatus[task.StatusCompleted])
}
