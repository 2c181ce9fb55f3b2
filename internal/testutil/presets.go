package testutil

import (
	"time"

	"github.com/zjrosen/devbot/internal/task"
)

// WithLifecycleTestData adds one task in every lifecycle state, oldest first:
//
//	task-101-* pending    issue 101
//	task-102-* running    issue 102
//	task-103-* completed  issue 103, proposal #7
//	task-104-* failed     issue 104, one retry consumed
//	task-105-* cancelled  issue 105
func (b *Builder) WithLifecycleTestData() *Builder {
	base := time.Unix(1735689600, 0)

	return b.
		WithTask("task-101-1",
			Issue(101), Title("Add retry budget"), Branch("ai/feature-101-1"),
			CreatedAt(base.Add(1*time.Minute)),
			Logs(Log(task.LogInfo, "task created for issue #101"))).
		WithTask("task-102-2",
			Issue(102), Title("Fix flaky watcher test"), Branch("ai/feature-102-2"),
			Status(task.StatusRunning),
			CreatedAt(base.Add(2*time.Minute)),
			Logs(
				Log(task.LogInfo, "task created for issue #102"),
				Log(task.LogInfo, "agent started"))).
		WithTask("task-103-3",
			Issue(103), Title("Expose queue depth"), Branch("ai/feature-103-3"),
			Status(task.StatusCompleted), Success(true),
			ExecutionTime(92.5),
			Proposal(7, "https://example.com/pulls/7"),
			Summary("Added a queue depth gauge."),
			CreatedAt(base.Add(3*time.Minute)),
			Logs(
				Log(task.LogInfo, "task created for issue #103"),
				Log(task.LogInfo, "proposal #7 opened"))).
		WithTask("task-104-4",
			Issue(104), Title("Handle empty payloads"), Branch("ai/feature-104-4"),
			Status(task.StatusFailed), Success(false),
			ErrorMessage("agent exited with code 1"),
			RetryCount(1),
			CreatedAt(base.Add(4*time.Minute)),
			Logs(
				Log(task.LogInfo, "task created for issue #104"),
				Log(task.LogError, "agent exited with code 1"))).
		WithTask("task-105-5",
			Issue(105), Title("Rename config keys"), Branch("ai/feature-105-5"),
			Status(task.StatusCancelled),
			ErrorMessage("cancelled by operator"),
			CreatedAt(base.Add(5*time.Minute)),
			Logs(
				Log(task.LogInfo, "task created for issue #105"),
				Log(task.LogWarning, "cancellation requested")))
}
