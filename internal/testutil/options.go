package testutil

import (
	"fmt"
	"time"

	"github.com/zjrosen/devbot/internal/task"
)

// LogData holds data for a task log entry to be inserted.
type LogData struct {
	Level   task.LogLevel
	Message string
	At      time.Time
}

// Log creates a LogData entry stamped with the task's creation time unless
// overridden via LogAt.
func Log(level task.LogLevel, message string) LogData {
	return LogData{Level: level, Message: message}
}

// LogAt creates a LogData entry with an explicit timestamp.
func LogAt(level task.LogLevel, message string, at time.Time) LogData {
	return LogData{Level: level, Message: message, At: at}
}

// taskData holds all data for a task row to be inserted.
type taskData struct {
	id            string
	issueNumber   int
	issueTitle    string
	issueURL      string
	issueBody     string
	branchName    string
	status        task.Status
	createdAt     time.Time
	startedAt     *time.Time
	completedAt   *time.Time
	success       *bool
	errorMessage  string
	executionTime float64
	proposal      *int
	proposalURL   string
	summary       string
	retryCount    int
	maxRetries    int
	logs          []LogData
}

// defaultTask returns a pending task for issue 1 with names derived from the id.
func defaultTask(id string) taskData {
	return taskData{
		id:          id,
		issueNumber: 1,
		issueTitle:  id,
		issueURL:    fmt.Sprintf("https://example.com/issues/%s", id),
		branchName:  "ai/feature-1-0",
		status:      task.StatusPending,
		createdAt:   time.Unix(1735689600, 0),
		maxRetries:  task.DefaultMaxRetries,
	}
}

// TaskOption configures a task during builder setup.
type TaskOption func(*taskData)

// Issue sets the issue number the task tracks.
func Issue(n int) TaskOption {
	return func(d *taskData) { d.issueNumber = n }
}

// Title sets the issue title.
func Title(title string) TaskOption {
	return func(d *taskData) { d.issueTitle = title }
}

// URL sets the issue URL.
func URL(url string) TaskOption {
	return func(d *taskData) { d.issueURL = url }
}

// Body sets the issue body.
func Body(body string) TaskOption {
	return func(d *taskData) { d.issueBody = body }
}

// Branch sets the feature branch name.
func Branch(name string) TaskOption {
	return func(d *taskData) { d.branchName = name }
}

// Status sets the task status. Running tasks get a started_at, terminal
// tasks additionally get a completed_at, unless set explicitly.
func Status(s task.Status) TaskOption {
	return func(d *taskData) {
		d.status = s
		if s != task.StatusPending && d.startedAt == nil {
			at := d.createdAt.Add(time.Second)
			d.startedAt = &at
		}
		if s.IsTerminal() && d.completedAt == nil {
			at := d.createdAt.Add(time.Minute)
			d.completedAt = &at
		}
	}
}

// CreatedAt sets the created_at timestamp.
func CreatedAt(t time.Time) TaskOption {
	return func(d *taskData) { d.createdAt = t }
}

// StartedAt sets the started_at timestamp explicitly.
func StartedAt(t time.Time) TaskOption {
	return func(d *taskData) { d.startedAt = &t }
}

// CompletedAt sets the completed_at timestamp explicitly.
func CompletedAt(t time.Time) TaskOption {
	return func(d *taskData) { d.completedAt = &t }
}

// Success sets the success flag recorded for a finished run.
func Success(ok bool) TaskOption {
	return func(d *taskData) { d.success = &ok }
}

// ErrorMessage sets the recorded failure reason.
func ErrorMessage(msg string) TaskOption {
	return func(d *taskData) { d.errorMessage = msg }
}

// ExecutionTime sets the recorded run duration in seconds.
func ExecutionTime(seconds float64) TaskOption {
	return func(d *taskData) { d.executionTime = seconds }
}

// Proposal sets the opened proposal's number and URL.
func Proposal(number int, url string) TaskOption {
	return func(d *taskData) {
		d.proposal = &number
		d.proposalURL = url
	}
}

// Summary sets the development summary produced by the agent.
func Summary(s string) TaskOption {
	return func(d *taskData) { d.summary = s }
}

// RetryCount sets how many retries the task has consumed.
func RetryCount(n int) TaskOption {
	return func(d *taskData) { d.retryCount = n }
}

// MaxRetries sets the task's retry budget.
func MaxRetries(n int) TaskOption {
	return func(d *taskData) { d.maxRetries = n }
}

// Logs adds log entries to the task (nested option).
func Logs(logs ...LogData) TaskOption {
	return func(d *taskData) { d.logs = append(d.logs, logs...) }
}
