// Package task defines the task domain types for devbot: the Task record
// that tracks one AI development attempt for one issue, its append-only log
// entries, and the lifecycle state machine both obey.
package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
// Valid transitions:
//
//	Pending   -> Running, Cancelled
//	Running   -> Completed, Failed, Cancelled
//	Failed    -> Pending (retry)
//	Cancelled -> Pending (retry)
//	Completed -> (terminal)
type Status string

const (
	// StatusPending indicates the task is created but not yet started.
	StatusPending Status = "pending"
	// StatusRunning indicates the pipeline is actively driving the task.
	StatusRunning Status = "running"
	// StatusCompleted indicates the task finished and produced a result.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task terminated due to an error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the task was cancelled by the user.
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed state transitions for tasks.
// The key is the current state, the value is a set of valid target states.
// Failed and Cancelled permit re-entry to Pending so a task can be retried.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusCancelled: {
		StatusPending: true,
	},
	StatusCompleted: {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if this state is a terminal state
// (Completed, Failed, or Cancelled). Terminal states only permit the
// retry edge back to Pending.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if transitioning from the current state
// to the target state is valid according to the task state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all states reachable from the current state.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// DefaultMaxRetries is the retry budget new tasks start with.
const DefaultMaxRetries = 2

// LogLevel classifies a task log entry.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// Issue describes the source issue a task works on.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Body   string `json:"body"`
}

// NewID builds the stable task identifier for an issue at the given time.
// The form is task-<issue_number>-<epoch_seconds>.
func NewID(issueNumber int, now time.Time) string {
	return fmt.Sprintf("task-%d-%d", issueNumber, now.Unix())
}

// Task tracks one AI development attempt for one issue.
type Task struct {
	// Identity
	ID string `json:"task_id"`

	// Descriptor
	IssueNumber int    `json:"issue_number"`
	IssueTitle  string `json:"issue_title"`
	IssueURL    string `json:"issue_url"`
	IssueBody   string `json:"issue_body"`
	BranchName  string `json:"branch_name"`

	// Lifecycle
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Outcome
	Success              *bool   `json:"success,omitempty"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds,omitempty"`
	ProposalNumber       *int    `json:"proposal_number,omitempty"`
	ProposalURL          string  `json:"proposal_url,omitempty"`
	DevelopmentSummary   string  `json:"development_summary,omitempty"`

	// Retry accounting
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// New creates a pending Task for the given issue. The branch name is
// resolved by the pipeline before the task is persisted.
func New(id string, issue Issue, branch string, maxRetries int, now time.Time) *Task {
	return &Task{
		ID:          id,
		IssueNumber: issue.Number,
		IssueTitle:  issue.Title,
		IssueURL:    issue.URL,
		IssueBody:   issue.Body,
		BranchName:  branch,
		Status:      StatusPending,
		CreatedAt:   now,
		MaxRetries:  maxRetries,
	}
}

// Issue returns the issue descriptor embedded in the task.
func (t *Task) Issue() Issue {
	return Issue{
		Number: t.IssueNumber,
		Title:  t.IssueTitle,
		URL:    t.IssueURL,
		Body:   t.IssueBody,
	}
}

// TransitionTo attempts to transition the task to the target status.
// Returns an error if the edge is not valid from the current status.
// StartedAt is set on the first transition into Running; CompletedAt is set
// on any transition into a terminal state.
func (t *Task) TransitionTo(target Status) error {
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid state transition from %s to %s", t.Status, target)
	}
	t.Status = target
	now := time.Now()

	if target == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if target.IsTerminal() {
		t.CompletedAt = &now
	}
	return nil
}

// ResetForRetry re-pends a terminal task: clears the lifecycle timestamps
// and outcome fields and increments the retry counter. Callers must have
// validated the retry is allowed.
func (t *Task) ResetForRetry() {
	t.Status = StatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Success = nil
	t.ErrorMessage = ""
	t.ExecutionTimeSeconds = 0
	t.ProposalNumber = nil
	t.ProposalURL = ""
	t.DevelopmentSummary = ""
	t.RetryCount++
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Log is an append-only event on a task. IDs are assigned by the store and
// are monotone within a task.
type Log struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
