package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/task"
)

var (
	// ErrTaskNotFound is returned when no task exists with the given ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task whose ID is taken.
	ErrTaskExists = errors.New("task already exists")
	// ErrInvalidTransition is returned when a status change violates the
	// task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetryNotAllowed is returned when a task is not in a retryable state
	// or its retry budget is exhausted.
	ErrRetryNotAllowed = errors.New("retry not allowed")
)

const taskColumns = `task_id, issue_number, issue_title, issue_url, issue_body, branch_name, status, created_at, started_at, completed_at, success, error_message, execution_time_seconds, proposal_number, proposal_url, development_summary, retry_count, max_retries`

// TaskRepository persists tasks and their logs. Status changes and their
// audit log entries commit atomically in one transaction.
type TaskRepository struct {
	db *sql.DB
}

func newTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// ListFilter narrows and pages ListTasks results. A zero Status matches all
// statuses; a zero Limit returns all matching rows.
type ListFilter struct {
	Status task.Status
	Limit  int
	Offset int
}

// TransitionOption sets an outcome field as part of a status transition.
type TransitionOption func(*task.Task)

// WithSuccess records whether the task produced a usable result.
func WithSuccess(success bool) TransitionOption {
	return func(t *task.Task) { t.Success = &success }
}

// WithErrorMessage records why the task failed or was cancelled.
func WithErrorMessage(msg string) TransitionOption {
	return func(t *task.Task) { t.ErrorMessage = msg }
}

// WithExecutionTime records how long the agent ran, in seconds.
func WithExecutionTime(seconds float64) TransitionOption {
	return func(t *task.Task) { t.ExecutionTimeSeconds = seconds }
}

// WithProposal records the change proposal opened for the task's branch.
func WithProposal(number int, url string) TransitionOption {
	return func(t *task.Task) {
		t.ProposalNumber = &number
		t.ProposalURL = url
	}
}

// WithSummary records the agent's own description of the work performed.
func WithSummary(summary string) TransitionOption {
	return func(t *task.Task) { t.DevelopmentSummary = summary }
}

// CreateTask inserts a new task along with its "task created" log entry.
// Returns ErrTaskExists if the ID is already taken.
func (r *TaskRepository) CreateTask(t *task.Task) error {
	m := toTaskModel(t)
	err := r.withTx(func(tx *sql.Tx) error {
		exists, err := taskExists(tx, m.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrTaskExists, m.ID)
		}
		_, err = tx.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.IssueNumber, m.IssueTitle, m.IssueURL, m.IssueBody, m.BranchName,
			m.Status, m.CreatedAt, m.StartedAt, m.CompletedAt,
			m.Success, m.ErrorMessage, m.ExecutionTimeSeconds,
			m.ProposalNumber, m.ProposalURL, m.DevelopmentSummary,
			m.RetryCount, m.MaxRetries)
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		msg := fmt.Sprintf("task created for issue #%d", m.IssueNumber)
		_, err = appendLogTx(tx, m.ID, task.LogInfo, msg, t.CreatedAt)
		return err
	})
	if err != nil {
		return err
	}
	log.Debug(log.CatStore, "task created", "task_id", t.ID, "issue", t.IssueNumber)
	return nil
}

// GetTask returns the task with the given ID, or ErrTaskNotFound.
func (r *TaskRepository) GetTask(taskID string) (*task.Task, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first, optionally filtered by status and
// paged with limit/offset.
func (r *TaskRepository) ListTasks(filter ListFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, task_id DESC`
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	return collectTasks(rows)
}

// TasksByIssue returns every task recorded for an issue, newest first.
func (r *TaskRepository) TasksByIssue(issueNumber int) ([]*task.Task, error) {
	rows, err := r.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE issue_number = ? ORDER BY created_at DESC, task_id DESC`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("querying tasks for issue: %w", err)
	}
	return collectTasks(rows)
}

// ActiveTaskForIssue returns the newest pending or running task for an
// issue, or nil when the issue has no task in flight.
func (r *TaskRepository) ActiveTaskForIssue(issueNumber int) (*task.Task, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE issue_number = ? AND status IN (?, ?) ORDER BY created_at DESC, task_id DESC LIMIT 1`,
		issueNumber, string(task.StatusPending), string(task.StatusRunning))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active task: %w", err)
	}
	return t, nil
}

// Transition moves a task to the target status, applies the given outcome
// options, and appends the status-change log entry, all in one transaction.
// Returns ErrInvalidTransition when the edge is not in the state machine.
func (r *TaskRepository) Transition(taskID string, target task.Status, opts ...TransitionOption) (*task.Task, error) {
	var updated *task.Task
	err := r.withTx(func(tx *sql.Tx) error {
		cur, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		from := cur.Status
		if err := cur.TransitionTo(target); err != nil {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
		}
		for _, opt := range opts {
			opt(cur)
		}
		if err := updateTaskTx(tx, cur); err != nil {
			return err
		}

		msg := fmt.Sprintf("status changed: %s -> %s", from, target)
		if cur.ErrorMessage != "" && (target == task.StatusFailed || target == task.StatusCancelled) {
			msg = fmt.Sprintf("%s (%s)", msg, cur.ErrorMessage)
		}
		level := task.LogInfo
		if target == task.StatusFailed {
			level = task.LogError
		}
		if _, err := appendLogTx(tx, taskID, level, msg, time.Now()); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatStore, "task transitioned", "task_id", taskID, "status", string(target))
	return updated, nil
}

// Retry re-pends a failed or cancelled task and increments its retry count.
// Returns ErrRetryNotAllowed when the task is not retryable or its retry
// budget is exhausted.
func (r *TaskRepository) Retry(taskID string) (*task.Task, error) {
	var updated *task.Task
	err := r.withTx(func(tx *sql.Tx) error {
		cur, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if cur.Status != task.StatusFailed && cur.Status != task.StatusCancelled {
			return fmt.Errorf("%w: task %s is %s", ErrRetryNotAllowed, taskID, cur.Status)
		}
		if cur.RetryCount >= cur.MaxRetries {
			return fmt.Errorf("%w: task %s used %d of %d retries", ErrRetryNotAllowed, taskID, cur.RetryCount, cur.MaxRetries)
		}
		cur.ResetForRetry()
		if err := updateTaskTx(tx, cur); err != nil {
			return err
		}
		msg := fmt.Sprintf("task re-queued for retry (attempt %d of %d)", cur.RetryCount, cur.MaxRetries)
		if _, err := appendLogTx(tx, taskID, task.LogInfo, msg, time.Now()); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatStore, "task re-queued for retry", "task_id", taskID, "retry_count", updated.RetryCount)
	return updated, nil
}

// UpdateBranch records the feature branch prepared for a task, with a log
// entry, in one transaction. Used when a retry re-creates a vanished branch.
func (r *TaskRepository) UpdateBranch(taskID, branch string) error {
	err := r.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET branch_name = ? WHERE task_id = ?`, branch, taskID)
		if err != nil {
			return fmt.Errorf("updating branch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading update count: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		_, err = appendLogTx(tx, taskID, task.LogInfo, fmt.Sprintf("feature branch set to %s", branch), time.Now())
		return err
	})
	if err != nil {
		return err
	}
	log.Debug(log.CatStore, "task branch updated", "task_id", taskID, "branch", branch)
	return nil
}

// Stats summarizes task counts per status.
type Stats struct {
	Total    int                 `json:"total"`
	ByStatus map[task.Status]int `json:"by_status"`
}

// Stats returns the task count per status. Every status appears in the map
// even when its count is zero.
func (r *TaskRepository) Stats() (Stats, error) {
	stats := Stats{ByStatus: map[task.Status]int{
		task.StatusPending:   0,
		task.StatusRunning:   0,
		task.StatusCompleted: 0,
		task.StatusFailed:    0,
		task.StatusCancelled: 0,
	}}
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("querying task stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning task stats: %w", err)
		}
		stats.ByStatus[task.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating task stats: %w", err)
	}
	return stats, nil
}

// AppendLog records a log entry for a task and returns its assigned ID.
func (r *TaskRepository) AppendLog(taskID string, level task.LogLevel, message string) (int64, error) {
	var id int64
	err := r.withTx(func(tx *sql.Tx) error {
		exists, err := taskExists(tx, taskID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		id, err = appendLogTx(tx, taskID, level, message, time.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ReadLogsSince returns a task's log entries with ID greater than afterID,
// oldest first. Pass 0 to read from the beginning.
func (r *TaskRepository) ReadLogsSince(taskID string, afterID int64) ([]task.Log, error) {
	exists, err := taskExists(r.db, taskID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	rows, err := r.db.Query(`SELECT id, task_id, level, message, timestamp FROM task_logs WHERE task_id = ? AND id > ? ORDER BY id ASC`, taskID, afterID)
	if err != nil {
		return nil, fmt.Errorf("querying task logs: %w", err)
	}
	defer rows.Close()

	var logs []task.Log
	for rows.Next() {
		var m logModel
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Level, &m.Message, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning task log: %w", err)
		}
		logs = append(logs, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task logs: %w", err)
	}
	return logs, nil
}

func (r *TaskRepository) withTx(fn func(*sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*task.Task, error) {
	var m taskModel
	err := scanner.Scan(
		&m.ID, &m.IssueNumber, &m.IssueTitle, &m.IssueURL, &m.IssueBody, &m.BranchName,
		&m.Status, &m.CreatedAt, &m.StartedAt, &m.CompletedAt,
		&m.Success, &m.ErrorMessage, &m.ExecutionTimeSeconds,
		&m.ProposalNumber, &m.ProposalURL, &m.DevelopmentSummary,
		&m.RetryCount, &m.MaxRetries)
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func getTaskTx(tx *sql.Tx, taskID string) (*task.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

func updateTaskTx(tx *sql.Tx, t *task.Task) error {
	m := toTaskModel(t)
	res, err := tx.Exec(`UPDATE tasks SET status = ?, started_at = ?, completed_at = ?, success = ?, error_message = ?, execution_time_seconds = ?, proposal_number = ?, proposal_url = ?, development_summary = ?, retry_count = ? WHERE task_id = ?`,
		m.Status, m.StartedAt, m.CompletedAt,
		m.Success, m.ErrorMessage, m.ExecutionTimeSeconds,
		m.ProposalNumber, m.ProposalURL, m.DevelopmentSummary,
		m.RetryCount, m.ID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	return nil
}

func appendLogTx(tx *sql.Tx, taskID string, level task.LogLevel, message string, at time.Time) (int64, error) {
	res, err := tx.Exec(`INSERT INTO task_logs (task_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
		taskID, string(level), message, at.Unix())
	if err != nil {
		return 0, fmt.Errorf("inserting task log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading log id: %w", err)
	}
	return id, nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func taskExists(q querier, taskID string) (bool, error) {
	var one int
	err := q.QueryRow(`SELECT 1 FROM tasks WHERE task_id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking task existence: %w", err)
	}
	return true, nil
}
