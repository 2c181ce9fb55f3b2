package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/devbot/internal/store"
)

// Builder accumulates test tasks and inserts them in order. Rows are written
// directly so fixtures can represent any state, including ones the state
// machine only reaches through several transitions.
type Builder struct {
	t     *testing.T
	db    *store.DB
	tasks []taskData
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *store.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithTask adds a task with optional configuration.
func (b *Builder) WithTask(id string, opts ...TaskOption) *Builder {
	data := defaultTask(id)
	for _, opt := range opts {
		opt(&data)
	}
	b.tasks = append(b.tasks, data)
	return b
}

// Build inserts all accumulated data into the database.
func (b *Builder) Build() {
	b.t.Helper()
	for _, data := range b.tasks {
		b.insertTask(data)
		b.insertLogs(data)
	}
}

func (b *Builder) insertTask(data taskData) {
	b.t.Helper()
	var startedAt, completedAt *int64
	if data.startedAt != nil {
		v := data.startedAt.Unix()
		startedAt = &v
	}
	if data.completedAt != nil {
		v := data.completedAt.Unix()
		completedAt = &v
	}
	var proposal *int64
	if data.proposal != nil {
		v := int64(*data.proposal)
		proposal = &v
	}
	_, err := b.db.Connection().Exec(
		`INSERT INTO tasks (task_id, issue_number, issue_title, issue_url, issue_body, branch_name, status, created_at, started_at, completed_at, success, error_message, execution_time_seconds, proposal_number, proposal_url, development_summary, retry_count, max_retries)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		data.id, data.issueNumber, data.issueTitle, data.issueURL, data.issueBody,
		data.branchName, string(data.status), data.createdAt.Unix(), startedAt, completedAt,
		data.success, data.errorMessage, data.executionTime,
		proposal, data.proposalURL, data.summary,
		data.retryCount, data.maxRetries,
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertLogs(data taskData) {
	b.t.Helper()
	for _, entry := range data.logs {
		at := entry.At
		if at.IsZero() {
			at = data.createdAt
		}
		_, err := b.db.Connection().Exec(
			`INSERT INTO task_logs (task_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
			data.id, string(entry.Level), entry.Message, at.Unix(),
		)
		require.NoError(b.t, err)
	}
}
