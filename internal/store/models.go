package store

import (
	"time"

	"github.com/zjrosen/devbot/internal/task"
)

// taskModel is the database representation of a task. Timestamps are stored
// as unix seconds; nullable columns map to pointer fields.
type taskModel struct {
	ID                   string
	IssueNumber          int64
	IssueTitle           string
	IssueURL             string
	IssueBody            string
	BranchName           string
	Status               string
	CreatedAt            int64
	StartedAt            *int64
	CompletedAt          *int64
	Success              *bool
	ErrorMessage         string
	ExecutionTimeSeconds float64
	ProposalNumber       *int64
	ProposalURL          string
	DevelopmentSummary   string
	RetryCount           int64
	MaxRetries           int64
}

func toTaskModel(t *task.Task) *taskModel {
	m := &taskModel{
		ID:                   t.ID,
		IssueNumber:          int64(t.IssueNumber),
		IssueTitle:           t.IssueTitle,
		IssueURL:             t.IssueURL,
		IssueBody:            t.IssueBody,
		BranchName:           t.BranchName,
		Status:               string(t.Status),
		CreatedAt:            t.CreatedAt.Unix(),
		ErrorMessage:         t.ErrorMessage,
		ExecutionTimeSeconds: t.ExecutionTimeSeconds,
		ProposalURL:          t.ProposalURL,
		DevelopmentSummary:   t.DevelopmentSummary,
		RetryCount:           int64(t.RetryCount),
		MaxRetries:           int64(t.MaxRetries),
	}
	if t.StartedAt != nil {
		v := t.StartedAt.Unix()
		m.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := t.CompletedAt.Unix()
		m.CompletedAt = &v
	}
	if t.Success != nil {
		v := *t.Success
		m.Success = &v
	}
	if t.ProposalNumber != nil {
		v := int64(*t.ProposalNumber)
		m.ProposalNumber = &v
	}
	return m
}

func (m *taskModel) toDomain() *task.Task {
	t := &task.Task{
		ID:                   m.ID,
		IssueNumber:          int(m.IssueNumber),
		IssueTitle:           m.IssueTitle,
		IssueURL:             m.IssueURL,
		IssueBody:            m.IssueBody,
		BranchName:           m.BranchName,
		Status:               task.Status(m.Status),
		CreatedAt:            time.Unix(m.CreatedAt, 0),
		ErrorMessage:         m.ErrorMessage,
		ExecutionTimeSeconds: m.ExecutionTimeSeconds,
		ProposalURL:          m.ProposalURL,
		DevelopmentSummary:   m.DevelopmentSummary,
		RetryCount:           int(m.RetryCount),
		MaxRetries:           int(m.MaxRetries),
	}
	if m.StartedAt != nil {
		v := time.Unix(*m.StartedAt, 0)
		t.StartedAt = &v
	}
	if m.CompletedAt != nil {
		v := time.Unix(*m.CompletedAt, 0)
		t.CompletedAt = &v
	}
	if m.Success != nil {
		v := *m.Success
		t.Success = &v
	}
	if m.ProposalNumber != nil {
		v := int(*m.ProposalNumber)
		t.ProposalNumber = &v
	}
	return t
}

// logModel is the database representation of a task log entry.
type logModel struct {
	ID        int64
	TaskID    string
	Level     string
	Message   string
	Timestamp int64
}

func (m *logModel) toDomain() task.Log {
	return task.Log{
		ID:        m.ID,
		TaskID:    m.TaskID,
		Level:     task.LogLevel(m.Level),
		Message:   m.Message,
		Timestamp: time.Unix(m.Timestamp, 0),
	}
}
