// Package presentation converts domain objects into output-friendly DTOs
// and renders them as JSON or styled terminal text for the CLI.
package presentation

import (
	"time"

	"github.com/zjrosen/devbot/internal/forge"
	"github.com/zjrosen/devbot/internal/gate"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/task"
)

// TaskDTO represents a task for presentation. Timestamps are RFC 3339.
type TaskDTO struct {
	ID             string  `json:"task_id"`
	IssueNumber    int     `json:"issue_number"`
	IssueTitle     string  `json:"issue_title"`
	IssueURL       string  `json:"issue_url"`
	BranchName     string  `json:"branch_name"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      string  `json:"started_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
	Success        *bool   `json:"success,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ExecutionTime  float64 `json:"execution_time_seconds,omitempty"`
	ProposalNumber *int    `json:"proposal_number,omitempty"`
	ProposalURL    string  `json:"proposal_url,omitempty"`
	RetryCount     int     `json:"retry_count"`
	MaxRetries     int     `json:"max_retries"`
}

// TaskDetailDTO is a TaskDTO plus the long-form fields shown by `task show`.
type TaskDetailDTO struct {
	TaskDTO
	IssueBody          string `json:"issue_body,omitempty"`
	DevelopmentSummary string `json:"development_summary,omitempty"`
}

// LogDTO represents a task log entry for presentation.
type LogDTO struct {
	ID        int64  `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// StatsDTO represents store-wide task counts.
type StatsDTO struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// StatusDTO is the `devbot status` report.
type StatusDTO struct {
	DBPath    string      `json:"db_path"`
	Stats     StatsDTO    `json:"stats"`
	Gate      *gate.Stats `json:"gate,omitempty"`
	RateLimit *RateDTO    `json:"rate_limit,omitempty"`
}

// RateDTO represents the forge API quota.
type RateDTO struct {
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
}

// FromTask converts a task to its presentation DTO.
func FromTask(t *task.Task) TaskDTO {
	dto := TaskDTO{
		ID:             t.ID,
		IssueNumber:    t.IssueNumber,
		IssueTitle:     t.IssueTitle,
		IssueURL:       t.IssueURL,
		BranchName:     t.BranchName,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339),
		Success:        t.Success,
		ErrorMessage:   t.ErrorMessage,
		ExecutionTime:  t.ExecutionTimeSeconds,
		ProposalNumber: t.ProposalNumber,
		ProposalURL:    t.ProposalURL,
		RetryCount:     t.RetryCount,
		MaxRetries:     t.MaxRetries,
	}
	if t.StartedAt != nil {
		dto.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		dto.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// FromTasks converts a slice of tasks to DTOs.
func FromTasks(tasks []*task.Task) []TaskDTO {
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = FromTask(t)
	}
	return dtos
}

// FromTaskDetail converts a task including its long-form fields.
func FromTaskDetail(t *task.Task) TaskDetailDTO {
	return TaskDetailDTO{
		TaskDTO:            FromTask(t),
		IssueBody:          t.IssueBody,
		DevelopmentSummary: t.DevelopmentSummary,
	}
}

// FromLog converts a log entry to its presentation DTO.
func FromLog(l task.Log) LogDTO {
	return LogDTO{
		ID:        l.ID,
		Level:     string(l.Level),
		Message:   l.Message,
		Timestamp: l.Timestamp.UTC().Format(time.RFC3339),
	}
}

// FromLogs converts a slice of log entries to DTOs.
func FromLogs(logs []task.Log) []LogDTO {
	dtos := make([]LogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = FromLog(l)
	}
	return dtos
}

// FromRateLimit converts a forge quota to the presentation DTO.
func FromRateLimit(rl forge.RateLimit) RateDTO {
	return RateDTO{
		Limit:     rl.Limit,
		Remaining: rl.Remaining,
		ResetAt:   rl.ResetAt.UTC().Format(time.RFC3339),
	}
}

// FromStats converts store stats to the presentation DTO.
func FromStats(s store.Stats) StatsDTO {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, count := range s.ByStatus {
		byStatus[string(status)] = count
	}
	return StatsDTO{Total: s.Total, ByStatus: byStatus}
}
