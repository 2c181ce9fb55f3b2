package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles JSON output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatTasks formats a list of tasks as JSON
func (f *Formatter) FormatTasks(tasks []TaskDTO) error {
	return f.encode(tasks)
}

// FormatTask formats a single task with its long-form fields as JSON
func (f *Formatter) FormatTask(detail TaskDetailDTO) error {
	return f.encode(detail)
}

// FormatTaskSummary formats a single task without its long-form fields,
// as returned by the cancel and retry operations.
func (f *Formatter) FormatTaskSummary(t TaskDTO) error {
	return f.encode(t)
}

// FormatLogs formats a task's log entries as JSON
func (f *Formatter) FormatLogs(logs []LogDTO) error {
	return f.encode(logs)
}

// FormatStatus formats a status report as JSON
func (f *Formatter) FormatStatus(status StatusDTO) error {
	return f.encode(status)
}

func (f *Formatter) encode(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
