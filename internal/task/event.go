package task

import "time"

// Event is a lifecycle notification emitted when a task is created or
// changes status. Events are fanned out over the pubsub broker to the
// daemon's SSE subscribers; they carry a snapshot, not a reference.
type Event struct {
	EventID     string    `json:"event_id"`
	TaskID      string    `json:"task_id"`
	IssueNumber int       `json:"issue_number"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent snapshots the task's identity and status for publication.
// The event ID is assigned by the publisher.
func NewEvent(eventID string, t *Task) Event {
	return Event{
		EventID:     eventID,
		TaskID:      t.ID,
		IssueNumber: t.IssueNumber,
		Status:      t.Status,
		Timestamp:   time.Now(),
	}
}
