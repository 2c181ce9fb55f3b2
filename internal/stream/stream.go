// Package stream turns a task's persisted log into a live feed. The store
// is the single source of truth, so the streamer polls it rather than
// tapping the pipeline directly; a follower that connects after the task
// finished still replays the full log before the terminal frame.
package stream

import (
	"context"
	"time"

	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/task"
)

// DefaultPollInterval is how often a follower checks the store for new
// log rows and status changes.
const DefaultPollInterval = time.Second

// Source is the slice of the task store the streamer reads.
type Source interface {
	GetTask(taskID string) (*task.Task, error)
	ReadLogsSince(taskID string, afterID int64) ([]task.Log, error)
}

// FrameKind discriminates the frames a follower receives.
type FrameKind string

const (
	// FrameLog carries one task log entry.
	FrameLog FrameKind = "log"
	// FrameDone signals the task reached a terminal status. No frames follow.
	FrameDone FrameKind = "done"
	// FrameError signals the stream ended because of a read failure or a
	// missing task. No frames follow.
	FrameError FrameKind = "error"
)

// Frame is one unit of a task's log feed.
type Frame struct {
	Kind   FrameKind `json:"kind"`
	Log    *task.Log `json:"log,omitempty"`
	Status string    `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Streamer follows tasks through a Source.
type Streamer struct {
	source Source
	poll   time.Duration
}

// New builds a Streamer over the given source. A non-positive poll
// interval falls back to DefaultPollInterval.
func New(source Source, poll time.Duration) *Streamer {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Streamer{source: source, poll: poll}
}

// Follow streams the task's log entries in insertion order. Entries
// already persisted are replayed first, then new ones as they land.
// Unless ctx is cancelled first, the channel delivers exactly one
// terminal frame (done or error) and is then closed. Cancelling ctx
// closes the channel without a terminal frame.
//
// Each poll reads the task's status before its logs. Terminal
// transitions commit their final log entry in the same store
// transaction, so a terminal status observed here means every log row
// is already visible; the done frame can never overtake a log frame.
func (s *Streamer) Follow(ctx context.Context, taskID string) <-chan Frame {
	frames := make(chan Frame)

	go func() {
		defer close(frames)

		var lastID int64
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			t, err := s.source.GetTask(taskID)
			if err != nil {
				log.Warn(log.CatStream, "stream read failed", "task_id", taskID, "error", err)
				s.send(ctx, frames, Frame{Kind: FrameError, Error: err.Error()})
				return
			}

			logs, err := s.source.ReadLogsSince(taskID, lastID)
			if err != nil {
				log.Warn(log.CatStream, "stream read failed", "task_id", taskID, "error", err)
				s.send(ctx, frames, Frame{Kind: FrameError, Error: err.Error()})
				return
			}
			for i := range logs {
				entry := logs[i]
				lastID = entry.ID
				if !s.send(ctx, frames, Frame{Kind: FrameLog, Log: &entry}) {
					return
				}
			}

			if t.IsTerminal() {
				s.send(ctx, frames, Frame{Kind: FrameDone, Status: t.Status.String()})
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return frames
}

// send delivers a frame unless the follower went away first.
func (s *Streamer) send(ctx context.Context, frames chan<- Frame, f Frame) bool {
	select {
	case frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
