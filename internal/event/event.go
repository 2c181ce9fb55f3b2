// Package event decodes inbound code-hosting platform events into a closed
// set of typed payloads. Kinds outside the recognised set are either on the
// ignore list (routine platform noise) or unknown.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zjrosen/devbot/internal/log"
)

// Kind identifies a recognised platform event type.
type Kind string

const (
	KindIssues       Kind = "issues"
	KindIssueComment Kind = "issue_comment"
	KindPing         Kind = "ping"
)

// ignoredKinds are platform events devbot receives but never acts on.
var ignoredKinds = map[string]bool{
	"check_run":           true,
	"check_suite":         true,
	"status":              true,
	"push":                true,
	"pull_request":        true,
	"pull_request_review": true,
	"deployment":          true,
	"workflow_run":        true,
}

// ErrUnknownKind is returned for event kinds outside both the recognised set
// and the ignore list.
var ErrUnknownKind = errors.New("unknown event kind")

// Event is one decoded inbound platform event.
type Event interface {
	Kind() Kind
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// User identifies the account behind an event, for logging.
type User struct {
	Login string `json:"login"`
}

// Issue carries the issue fields devbot needs from a payload.
type Issue struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	HTMLURL string  `json:"html_url"`
	Labels  []Label `json:"labels"`
}

// HasLabel reports whether the issue currently carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// Comment is an issue comment body plus its author.
type Comment struct {
	Body string `json:"body"`
	User User   `json:"user"`
}

// IssuesEvent is an issue lifecycle event (opened, labeled, closed, ...).
// Label is the label added or removed when the action is label-related.
type IssuesEvent struct {
	Action string `json:"action"`
	Issue  Issue  `json:"issue"`
	Label  *Label `json:"label,omitempty"`
	Sender User   `json:"sender"`
}

// Kind implements Event.
func (*IssuesEvent) Kind() Kind { return KindIssues }

// IssueCommentEvent is a comment created, edited or deleted on an issue.
type IssueCommentEvent struct {
	Action  string  `json:"action"`
	Issue   Issue   `json:"issue"`
	Comment Comment `json:"comment"`
	Sender  User    `json:"sender"`
}

// Kind implements Event.
func (*IssueCommentEvent) Kind() Kind { return KindIssueComment }

// PingEvent is the platform's webhook liveness check.
type PingEvent struct {
	Zen    string `json:"zen"`
	HookID int64  `json:"hook_id"`
}

// Kind implements Event.
func (*PingEvent) Kind() Kind { return KindPing }

// Decode parses the raw JSON payload of one platform event. Recognised kinds
// decode to a typed Event. Kinds on the ignore list return (nil, nil).
// Anything else returns ErrUnknownKind.
func Decode(kind string, payload []byte) (Event, error) {
	switch Kind(kind) {
	case KindIssues:
		var ev IssuesEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding issues event: %w", err)
		}
		return &ev, nil
	case KindIssueComment:
		var ev IssueCommentEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding issue_comment event: %w", err)
		}
		return &ev, nil
	case KindPing:
		var ev PingEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding ping event: %w", err)
		}
		return &ev, nil
	default:
		if ignoredKinds[kind] {
			log.Debug(log.CatWebhook, "ignoring event kind", "kind", kind)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
