// Package trigger decides whether an inbound platform event should start a
// development task. Evaluation is pure: deterministic, no side effects
// beyond debug traces.
package trigger

import (
	"fmt"
	"strings"

	"github.com/zjrosen/devbot/internal/event"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/task"
)

// Policy is the pair of knobs that decide which events begin work. An empty
// Label disables label triggering; an empty Command disables comment
// triggering.
type Policy struct {
	Label   string
	Command string
}

// Decision is the outcome of evaluating one event against a policy. Issue is
// populated only when Trigger is true.
type Decision struct {
	Trigger bool
	Reason  string
	Issue   task.Issue
}

// Evaluate applies the trigger policy to a decoded event.
func Evaluate(ev event.Event, policy Policy) Decision {
	d := evaluate(ev, policy)
	if d.Trigger {
		log.Debug(log.CatTrigger, "event triggers development", "issue", d.Issue.Number, "reason", d.Reason)
	} else {
		log.Debug(log.CatTrigger, "event does not trigger", "reason", d.Reason)
	}
	return d
}

func evaluate(ev event.Event, policy Policy) Decision {
	switch e := ev.(type) {
	case *event.IssuesEvent:
		return evaluateIssues(e, policy)
	case *event.IssueCommentEvent:
		return evaluateComment(e, policy)
	case nil:
		return Decision{Reason: "no event"}
	default:
		return Decision{Reason: fmt.Sprintf("%s events never trigger", ev.Kind())}
	}
}

func evaluateIssues(e *event.IssuesEvent, policy Policy) Decision {
	if !isLabeledAction(e.Action) {
		return Decision{Reason: fmt.Sprintf("issues action %q does not trigger", e.Action)}
	}
	if policy.Label == "" {
		return Decision{Reason: "label triggering disabled"}
	}
	if !e.Issue.HasLabel(policy.Label) {
		return Decision{Reason: fmt.Sprintf("issue #%d does not carry label %q", e.Issue.Number, policy.Label)}
	}
	return Decision{
		Trigger: true,
		Reason:  fmt.Sprintf("label %q present on issue #%d", policy.Label, e.Issue.Number),
		Issue:   descriptor(e.Issue),
	}
}

func evaluateComment(e *event.IssueCommentEvent, policy Policy) Decision {
	if e.Action != "created" {
		return Decision{Reason: fmt.Sprintf("comment action %q does not trigger", e.Action)}
	}
	if policy.Command == "" {
		return Decision{Reason: "command triggering disabled"}
	}
	if !strings.Contains(strings.ToLower(e.Comment.Body), strings.ToLower(policy.Command)) {
		return Decision{Reason: fmt.Sprintf("comment on issue #%d does not contain %q", e.Issue.Number, policy.Command)}
	}
	return Decision{
		Trigger: true,
		Reason:  fmt.Sprintf("command %q present on issue #%d", policy.Command, e.Issue.Number),
		Issue:   descriptor(e.Issue),
	}
}

// isLabeledAction accepts both platform spellings of the label action.
func isLabeledAction(action string) bool {
	return action == "labeled" || action == "labelled"
}

func descriptor(i event.Issue) task.Issue {
	return task.Issue{
		Number: i.Number,
		Title:  i.Title,
		URL:    i.HTMLURL,
		Body:   i.Body,
	}
}
