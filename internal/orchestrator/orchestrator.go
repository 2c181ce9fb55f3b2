// Package orchestrator is the facade between event ingress and the task
// runtime. It owns trigger evaluation, spawns one pipeline goroutine per
// admitted event, serves cancel and retry requests, and publishes task
// events to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/devbot/internal/event"
	"github.com/zjrosen/devbot/internal/forge"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/metrics"
	"github.com/zjrosen/devbot/internal/pubsub"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/supervisor"
	"github.com/zjrosen/devbot/internal/task"
	"github.com/zjrosen/devbot/internal/trigger"
)

const notifyTimeout = 30 * time.Second

// ErrShuttingDown rejects work arriving after shutdown began.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// ErrNotCancellable reports a cancel request against a task already in a
// terminal state.
var ErrNotCancellable = errors.New("task is not cancellable")

// Executor runs task pipelines. Satisfied by pipeline.Executor.
type Executor interface {
	Execute(ctx context.Context, taskID string, issue task.Issue) error
	ExecuteRetry(ctx context.Context, taskID string) error
}

// Result reports how an inbound event was admitted.
type Result struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"task_id,omitempty"`
	Issue    int    `json:"issue,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Config assembles the orchestrator's collaborators. Store and Executor
// are required; the rest defaults when nil.
type Config struct {
	Store      *store.TaskRepository
	Executor   Executor
	Supervisor *supervisor.Supervisor
	Forge      forge.Client
	Events     *pubsub.Broker[task.Event]
	Policy     trigger.Policy
}

// Orchestrator dispatches events into pipelines and tracks the spawned
// runs so shutdown can drain them.
type Orchestrator struct {
	store  *store.TaskRepository
	exec   Executor
	sup    *supervisor.Supervisor
	forge  forge.Client
	events *pubsub.Broker[task.Event]

	mu     sync.RWMutex
	policy trigger.Policy
	closed bool

	runs    sync.WaitGroup
	runCtx  context.Context
	stopRun context.CancelFunc
}

// New creates an Orchestrator. Pipelines spawned for admitted events run
// under the orchestrator's own context, not the inbound request's, so a
// webhook response does not abort the work it acknowledged.
func New(cfg Config) *Orchestrator {
	events := cfg.Events
	if events == nil {
		events = pubsub.NewBroker[task.Event]()
	}
	sup := cfg.Supervisor
	if sup == nil {
		sup = supervisor.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   cfg.Store,
		exec:    cfg.Executor,
		sup:     sup,
		forge:   cfg.Forge,
		events:  events,
		policy:  cfg.Policy,
		runCtx:  ctx,
		stopRun: cancel,
	}
}

// Events exposes the task event broker for API subscribers.
func (o *Orchestrator) Events() *pubsub.Broker[task.Event] {
	return o.events
}

// UpdatePolicy swaps the trigger policy. Used by the config reload path.
func (o *Orchestrator) UpdatePolicy(p trigger.Policy) {
	o.mu.Lock()
	o.policy = p
	o.mu.Unlock()
	log.Info(log.CatTrigger, "trigger policy updated", "label", p.Label, "command", p.Command)
}

// HandleEvent admits one inbound platform event. A triggering event gets a
// task id and a pipeline goroutine; everything else is reported with the
// reason it was ignored. The returned error marks undecodable payloads
// only.
func (o *Orchestrator) HandleEvent(kind string, payload []byte) (Result, error) {
	if o.isClosed() {
		return Result{}, ErrShuttingDown
	}

	ev, err := event.Decode(kind, payload)
	if err != nil {
		if errors.Is(err, event.ErrUnknownKind) {
			log.Warn(log.CatWebhook, "unknown event kind", "kind", kind)
			metrics.WebhookEvents.WithLabelValues(kind, "ignored").Inc()
			return Result{Reason: "unknown event kind"}, nil
		}
		metrics.WebhookEvents.WithLabelValues(kind, "rejected").Inc()
		return Result{}, fmt.Errorf("decoding %s event: %w", kind, err)
	}
	if ev == nil {
		metrics.WebhookEvents.WithLabelValues(kind, "ignored").Inc()
		return Result{Reason: "event kind ignored"}, nil
	}

	decision := trigger.Evaluate(ev, o.policySnapshot())
	if !decision.Trigger {
		metrics.WebhookEvents.WithLabelValues(kind, "ignored").Inc()
		log.Debug(log.CatTrigger, "event did not trigger", "kind", kind, "reason", decision.Reason)
		return Result{Reason: decision.Reason}, nil
	}

	taskID := task.NewID(decision.Issue.Number, time.Now())
	metrics.WebhookEvents.WithLabelValues(kind, "triggered").Inc()
	log.Info(log.CatTrigger, "event triggered task",
		"kind", kind, "issue", decision.Issue.Number, "task_id", taskID, "reason", decision.Reason)

	o.spawn("pipeline-"+taskID, func(ctx context.Context) {
		if err := o.exec.Execute(ctx, taskID, decision.Issue); err != nil {
			log.ErrorErr(log.CatPipeline, "pipeline run failed to start", err, "task_id", taskID)
		}
	})

	return Result{
		Accepted: true,
		TaskID:   taskID,
		Issue:    decision.Issue.Number,
		Reason:   decision.Reason,
	}, nil
}

// Cancel moves a task to cancelled, kills its agent process if one is
// running, and posts a best-effort notice on the source issue.
func (o *Orchestrator) Cancel(taskID string) (*task.Task, error) {
	cur, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	opts := []store.TransitionOption{store.WithErrorMessage("cancelled by user")}
	if cur.StartedAt != nil {
		opts = append(opts, store.WithExecutionTime(time.Since(*cur.StartedAt).Seconds()))
	}
	updated, err := o.store.Transition(taskID, task.StatusCancelled, opts...)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: task %s is %s", ErrNotCancellable, taskID, cur.Status)
		}
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(string(task.StatusCancelled)).Inc()
	o.publish(pubsub.UpdatedEvent, updated)
	log.Info(log.CatPipeline, "task cancelled", "task_id", taskID, "issue", updated.IssueNumber)

	// Termination waits out the grace window and the notice does remote
	// I/O; neither belongs on the caller's request path.
	log.SafeGo("cancel-"+taskID, func() {
		if o.sup.Terminate(taskID) {
			log.Info(log.CatSupervisor, "agent process terminated", "task_id", taskID)
		}
		o.notify(updated.IssueNumber, "AI development task was cancelled.")
	})

	return updated, nil
}

// Retry re-pends a failed or cancelled task and spawns a pipeline that
// reuses its branch. The store enforces the retry budget.
func (o *Orchestrator) Retry(taskID string) (*task.Task, error) {
	if o.isClosed() {
		return nil, ErrShuttingDown
	}

	updated, err := o.store.Retry(taskID)
	if err != nil {
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(string(task.StatusPending)).Inc()
	o.publish(pubsub.UpdatedEvent, updated)

	o.spawn("retry-"+taskID, func(ctx context.Context) {
		if err := o.exec.ExecuteRetry(ctx, taskID); err != nil {
			log.ErrorErr(log.CatPipeline, "retry run failed to start", err, "task_id", taskID)
		}
	})

	return updated, nil
}

// Shutdown stops intake, cancels running pipelines, kills their agent
// processes, and waits for the spawned goroutines until ctx expires. The
// event broker closes once the drain finishes.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	log.Info(log.CatPipeline, "orchestrator shutting down", "active_agents", len(o.sup.Active()))
	o.stopRun()
	o.sup.TerminateAll()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.events.Close()
		return nil
	case <-ctx.Done():
		o.events.Close()
		return fmt.Errorf("draining pipelines: %w", ctx.Err())
	}
}

func (o *Orchestrator) spawn(name string, run func(ctx context.Context)) {
	o.runs.Add(1)
	log.SafeGo(name, func() {
		defer o.runs.Done()
		run(o.runCtx)
	})
}

func (o *Orchestrator) publish(eventType pubsub.EventType, t *task.Task) {
	o.events.Publish(eventType, task.NewEvent(uuid.NewString(), t))
}

// notify posts an issue comment. Best effort: failures are logged, never
// raised.
func (o *Orchestrator) notify(issueNumber int, text string) {
	if o.forge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if !o.forge.CommentOnIssue(ctx, issueNumber, text) {
		log.Warn(log.CatPipeline, "issue notification failed", "issue", issueNumber)
	}
}

func (o *Orchestrator) policySnapshot() trigger.Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.policy
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}
