// Package pipeline drives one task through the staged development flow:
// prepare a feature branch, run the AI agent, commit what it left behind,
// push, open a change proposal, and finalize the task record. A
// concurrency permit is held across the whole flow and released on every
// exit path, panics included.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/devbot/internal/agent"
	"github.com/zjrosen/devbot/internal/forge"
	"github.com/zjrosen/devbot/internal/gate"
	"github.com/zjrosen/devbot/internal/gitops"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/metrics"
	"github.com/zjrosen/devbot/internal/pubsub"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/task"
	"github.com/zjrosen/devbot/internal/tracing"
)

const notifyTimeout = 30 * time.Second

// Agent runs the AI coding agent for a task.
type Agent interface {
	Run(ctx context.Context, t *task.Task) agent.Outcome
}

// Config assembles the executor's collaborators. Store, Gate, Agent, Git
// and Forge are required; Events and Tracer are optional.
type Config struct {
	Store *store.TaskRepository
	Gate  *gate.Gate
	Agent Agent
	Git   gitops.Client
	Forge forge.Client

	Events *pubsub.Broker[task.Event]
	Tracer trace.Tracer

	// CommitTemplate is the safety-net commit message; {issue_title} is
	// expanded per task.
	CommitTemplate string
	// DefaultBranch is the proposal base.
	DefaultBranch string
	// MaxTaskRetries is the retry budget stamped on new tasks.
	MaxTaskRetries int
}

// Executor runs pipelines. One Executor serves the whole daemon; each
// call to Execute or ExecuteRetry drives a single task.
type Executor struct {
	store          *store.TaskRepository
	gate           *gate.Gate
	agent          Agent
	git            gitops.Client
	forge          forge.Client
	events         *pubsub.Broker[task.Event]
	tracer         trace.Tracer
	commitTemplate string
	defaultBranch  string
	maxRetries     int
}

// NewExecutor builds an Executor, filling in defaults for the optional
// configuration.
func NewExecutor(cfg Config) *Executor {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	commitTemplate := cfg.CommitTemplate
	if commitTemplate == "" {
		commitTemplate = "AI: {issue_title}"
	}
	defaultBranch := cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	maxRetries := cfg.MaxTaskRetries
	if maxRetries <= 0 {
		maxRetries = task.DefaultMaxRetries
	}
	metrics.GateCapacity.Set(float64(cfg.Gate.Stats().Max))
	return &Executor{
		store:          cfg.Store,
		gate:           cfg.Gate,
		agent:          cfg.Agent,
		git:            cfg.Git,
		forge:          cfg.Forge,
		events:         cfg.Events,
		tracer:         tracer,
		commitTemplate: commitTemplate,
		defaultBranch:  defaultBranch,
		maxRetries:     maxRetries,
	}
}

// Execute runs the full flow for a fresh task on the issue. The returned
// error covers infrastructure failures only; a task that ran and failed
// carries its outcome on the record instead.
func (e *Executor) Execute(ctx context.Context, taskID string, issue task.Issue) error {
	if err := e.acquire(ctx, taskID); err != nil {
		return err
	}
	defer e.release()
	defer e.recoverFailure(taskID)

	ctx, span := e.tracer.Start(ctx, tracing.SpanPipelineRun, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.Int(tracing.AttrIssueNumber, issue.Number),
	))
	defer span.End()

	// The branch is prepared before the task is persisted so the record
	// carries the resolved name. A branch failure is still recorded: the
	// task is created, moved to running, and failed with the cause.
	branch, branchErr := e.prepareBranch(ctx, issue.Number)
	span.SetAttributes(attribute.String(tracing.AttrBranch, branch))

	t := task.New(taskID, issue, branch, e.maxRetries, time.Now())
	if err := e.store.CreateTask(t); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating task %s: %w", taskID, err)
	}
	e.publish(pubsub.CreatedEvent, t)

	t, cancelled, err := e.transition(t.ID, task.StatusRunning)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cancelled {
		log.Info(log.CatPipeline, "task cancelled before start", "task_id", taskID)
		return nil
	}

	if branchErr != nil {
		e.failRun(ctx, t, fmt.Sprintf("preparing branch: %v", branchErr))
		return nil
	}
	e.runStages(ctx, span, t)
	return nil
}

// ExecuteRetry re-runs the flow for a task the store already re-pended.
// The recorded branch is reused when it still exists and re-created when
// it vanished since the previous attempt.
func (e *Executor) ExecuteRetry(ctx context.Context, taskID string) error {
	if err := e.acquire(ctx, taskID); err != nil {
		return err
	}
	defer e.release()
	defer e.recoverFailure(taskID)

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s for retry: %w", taskID, err)
	}
	if t.Status != task.StatusPending {
		log.Warn(log.CatPipeline, "retry skipped, task no longer pending",
			"task_id", taskID, "status", string(t.Status))
		return nil
	}

	ctx, span := e.tracer.Start(ctx, tracing.SpanPipelineRun, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.Int(tracing.AttrIssueNumber, t.IssueNumber),
		attribute.Int("task.retry_count", t.RetryCount),
	))
	defer span.End()

	branchErr := e.restoreBranch(ctx, t)

	t, cancelled, err := e.transition(t.ID, task.StatusRunning)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cancelled {
		log.Info(log.CatPipeline, "retry cancelled before start", "task_id", taskID)
		return nil
	}

	if branchErr != nil {
		e.failRun(ctx, t, fmt.Sprintf("preparing branch: %v", branchErr))
		return nil
	}
	e.runStages(ctx, span, t)
	return nil
}

// runStages drives a running task to a terminal state. Failures are
// recorded on the task, never returned.
func (e *Executor) runStages(ctx context.Context, span trace.Span, t *task.Task) {
	e.taskLog(t.ID, task.LogInfo, fmt.Sprintf("working on branch %s", t.BranchName))

	out, cancelled := e.runAgent(ctx, t)
	if cancelled {
		e.finishCancelled(ctx, t)
		return
	}
	if !out.Success {
		e.failRun(ctx, t, out.FailureReason())
		return
	}
	e.taskLog(t.ID, task.LogInfo, fmt.Sprintf("agent succeeded after %d attempt(s)", out.Attempts))

	if err := e.publishBranch(ctx, t); err != nil {
		e.failRun(ctx, t, err.Error())
		return
	}

	proposal, err := e.openProposal(ctx, t, out)
	if err != nil {
		e.failRun(ctx, t, err.Error())
		return
	}
	if proposal != nil {
		span.SetAttributes(attribute.Int(tracing.AttrProposalNumber, proposal.Number))
	}

	e.finishCompleted(ctx, t, out, proposal)
}

// prepareBranch creates the feature branch for a first run.
func (e *Executor) prepareBranch(ctx context.Context, issueNumber int) (string, error) {
	_, span := e.tracer.Start(ctx, tracing.SpanStagePrefix+"branch")
	defer span.End()

	branch, err := e.git.CreateFeatureBranch(issueNumber)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String(tracing.AttrBranch, branch))
	return branch, nil
}

// restoreBranch checks out the task's recorded branch for a retry,
// re-creating it when it no longer exists.
func (e *Executor) restoreBranch(ctx context.Context, t *task.Task) error {
	_, span := e.tracer.Start(ctx, tracing.SpanStagePrefix+"branch")
	defer span.End()

	if t.BranchName != "" && e.git.BranchExists(t.BranchName) {
		if err := e.git.CheckoutBranch(t.BranchName); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		e.taskLog(t.ID, task.LogInfo, fmt.Sprintf("reusing branch %s", t.BranchName))
		return nil
	}

	branch, err := e.git.CreateFeatureBranch(t.IssueNumber)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := e.store.UpdateBranch(t.ID, branch); err != nil {
		return err
	}
	t.BranchName = branch
	span.SetAttributes(attribute.String(tracing.AttrBranch, branch))
	return nil
}

// runAgent executes the agent stage. The bool reports cancellation.
func (e *Executor) runAgent(ctx context.Context, t *task.Task) (agent.Outcome, bool) {
	stageCtx, span := e.tracer.Start(ctx, tracing.SpanStagePrefix+"agent")
	defer span.End()

	out := e.agent.Run(stageCtx, t)
	span.SetAttributes(
		attribute.Int(tracing.AttrAttempt, out.Attempts),
		attribute.Int(tracing.AttrExitCode, out.ExitCode),
	)
	if out.Cancelled {
		return out, true
	}
	if !out.Success {
		span.SetStatus(codes.Error, out.FailureReason())
	}
	return out, false
}

// publishBranch commits anything the agent left unstaged and pushes the
// feature branch.
func (e *Executor) publishBranch(ctx context.Context, t *task.Task) error {
	_, span := e.tracer.Start(ctx, tracing.SpanStagePrefix+"publish")
	defer span.End()

	dirty, err := e.git.HasUncommittedChanges()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checking working tree: %w", err)
	}
	if dirty {
		committed, err := e.git.CommitAll(renderCommitMessage(e.commitTemplate, t.IssueTitle))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("committing agent changes: %w", err)
		}
		if committed {
			e.taskLog(t.ID, task.LogInfo, "committed changes the agent left unstaged")
		}
	}

	if err := e.git.Push(t.BranchName); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("pushing %s: %w", t.BranchName, err)
	}
	e.taskLog(t.ID, task.LogInfo, fmt.Sprintf("pushed %s", t.BranchName))
	return nil
}

// openProposal opens the change proposal for the pushed branch. When the
// platform reports no commits between the branches, an existing proposal
// from an earlier attempt is adopted; with none to adopt, the run
// completes without a proposal. A nil, nil return means exactly that.
func (e *Executor) openProposal(ctx context.Context, t *task.Task, out agent.Outcome) (*forge.Proposal, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanStagePrefix+"proposal")
	defer span.End()

	if rl, err := e.forge.RateLimit(ctx); err == nil && rl.Exhausted() {
		err := fmt.Errorf("platform rate limit exhausted, resets at %s", rl.ResetAt.UTC().Format(time.RFC3339))
		span.SetStatus(codes.Error, err.Error())
		metrics.Proposals.WithLabelValues("failed").Inc()
		return nil, err
	}

	p, err := e.forge.CreateProposal(ctx, t.BranchName, e.defaultBranch,
		proposalTitle(t.IssueTitle), proposalBody(t, out))
	if err == nil {
		span.SetAttributes(attribute.Int(tracing.AttrProposalNumber, p.Number))
		metrics.Proposals.WithLabelValues("created").Inc()
		e.taskLog(t.ID, task.LogInfo, fmt.Sprintf("opened proposal #%d: %s", p.Number, p.URL))
		return p, nil
	}
	if !errors.Is(err, forge.ErrNoCommitsBetweenBranches) {
		span.SetStatus(codes.Error, err.Error())
		metrics.Proposals.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("opening proposal: %w", err)
	}

	e.taskLog(t.ID, task.LogWarning,
		fmt.Sprintf("no commits between %s and %s", e.defaultBranch, t.BranchName))
	existing, listErr := e.forge.ProposalsForBranch(ctx, t.BranchName)
	if listErr != nil {
		log.Warn(log.CatPipeline, "listing existing proposals failed",
			"task_id", t.ID, "branch", t.BranchName, "error", listErr)
	}
	if len(existing) > 0 {
		p := existing[0]
		metrics.Proposals.WithLabelValues("adopted").Inc()
		e.taskLog(t.ID, task.LogInfo, fmt.Sprintf("adopting existing proposal #%d: %s", p.Number, p.URL))
		return &p, nil
	}

	metrics.Proposals.WithLabelValues("skipped").Inc()
	e.taskLog(t.ID, task.LogWarning, "completing without a proposal: branch matches "+e.defaultBranch)
	return nil, nil
}

// finishCompleted records the successful terminal state and notifies the
// issue.
func (e *Executor) finishCompleted(ctx context.Context, t *task.Task, out agent.Outcome, proposal *forge.Proposal) {
	opts := []store.TransitionOption{
		store.WithSuccess(true),
		store.WithExecutionTime(e.elapsed(t)),
	}
	if out.Text != "" {
		opts = append(opts, store.WithSummary(out.Text))
	}
	if proposal != nil {
		opts = append(opts, store.WithProposal(proposal.Number, proposal.URL))
	}

	updated, cancelled, err := e.transition(t.ID, task.StatusCompleted, opts...)
	if err != nil {
		log.ErrorErr(log.CatPipeline, "recording task completion", err, "task_id", t.ID)
		return
	}
	if cancelled {
		log.Info(log.CatPipeline, "completion superseded by cancellation", "task_id", t.ID)
		return
	}

	metrics.PipelineRunSeconds.Observe(updated.ExecutionTimeSeconds)
	log.Info(log.CatPipeline, "pipeline completed",
		"task_id", t.ID, "issue", t.IssueNumber, "seconds", updated.ExecutionTimeSeconds)

	if proposal != nil {
		e.notify(ctx, t.IssueNumber,
			fmt.Sprintf("AI development finished for this issue. Review the changes in %s.", proposal.URL))
	} else {
		e.notify(ctx, t.IssueNumber,
			"AI development finished, but the branch does not differ from "+e.defaultBranch+"; no proposal was opened.")
	}
}

// failRun records a terminal failure. A concurrent cancellation wins: if
// the task is already cancelled the failure outcome is dropped.
func (e *Executor) failRun(ctx context.Context, t *task.Task, reason string) {
	updated, cancelled, err := e.transition(t.ID, task.StatusFailed,
		store.WithSuccess(false),
		store.WithErrorMessage(reason),
		store.WithExecutionTime(e.elapsed(t)))
	if err != nil {
		log.ErrorErr(log.CatPipeline, "recording task failure", err, "task_id", t.ID)
		return
	}
	if cancelled {
		log.Info(log.CatPipeline, "failure superseded by cancellation", "task_id", t.ID)
		return
	}

	metrics.PipelineRunSeconds.Observe(updated.ExecutionTimeSeconds)
	log.Warn(log.CatPipeline, "pipeline failed", "task_id", t.ID, "reason", reason)

	msg := fmt.Sprintf("AI development failed: %s.", reason)
	if updated.RetryCount < updated.MaxRetries {
		msg += fmt.Sprintf(" Retry with `devbot task retry %s`.", t.ID)
	}
	e.notify(ctx, t.IssueNumber, msg)
}

// finishCancelled settles the record after the agent observed a
// cancellation. The cancel operation usually moved the task already and
// posts the issue notice itself; this covers the shutdown path where
// only the run context died.
func (e *Executor) finishCancelled(_ context.Context, t *task.Task) {
	cur, err := e.store.GetTask(t.ID)
	if err != nil {
		log.ErrorErr(log.CatPipeline, "loading cancelled task", err, "task_id", t.ID)
		return
	}
	if !cur.IsTerminal() {
		if _, _, err := e.transition(t.ID, task.StatusCancelled,
			store.WithErrorMessage("cancelled"),
			store.WithExecutionTime(e.elapsed(t))); err != nil {
			log.ErrorErr(log.CatPipeline, "recording task cancellation", err, "task_id", t.ID)
			return
		}
	}
	log.Info(log.CatPipeline, "pipeline cancelled", "task_id", t.ID)
}

// transition applies a status change and reports whether the task turned
// out to be cancelled elsewhere instead.
func (e *Executor) transition(taskID string, target task.Status, opts ...store.TransitionOption) (*task.Task, bool, error) {
	updated, err := e.store.Transition(taskID, target, opts...)
	if err == nil {
		metrics.TaskTransitions.WithLabelValues(string(target)).Inc()
		e.publish(pubsub.UpdatedEvent, updated)
		return updated, false, nil
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		cur, getErr := e.store.GetTask(taskID)
		if getErr == nil && cur.Status == task.StatusCancelled {
			return cur, true, nil
		}
	}
	return nil, false, fmt.Errorf("transitioning task %s to %s: %w", taskID, target, err)
}

// notify posts an issue comment. Best effort: failures are logged, never
// raised, and a dying run context does not block the notice.
func (e *Executor) notify(ctx context.Context, issueNumber int, text string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if !e.forge.CommentOnIssue(nctx, issueNumber, text) {
		log.Warn(log.CatPipeline, "issue notification failed", "issue", issueNumber)
	}
}

func (e *Executor) publish(eventType pubsub.EventType, t *task.Task) {
	if e.events == nil {
		return
	}
	e.events.Publish(eventType, task.NewEvent(uuid.NewString(), t))
}

func (e *Executor) taskLog(taskID string, level task.LogLevel, message string) {
	if _, err := e.store.AppendLog(taskID, level, message); err != nil {
		log.Warn(log.CatPipeline, "appending task log failed", "task_id", taskID, "error", err)
	}
}

func (e *Executor) acquire(ctx context.Context, taskID string) error {
	log.Debug(log.CatGate, "waiting for pipeline slot", "task_id", taskID)
	if err := e.gate.Acquire(ctx); err != nil {
		return fmt.Errorf("acquiring pipeline slot for %s: %w", taskID, err)
	}
	metrics.GateInFlight.Set(float64(e.gate.InFlight()))
	return nil
}

func (e *Executor) release() {
	e.gate.Release()
	metrics.GateInFlight.Set(float64(e.gate.InFlight()))
}

// recoverFailure converts a pipeline panic into a recorded failure so
// the task does not stay running forever.
func (e *Executor) recoverFailure(taskID string) {
	r := recover()
	if r == nil {
		return
	}
	log.Error(log.CatPipeline, "pipeline panicked", "task_id", taskID, "panic", fmt.Sprint(r))
	if _, err := e.store.Transition(taskID, task.StatusFailed,
		store.WithSuccess(false),
		store.WithErrorMessage(fmt.Sprintf("internal error: %v", r))); err != nil {
		log.ErrorErr(log.CatPipeline, "recording panic failure", err, "task_id", taskID)
	}
}

// elapsed measures execution time from the running transition.
func (e *Executor) elapsed(t *task.Task) float64 {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt).Seconds()
}

func proposalTitle(issueTitle string) string {
	return "AI: " + issueTitle
}

func proposalBody(t *task.Task, out agent.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated changes for #%d.\n", t.IssueNumber)
	if out.Text != "" {
		b.WriteString("\n## Summary\n\n")
		b.WriteString(out.Text)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n---\nTask: %s | Agent attempts: %d\n", t.ID, out.Attempts)
	return b.String()
}

func renderCommitMessage(template, issueTitle string) string {
	return strings.ReplaceAll(template, "{issue_title}", issueTitle)
}
