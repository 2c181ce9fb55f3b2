// Package agent runs the AI coding agent as a subprocess and folds its
// stream-json output into a structured outcome. Each run may span several
// attempts with exponential backoff; every process is registered with the
// supervisor so timeouts and shutdown can kill it.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/devbot/internal/config"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/metrics"
	"github.com/zjrosen/devbot/internal/supervisor"
	"github.com/zjrosen/devbot/internal/task"
)

const (
	scanBufferInitial = 64 * 1024
	scanBufferMax     = 1024 * 1024
	stderrTailLines   = 20
	maxBackoff        = 10 * time.Second
)

// TaskReader is the slice of the task store the runner needs: cancellation
// checks and the per-attempt activity log.
type TaskReader interface {
	GetTask(taskID string) (*task.Task, error)
	AppendLog(taskID string, level task.LogLevel, message string) (int64, error)
}

// Outcome describes one agent run after all attempts.
type Outcome struct {
	Success   bool
	Cancelled bool
	TimedOut  bool
	ExitCode  int
	Attempts  int

	// Text is the aggregated assistant output, the task's development summary.
	Text       string
	StderrTail string

	ToolUses   []string
	CostUSD    float64
	DurationMs int64
	Turns      int
	SessionID  string

	ParseErrors    []string
	UnknownRecords int
	ErrorMessage   string
}

// FailureReason renders a short human-readable cause for a failed run.
func (o Outcome) FailureReason() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.ErrorMessage != "":
		return o.ErrorMessage
	default:
		return fmt.Sprintf("agent exited with code %d", o.ExitCode)
	}
}

// outcomeLabel classifies an attempt for the metrics counter.
func outcomeLabel(o Outcome) string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.TimedOut:
		return "timeout"
	case o.Success:
		return "success"
	default:
		return "failure"
	}
}

// Runner spawns the agent binary in the repository working tree.
type Runner struct {
	cfg           config.AgentConfig
	workDir       string
	store         TaskReader
	sup           *supervisor.Supervisor
	transcriptDir string
}

// NewRunner builds a Runner. transcriptDir may be empty to disable
// transcript capture.
func NewRunner(cfg config.AgentConfig, workDir string, store TaskReader, sup *supervisor.Supervisor, transcriptDir string) *Runner {
	return &Runner{
		cfg:           cfg,
		workDir:       workDir,
		store:         store,
		sup:           sup,
		transcriptDir: transcriptDir,
	}
}

// Run executes the agent for a task, retrying failed attempts up to the
// configured budget. It returns early on success or cancellation; a
// cancelled run is never retried.
func (r *Runner) Run(ctx context.Context, t *task.Task) Outcome {
	attempts := r.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var out Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if !sleepContext(ctx, backoffDelay(attempt-1)) {
				out.Cancelled = true
				return out
			}
		}
		if ctx.Err() != nil || r.taskCancelled(t.ID) {
			out.Cancelled = true
			return out
		}

		r.taskLog(t.ID, task.LogInfo, fmt.Sprintf("starting agent (attempt %d of %d)", attempt, attempts))
		started := time.Now()
		out = r.runOnce(ctx, t)
		out.Attempts = attempt
		metrics.AgentAttemptSeconds.Observe(time.Since(started).Seconds())
		metrics.AgentAttempts.WithLabelValues(outcomeLabel(out)).Inc()

		if out.Cancelled || out.Success {
			break
		}
		r.taskLog(t.ID, task.LogWarning,
			fmt.Sprintf("agent attempt %d of %d failed: %s", attempt, attempts, out.FailureReason()))
	}
	return out
}

// runOnce performs a single attempt: spawn, stream, wait, classify.
func (r *Runner) runOnce(ctx context.Context, t *task.Task) Outcome {
	tmpl, err := LoadPromptTemplate(r.cfg.PromptFile)
	if err != nil {
		return Outcome{ExitCode: -1, ErrorMessage: err.Error()}
	}
	prompt, err := renderPrompt(tmpl, t)
	if err != nil {
		return Outcome{ExitCode: -1, ErrorMessage: err.Error()}
	}

	attemptCtx := ctx
	cancel := func() {}
	if timeout := r.cfg.Timeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(attemptCtx, r.cfg.Path, buildArgs(prompt, r.cfg.SkipPermissions)...)
	cmd.Dir = r.workDir
	// On timeout or cancellation the supervisor kills the registered
	// process; the direct kill covers the window before registration.
	cmd.Cancel = func() error {
		if r.sup.Kill(t.ID) {
			return nil
		}
		return cmd.Process.Kill()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{ExitCode: -1, ErrorMessage: fmt.Sprintf("creating stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{ExitCode: -1, ErrorMessage: fmt.Sprintf("creating stderr pipe: %v", err)}
	}

	var transcript *TranscriptWriter
	if r.transcriptDir != "" {
		transcript, err = OpenTranscript(r.transcriptDir, t.ID)
		if err != nil {
			log.Warn(log.CatAgent, "transcript unavailable, continuing without", "task_id", t.ID, "error", err)
			transcript = nil
		}
	}

	log.Info(log.CatAgent, "spawning agent",
		"task_id", t.ID, "path", r.cfg.Path, "dir", r.workDir, "timeout", r.cfg.Timeout())

	if err := cmd.Start(); err != nil {
		if transcript != nil {
			_ = transcript.Close()
		}
		return Outcome{ExitCode: -1, ErrorMessage: fmt.Sprintf("starting agent: %v", err)}
	}

	r.sup.Register(t.ID, cmd.Process)
	defer r.sup.Unregister(t.ID)

	parser := &streamParser{}
	tail := &stderrTail{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)
		for scanner.Scan() {
			line := scanner.Bytes()
			if transcript != nil {
				transcript.WriteLine(line)
			}
			parser.consume(line)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)
		for scanner.Scan() {
			tail.add(scanner.Text())
		}
	}()

	// Drain both pipes before Wait; Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	if transcript != nil {
		if err := transcript.Close(); err != nil {
			log.Warn(log.CatAgent, "closing transcript failed", "task_id", t.ID, "error", err)
		}
		if n := transcript.WriteErrors(); n > 0 {
			log.Warn(log.CatAgent, "transcript lost lines", "task_id", t.ID, "write_errors", n)
		}
	}

	out := parser.outcome()
	out.ExitCode = exitCode(waitErr)
	out.StderrTail = tail.String()

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.TimedOut = true
		out.ErrorMessage = fmt.Sprintf("agent timed out after %s", r.cfg.Timeout())
	}
	if ctx.Err() != nil || r.taskCancelled(t.ID) {
		out.Cancelled = true
	}
	out.Success = out.ExitCode == 0 && !parser.sawError && !out.TimedOut

	if out.Success && out.Text == "" {
		r.taskLog(t.ID, task.LogWarning, "agent produced no summary text")
	}

	log.Info(log.CatAgent, "agent finished",
		"task_id", t.ID,
		"exit_code", out.ExitCode,
		"success", out.Success,
		"timed_out", out.TimedOut,
		"cancelled", out.Cancelled,
		"turns", out.Turns,
		"cost_usd", out.CostUSD,
		"parse_errors", len(out.ParseErrors),
		"unknown_records", out.UnknownRecords)
	return out
}

func (r *Runner) taskCancelled(taskID string) bool {
	current, err := r.store.GetTask(taskID)
	if err != nil {
		log.Warn(log.CatAgent, "cancellation check failed", "task_id", taskID, "error", err)
		return false
	}
	return current.Status == task.StatusCancelled
}

func (r *Runner) taskLog(taskID string, level task.LogLevel, message string) {
	if _, err := r.store.AppendLog(taskID, level, message); err != nil {
		log.Warn(log.CatAgent, "appending task log failed", "task_id", taskID, "error", err)
	}
}

// buildArgs assembles the agent command line. The prompt travels as a single
// argument; stream-json keeps stdout machine-readable.
func buildArgs(prompt string, skipPermissions bool) []string {
	args := []string{
		"--prompt", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if skipPermissions {
		args = append(args, "--skip-permissions")
	}
	return args
}

// backoffDelay returns the pause before retry attempt+1, doubling per
// completed attempt and capped at 10s.
func backoffDelay(attempt int) time.Duration {
	if attempt > 3 {
		return maxBackoff
	}
	d := time.Duration(1<<attempt) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type stderrTail struct {
	lines []string
}

func (t *stderrTail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTailLines {
		t.lines = t.lines[1:]
	}
}

func (t *stderrTail) String() string {
	return strings.Join(t.lines, "\n")
}
