// Package supervisor tracks live agent child processes by task ID and
// provides tiered graceful-then-forceful termination.
package supervisor

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/devbot/internal/log"
)

// DefaultGraceWindow is the time a process is given to exit after a graceful
// termination request before it is forcefully killed.
const DefaultGraceWindow = 5 * time.Second

// pollInterval is how often a signalled process is checked for exit.
const pollInterval = 50 * time.Millisecond

// Supervisor tracks at most one child process per task.
// All methods are safe for concurrent use.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*os.Process
	grace time.Duration
}

// New creates a Supervisor with the default grace window.
func New() *Supervisor {
	return NewWithGrace(DefaultGraceWindow)
}

// NewWithGrace creates a Supervisor with a custom grace window.
// A non-positive grace falls back to the default.
func NewWithGrace(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Supervisor{
		procs: make(map[string]*os.Process),
		grace: grace,
	}
}

// Register records proc as the live child for taskID. A previous entry for
// the same task is replaced; the caller is responsible for having stopped it.
func (s *Supervisor) Register(taskID string, proc *os.Process) {
	if proc == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.procs[taskID]; ok {
		log.Warn(log.CatSupervisor, "replacing existing process registration", "task_id", taskID, "pid", proc.Pid)
	}
	s.procs[taskID] = proc
	s.mu.Unlock()
	log.Debug(log.CatSupervisor, "process registered", "task_id", taskID, "pid", proc.Pid)
}

// Unregister removes the record for taskID. Safe to call when absent.
func (s *Supervisor) Unregister(taskID string) {
	s.mu.Lock()
	_, ok := s.procs[taskID]
	delete(s.procs, taskID)
	s.mu.Unlock()
	if ok {
		log.Debug(log.CatSupervisor, "process unregistered", "task_id", taskID)
	}
}

// IsRunning reports whether a registered child for taskID is still alive.
// Entries whose process has already exited are removed on query.
func (s *Supervisor) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[taskID]
	if !ok {
		return false
	}
	if !isProcessAlive(proc.Pid) {
		delete(s.procs, taskID)
		return false
	}
	return true
}

// Active returns the task IDs that currently have a registered process, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Terminate requests graceful termination of the child for taskID and
// escalates to a forceful kill if it does not exit within the grace window.
// It returns true if a live process was terminated, false if there was
// nothing to terminate. Repeated calls converge: once the child is gone the
// entry is removed and further calls return false.
func (s *Supervisor) Terminate(taskID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	pid := proc.Pid
	if !isProcessAlive(pid) {
		s.Unregister(taskID)
		return false
	}

	log.Info(log.CatSupervisor, "terminating process", "task_id", taskID, "pid", pid)
	if err := terminateProcess(pid); err != nil {
		log.Debug(log.CatSupervisor, "graceful signal failed", "task_id", taskID, "pid", pid, "error", err)
	}

	if s.waitForExit(pid, s.grace) {
		s.Unregister(taskID)
		log.Info(log.CatSupervisor, "process exited gracefully", "task_id", taskID, "pid", pid)
		return true
	}

	log.Warn(log.CatSupervisor, "grace window elapsed, killing process", "task_id", taskID, "pid", pid)
	if err := killProcess(pid); err != nil {
		log.Debug(log.CatSupervisor, "kill failed", "task_id", taskID, "pid", pid, "error", err)
	}
	s.waitForExit(pid, s.grace)
	s.Unregister(taskID)
	return true
}

// Kill forcefully terminates the child for taskID without a grace window.
// The registration stays in place; the process owner still reaps and
// unregisters it. Returns true if a live process was signalled.
func (s *Supervisor) Kill(taskID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !isProcessAlive(proc.Pid) {
		return false
	}

	log.Warn(log.CatSupervisor, "killing process", "task_id", taskID, "pid", proc.Pid)
	if err := killProcess(proc.Pid); err != nil {
		log.Debug(log.CatSupervisor, "kill failed", "task_id", taskID, "pid", proc.Pid, "error", err)
		return false
	}
	return true
}

// TerminateAll forcefully kills every registered process. Invoked during
// shutdown; best-effort, errors are logged and ignored.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	snapshot := make(map[string]*os.Process, len(s.procs))
	for id, proc := range s.procs {
		snapshot[id] = proc
	}
	s.procs = make(map[string]*os.Process)
	s.mu.Unlock()

	for id, proc := range snapshot {
		if !isProcessAlive(proc.Pid) {
			continue
		}
		log.Info(log.CatSupervisor, "killing process on shutdown", "task_id", id, "pid", proc.Pid)
		if err := killProcess(proc.Pid); err != nil {
			log.Debug(log.CatSupervisor, "kill failed", "task_id", id, "pid", proc.Pid, "error", err)
		}
	}
}

// waitForExit polls until the process is gone or the timeout elapses.
func (s *Supervisor) waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !isProcessAlive(pid)
}
