package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/devbot/internal/presentation"
	"github.com/zjrosen/devbot/internal/server"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/task"
)

// apiCallTimeout bounds one CLI call against the daemon.
const apiCallTimeout = 10 * time.Second

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and steer development tasks",
	Long: `Inspect and steer development tasks.

list, show and logs read the task database directly and work whether or
not the daemon is up. cancel and retry go through the daemon, which owns
the running agent processes.`,
}

var (
	listStatus string
	listLimit  int
	listOffset int
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Print a task's log history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLogs,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-run a failed or cancelled task on its branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRetry,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskLogsCmd, taskCancelCmd, taskRetryCmd)

	taskListCmd.Flags().StringVar(&listStatus, "status", "",
		"filter by status (pending, running, completed, failed, cancelled)")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of tasks (0 = all)")
	taskListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of tasks to skip")
}

// openTaskStore opens the task database for CLI reads. It refuses to
// create a fresh database: a read against a devbot that never ran should
// say so instead of showing an empty universe.
func openTaskStore() (*store.DB, error) {
	path := cfg.EffectiveDBPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no task database at %s (has the daemon run?)", path)
	}
	return store.NewDB(path)
}

// daemonClient builds an API client for the configured daemon address.
func daemonClient() *server.Client {
	return server.NewAPIClient(server.BaseURLFromAddr(cfg.Server.Addr))
}

func runTaskList(_ *cobra.Command, _ []string) error {
	filter := store.ListFilter{Limit: listLimit, Offset: listOffset}
	if listStatus != "" {
		status := task.Status(listStatus)
		if !status.IsValid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		filter.Status = status
	}

	db, err := openTaskStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tasks, err := db.Tasks().ListTasks(filter)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	dtos := presentation.FromTasks(tasks)
	if jsonOut {
		return presentation.NewFormatter(os.Stdout).FormatTasks(dtos)
	}
	fmt.Println(presentation.RenderTaskTable(dtos))
	return nil
}

func runTaskShow(_ *cobra.Command, args []string) error {
	db, err := openTaskStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	t, err := db.Tasks().GetTask(args[0])
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("task %s not found", args[0])
		}
		return fmt.Errorf("loading task: %w", err)
	}

	detail := presentation.FromTaskDetail(t)
	if jsonOut {
		return presentation.NewFormatter(os.Stdout).FormatTask(detail)
	}
	fmt.Println(presentation.RenderTaskDetail(detail))
	return nil
}

func runTaskLogs(_ *cobra.Command, args []string) error {
	db, err := openTaskStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	repo := db.Tasks()
	if _, err := repo.GetTask(args[0]); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("task %s not found", args[0])
		}
		return fmt.Errorf("loading task: %w", err)
	}

	logs, err := repo.ReadLogsSince(args[0], 0)
	if err != nil {
		return fmt.Errorf("reading logs: %w", err)
	}

	dtos := presentation.FromLogs(logs)
	if jsonOut {
		return presentation.NewFormatter(os.Stdout).FormatLogs(dtos)
	}
	fmt.Println(presentation.RenderLogs(dtos))
	return nil
}

func runTaskCancel(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiCallTimeout)
	defer cancel()

	dto, err := daemonClient().CancelTask(ctx, args[0])
	if err != nil {
		return daemonError(err)
	}

	if jsonOut {
		return presentation.NewFormatter(os.Stdout).FormatTaskSummary(*dto)
	}
	fmt.Printf("task %s cancelled\n", dto.ID)
	return nil
}

func runTaskRetry(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiCallTimeout)
	defer cancel()

	dto, err := daemonClient().RetryTask(ctx, args[0])
	if err != nil {
		return daemonError(err)
	}

	if jsonOut {
		return presentation.NewFormatter(os.Stdout).FormatTaskSummary(*dto)
	}
	fmt.Printf("task %s queued for retry (attempt %d of %d)\n", dto.ID, dto.RetryCount, dto.MaxRetries)
	return nil
}

// daemonError adds a startup hint when the daemon could not be reached
// at all. Errors the daemon itself returned pass through unchanged.
func daemonError(err error) error {
	var apiErr *server.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%w\nIs the daemon running? Start it with 'devbot serve'.", err)
}
