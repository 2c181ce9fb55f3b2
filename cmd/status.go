package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/devbot/internal/forge/github"
	"github.com/zjrosen/devbot/internal/presentation"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report task counts, pipeline occupancy, and API quota",
	Long: `Report the state of this devbot installation: task counts per status,
the daemon's pipeline gate occupancy when it is reachable, and the forge
API quota when a token is configured.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiCallTimeout)
	defer cancel()

	status := presentation.StatusDTO{DBPath: cfg.EffectiveDBPath()}

	// Prefer the daemon's view, which includes gate occupancy. Without a
	// daemon the store still answers the task counts.
	if apiStats, err := daemonClient().Stats(ctx); err == nil {
		status.Stats = apiStats.Tasks
		status.Gate = apiStats.Gate
	} else {
		db, dbErr := openTaskStore()
		if dbErr != nil {
			return fmt.Errorf("daemon unreachable and %w", dbErr)
		}
		defer func() { _ = db.Close() }()

		stats, statsErr := db.Tasks().Stats()
		if statsErr != nil {
			return fmt.Errorf("reading stats: %w", statsErr)
		}
		status.Stats = presentation.FromStats(stats)
	}

	if cfg.Forge.Token != "" {
		if rate, err := github.NewClient(cfg.Forge).RateLimit(ctx); err == nil {
			dto := presentation.FromRateLimit(rate)
			status.RateLimit = &dto
		}
	}

	if jsonOut {
		return presentation.NewFormatter(os.Stdout).FormatStatus(status)
	}
	fmt.Println(presentation.RenderStatus(status))
	return nil
}
