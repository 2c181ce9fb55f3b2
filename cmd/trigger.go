package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/devbot/internal/config"
)

var (
	triggerLabel   string
	triggerCommand string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Show the trigger policy",
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Printf("label:   %s\ncommand: %s\n", cfg.Trigger.Label, cfg.Trigger.Command)
		return nil
	},
}

var triggerSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the trigger policy in the config file",
	Long: `Change which platform events begin work.

With the trigger-reload flag enabled, a running daemon applies the new
policy without a restart.`,
	RunE: runTriggerSet,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerSetCmd)

	triggerSetCmd.Flags().StringVar(&triggerLabel, "label", "", "issue label that starts a task")
	triggerSetCmd.Flags().StringVar(&triggerCommand, "command", "", "comment command that starts a task")
}

func runTriggerSet(cmd *cobra.Command, _ []string) error {
	updated := cfg.Trigger
	if cmd.Flags().Changed("label") {
		updated.Label = triggerLabel
	}
	if cmd.Flags().Changed("command") {
		updated.Command = triggerCommand
	}
	if updated.Label == "" && updated.Command == "" {
		return fmt.Errorf("at least one of --label or --command must remain set")
	}

	if err := config.SaveTrigger(configFilePath(), updated); err != nil {
		return fmt.Errorf("saving trigger policy: %w", err)
	}
	fmt.Printf("trigger policy saved: label=%q command=%q\n", updated.Label, updated.Command)
	return nil
}
