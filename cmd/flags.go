package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/devbot/internal/config"
	"github.com/zjrosen/devbot/internal/flags"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List or toggle feature flags",
	Long: `List or toggle the feature flags in the config file.

Known flags:
  agent-transcripts  mirror each agent attempt's output to the data dir
  webhook-dedupe     drop redelivered webhook events by delivery id
  trigger-reload     apply trigger policy edits without a daemon restart`,
	RunE: runFlagsList,
}

var flagsEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a feature flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setFlag(args[0], true)
	},
}

var flagsDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a feature flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setFlag(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(flagsCmd)
	flagsCmd.AddCommand(flagsEnableCmd, flagsDisableCmd)
}

// configFilePath is where flag and trigger edits are written.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "devbot", "config.yaml")
}

func runFlagsList(_ *cobra.Command, _ []string) error {
	known := []string{flags.FlagAgentTranscripts, flags.FlagWebhookDedupe, flags.FlagTriggerReload}

	names := make(map[string]bool, len(known)+len(cfg.Flags))
	for _, name := range known {
		names[name] = true
	}
	for name := range cfg.Flags {
		names[name] = true
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		state := "off"
		if cfg.Flags[name] {
			state = "on"
		}
		fmt.Printf("%-20s %s\n", name, state)
	}
	return nil
}

func setFlag(name string, enabled bool) error {
	if err := config.SetFlag(configFilePath(), name, enabled, cfg.Flags); err != nil {
		return fmt.Errorf("saving flag: %w", err)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("flag %s %s (takes effect on daemon restart)\n", name, state)
	return nil
}
