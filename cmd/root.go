// Package cmd wires the devbot command tree: the serve daemon plus the
// operator commands for inspecting and steering tasks.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/devbot/internal/config"
)

var (
	version = "dev"
	cfgFile string
	jsonOut bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "devbot",
	Short: "Issue-driven AI development automation",
	Long: `Devbot turns code-host issues into working branches and proposals.
The daemon (devbot serve) receives platform webhooks, runs an AI agent
against the repository for each triggering issue, and opens a proposal
with the result. The task and status commands inspect and steer that work.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./devbot.yaml, then ~/.config/devbot/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false,
		"emit machine-readable JSON instead of rendered text")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("max_concurrent", defaults.MaxConcurrent)
	viper.SetDefault("branch_template", defaults.BranchTemplate)
	viper.SetDefault("commit_template", defaults.CommitTemplate)
	viper.SetDefault("trigger.label", defaults.Trigger.Label)
	viper.SetDefault("trigger.command", defaults.Trigger.Command)
	viper.SetDefault("agent.path", defaults.Agent.Path)
	viper.SetDefault("agent.timeout_seconds", defaults.Agent.TimeoutSeconds)
	viper.SetDefault("agent.max_retries", defaults.Agent.MaxRetries)
	viper.SetDefault("repository.default_branch", defaults.Repository.DefaultBranch)
	viper.SetDefault("repository.remote", defaults.Repository.Remote)
	viper.SetDefault("forge.base_url", defaults.Forge.BaseURL)
	viper.SetDefault("forge.requests_per_second", defaults.Forge.RequestsPerSecond)
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. ./devbot.yaml (current directory)
		// 2. ~/.config/devbot/config.yaml (user config)
		if _, err := os.Stat("devbot.yaml"); err == nil {
			viper.SetConfigFile("devbot.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "devbot"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - write the commented template to
		// the user config dir so the operator has something to edit.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if home, homeErr := os.UserHomeDir(); homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "devbot", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
				// If write fails, just continue with defaults (no config file)
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	// The forge token usually should not live in a file on disk.
	if token := os.Getenv("DEVBOT_FORGE_TOKEN"); token != "" {
		cfg.Forge.Token = token
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
