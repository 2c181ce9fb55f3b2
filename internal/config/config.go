// Package config provides configuration types and defaults for devbot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/devbot/internal/log"
)

// Config holds all configuration options for devbot.
type Config struct {
	// DataDir is the root directory for devbot state (database, transcripts).
	// Default: ~/.local/share/devbot
	DataDir string `mapstructure:"data_dir"`

	// DBPath overrides the task database location.
	// Default: <data_dir>/devbot.db
	DBPath string `mapstructure:"db_path"`

	// MaxConcurrent caps how many pipelines may run at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// BranchTemplate names the feature branch created per task.
	// Placeholders: {issue_number}, {timestamp}
	BranchTemplate string `mapstructure:"branch_template"`

	// CommitTemplate is the safety-net commit message.
	// Placeholder: {issue_title}
	CommitTemplate string `mapstructure:"commit_template"`

	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Forge      ForgeConfig      `mapstructure:"forge"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Flags      map[string]bool  `mapstructure:"flags"`
}

// TriggerConfig decides which platform events begin work.
type TriggerConfig struct {
	// Label starts a task when added to an issue.
	Label string `mapstructure:"label"`
	// Command starts a task when it appears in an issue comment
	// (case-insensitive substring match).
	Command string `mapstructure:"command"`
}

// AgentConfig holds settings for the AI agent subprocess.
type AgentConfig struct {
	// Path is the agent binary, resolved via PATH if not absolute.
	Path string `mapstructure:"path"`
	// TimeoutSeconds is the wall-clock limit per attempt.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaxRetries is the number of attempts per run.
	MaxRetries int `mapstructure:"max_retries"`
	// SkipPermissions passes --skip-permissions to the agent.
	SkipPermissions bool `mapstructure:"skip_permissions"`
	// PromptFile overrides the embedded development prompt template.
	// Re-read on every attempt, so edits apply to the next run.
	PromptFile string `mapstructure:"prompt_file"`
}

// Timeout returns the per-attempt timeout as a duration.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RepositoryConfig holds settings for the local working tree.
type RepositoryConfig struct {
	// Path is the checkout the agent works in.
	Path string `mapstructure:"path"`
	// DefaultBranch is the base for feature branches and proposals.
	DefaultBranch string `mapstructure:"default_branch"`
	// Remote receives pushed feature branches.
	Remote string `mapstructure:"remote"`
}

// ForgeConfig holds settings for the code-hosting platform API.
type ForgeConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
	// RequestsPerSecond throttles outbound API calls.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// ServerConfig holds settings for the HTTP ingress.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// WebhookSecret enables HMAC signature verification when set.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the minimum severity: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// File receives log output; empty means stderr.
	File string `mapstructure:"file"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "file", "otlp"
	Exporter string `mapstructure:"exporter"`
	// Endpoint is the collector address for the "otlp" exporter.
	Endpoint string `mapstructure:"endpoint"`
	// FilePath receives JSONL spans for the "file" exporter.
	// Default: <data_dir>/traces.jsonl
	FilePath string `mapstructure:"file_path"`
}

// DefaultDataDir returns the default devbot state directory.
// Returns ~/.local/share/devbot or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "devbot")
}

// EffectiveDBPath returns DBPath, or the default location under DataDir.
func (c Config) EffectiveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "devbot.db")
}

// TranscriptDir returns where agent NDJSON transcripts are mirrored.
func (c Config) TranscriptDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}

// EffectiveTraceFile returns the trace output path for the "file"
// exporter, defaulting to <data_dir>/traces.jsonl.
func (c Config) EffectiveTraceFile() string {
	if c.Tracing.FilePath != "" {
		return c.Tracing.FilePath
	}
	return filepath.Join(c.DataDir, "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir:        DefaultDataDir(),
		DBPath:         "", // Derived from data_dir at runtime
		MaxConcurrent:  1,
		BranchTemplate: "ai/feature-{issue_number}-{timestamp}",
		CommitTemplate: "AI: {issue_title}",
		Trigger: TriggerConfig{
			Label:   "ai-develop",
			Command: "/develop",
		},
		Agent: AgentConfig{
			Path:            "claude",
			TimeoutSeconds:  1800,
			MaxRetries:      2,
			SkipPermissions: false,
		},
		Repository: RepositoryConfig{
			DefaultBranch: "main",
			Remote:        "origin",
		},
		Forge: ForgeConfig{
			BaseURL:           "https://api.github.com",
			RequestsPerSecond: 5,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Exporter: "none",
			Endpoint: "localhost:4317",
		},
		Flags: map[string]bool{},
	}
}

// Validate checks the configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func Validate(cfg Config) error {
	if cfg.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative, got %d", cfg.MaxConcurrent)
	}
	if err := ValidateAgent(cfg.Agent); err != nil {
		return err
	}
	if err := ValidateForge(cfg.Forge); err != nil {
		return err
	}
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateAgent checks agent configuration for errors.
func ValidateAgent(agent AgentConfig) error {
	if agent.TimeoutSeconds < 0 {
		return fmt.Errorf("agent.timeout_seconds must not be negative, got %d", agent.TimeoutSeconds)
	}
	if agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must not be negative, got %d", agent.MaxRetries)
	}
	return nil
}

// ValidateForge checks forge configuration for errors.
func ValidateForge(forge ForgeConfig) error {
	if forge.RequestsPerSecond < 0 {
		return fmt.Errorf("forge.requests_per_second must not be negative, got %v", forge.RequestsPerSecond)
	}
	return nil
}

// ValidateLog checks logging configuration for errors.
func ValidateLog(lc LogConfig) error {
	if lc.Level != "" {
		switch lc.Level {
		case "debug", "info", "warn", "warning", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", lc.Level)
		}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "stdout", "file", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\", \"file\", or \"otlp\", got %q", tracing.Exporter)
		}
	}
	if tracing.Exporter == "otlp" && tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// ValidateServe checks that everything the daemon needs is present.
// The operator CLI tolerates a thinner config; serve does not.
func ValidateServe(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if cfg.Agent.Path == "" {
		return fmt.Errorf("agent.path is required to run the daemon")
	}
	if cfg.Repository.Path == "" {
		return fmt.Errorf("repository.path is required to run the daemon")
	}
	if cfg.Trigger.Label == "" && cfg.Trigger.Command == "" {
		return fmt.Errorf("at least one of trigger.label or trigger.command must be set")
	}
	if cfg.Forge.Owner == "" || cfg.Forge.Repo == "" {
		return fmt.Errorf("forge.owner and forge.repo are required to run the daemon")
	}
	if cfg.Forge.Token == "" {
		return fmt.Errorf("forge.token is required to run the daemon")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Devbot Configuration

# Root directory for devbot state: task database, agent transcripts
# data_dir: ~/.local/share/devbot

# Override the task database location (default: <data_dir>/devbot.db)
# db_path: /path/to/devbot.db

# How many pipelines may run at once
max_concurrent: 1

# Feature branch name; {issue_number} and {timestamp} are expanded per task
branch_template: "ai/feature-{issue_number}-{timestamp}"

# Safety-net commit message when the agent leaves uncommitted changes
commit_template: "AI: {issue_title}"

# Trigger policy - which platform events begin work
trigger:
  label: ai-develop     # issues event: start when this label is added
  command: /develop     # issue_comment event: start when a comment contains this

# AI agent subprocess
agent:
  path: claude          # agent binary (resolved via PATH if not absolute)
  timeout_seconds: 1800 # wall-clock limit per attempt
  max_retries: 2        # attempts per run
  # skip_permissions: true
  # prompt_file: ""     # override the built-in development prompt template

# Local working tree the agent operates in
repository:
  path: /path/to/checkout
  default_branch: main
  remote: origin

# Code-hosting platform API
forge:
  base_url: https://api.github.com
  token: ""             # API token with repo scope
  owner: ""             # repository owner
  repo: ""              # repository name
  requests_per_second: 5

# HTTP ingress (webhook + task API)
server:
  addr: ":8080"
  # webhook_secret: ""  # enables HMAC signature verification when set

# Logging
log:
  level: info           # debug, info, warn, error
  # file: /var/log/devbot.log

# Distributed tracing
# tracing:
#   exporter: none      # none, stdout, file, otlp
#   endpoint: localhost:4317
#   file_path: ""       # spans JSONL for the "file" exporter (default: <data_dir>/traces.jsonl)

# Feature flags
# flags:
#   agent-transcripts: true
#   webhook-dedupe: true
#   trigger-reload: true
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
