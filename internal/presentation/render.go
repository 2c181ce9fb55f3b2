package presentation

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	statusPendingColor   = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	statusRunningColor   = lipgloss.AdaptiveColor{Light: "#3498DB", Dark: "#89B4FA"}
	statusCompletedColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	statusFailedColor    = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	statusCancelledColor = lipgloss.AdaptiveColor{Light: "#AAAAAA", Dark: "#696969"}

	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"})

	statusStyles = map[string]lipgloss.Style{
		"pending":   lipgloss.NewStyle().Foreground(statusPendingColor),
		"running":   lipgloss.NewStyle().Foreground(statusRunningColor).Bold(true),
		"completed": lipgloss.NewStyle().Foreground(statusCompletedColor),
		"failed":    lipgloss.NewStyle().Foreground(statusFailedColor),
		"cancelled": lipgloss.NewStyle().Foreground(statusCancelledColor),
	}
)

// StatusBadge returns the status name styled by state.
func StatusBadge(status string) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(status)
	}
	return status
}

// RenderTaskTable renders tasks as an aligned table for the terminal.
func RenderTaskTable(tasks []TaskDTO) string {
	if len(tasks) == 0 {
		return mutedStyle.Render("no tasks") + "\n"
	}

	const (
		idWidth     = 22
		statusWidth = 11
		issueWidth  = 7
		retryWidth  = 7
	)

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(
		pad("TASK", idWidth) + pad("STATUS", statusWidth) + pad("ISSUE", issueWidth) + pad("RETRY", retryWidth) + "TITLE"))
	sb.WriteString("\n")

	for _, t := range tasks {
		status := statusStyles[t.Status].Width(statusWidth).Render(t.Status)
		retry := fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)
		sb.WriteString(pad(t.ID, idWidth))
		sb.WriteString(status)
		sb.WriteString(pad(fmt.Sprintf("#%d", t.IssueNumber), issueWidth))
		sb.WriteString(pad(retry, retryWidth))
		sb.WriteString(t.IssueTitle)
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderTaskDetail renders one task as labeled lines. The development
// summary, when present, is appended as glamour-styled markdown.
func RenderTaskDetail(d TaskDetailDTO) string {
	var sb strings.Builder
	line := func(label, value string) {
		if value == "" {
			return
		}
		sb.WriteString(mutedStyle.Render(pad(label, 14)))
		sb.WriteString(value)
		sb.WriteString("\n")
	}

	line("Task", d.ID)
	line("Status", StatusBadge(d.Status))
	line("Issue", fmt.Sprintf("#%d %s", d.IssueNumber, d.IssueTitle))
	line("URL", d.IssueURL)
	line("Branch", d.BranchName)
	line("Created", d.CreatedAt)
	line("Started", d.StartedAt)
	line("Completed", d.CompletedAt)
	if d.ExecutionTime > 0 {
		line("Duration", fmt.Sprintf("%.1fs", d.ExecutionTime))
	}
	line("Retries", fmt.Sprintf("%d/%d", d.RetryCount, d.MaxRetries))
	if d.ProposalNumber != nil {
		line("Proposal", fmt.Sprintf("#%d %s", *d.ProposalNumber, d.ProposalURL))
	}
	line("Error", d.ErrorMessage)

	if d.DevelopmentSummary != "" {
		sb.WriteString("\n")
		rendered, err := RenderMarkdown(d.DevelopmentSummary)
		if err != nil {
			rendered = d.DevelopmentSummary + "\n"
		}
		sb.WriteString(rendered)
	}
	return sb.String()
}

// RenderLogs renders log entries one per line, level styled like statuses.
func RenderLogs(logs []LogDTO) string {
	if len(logs) == 0 {
		return mutedStyle.Render("no log entries") + "\n"
	}
	levelStyles := map[string]lipgloss.Style{
		"DEBUG":   mutedStyle,
		"INFO":    statusStyles["completed"],
		"WARNING": statusStyles["pending"],
		"ERROR":   statusStyles["failed"],
	}
	var sb strings.Builder
	for _, l := range logs {
		level := l.Level
		if style, ok := levelStyles[level]; ok {
			level = style.Render(level)
		}
		sb.WriteString(fmt.Sprintf("%s %s %s\n", mutedStyle.Render(l.Timestamp), level, l.Message))
	}
	return sb.String()
}

// RenderStatus renders the status report as labeled lines.
func RenderStatus(s StatusDTO) string {
	var sb strings.Builder
	sb.WriteString(mutedStyle.Render(pad("Database", 14)) + s.DBPath + "\n")
	sb.WriteString(mutedStyle.Render(pad("Tasks", 14)) + fmt.Sprintf("%d", s.Stats.Total) + "\n")
	for _, status := range []string{"pending", "running", "completed", "failed", "cancelled"} {
		count := s.Stats.ByStatus[status]
		if count == 0 {
			continue
		}
		sb.WriteString(pad("", 14) + fmt.Sprintf("%s %d\n", StatusBadge(status), count))
	}
	if s.Gate != nil {
		sb.WriteString(mutedStyle.Render(pad("Gate", 14)) + fmt.Sprintf("%d/%d in flight\n", s.Gate.InFlight, s.Gate.Max))
	}
	if s.RateLimit != nil {
		sb.WriteString(mutedStyle.Render(pad("Forge quota", 14)) +
			fmt.Sprintf("%d of %d remaining, resets %s\n", s.RateLimit.Remaining, s.RateLimit.Limit, s.RateLimit.ResetAt))
	}
	return sb.String()
}

// RenderMarkdown transforms markdown to styled terminal output.
func RenderMarkdown(markdown string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return r.Render(markdown)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}
