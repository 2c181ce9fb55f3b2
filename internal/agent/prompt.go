package agent

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/zjrosen/devbot/internal/task"
	"github.com/zjrosen/devbot/internal/templates"
)

// noDescription substitutes for an issue with an empty body so the agent
// is told explicitly rather than receiving a blank section.
const noDescription = "(no description provided)"

var developTemplate = template.Must(template.New("develop").Parse(templates.DevelopPrompt()))

type promptData struct {
	Number int
	Title  string
	URL    string
	Body   string
}

// LoadPromptTemplate parses the operator-supplied template file at path,
// or returns the embedded default when path is empty.
func LoadPromptTemplate(path string) (*template.Template, error) {
	if path == "" {
		return developTemplate, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt template: %w", err)
	}
	tmpl, err := template.New("develop").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template %s: %w", path, err)
	}
	return tmpl, nil
}

// RenderPrompt produces the development prompt for a task's issue using
// the embedded template.
func RenderPrompt(t *task.Task) (string, error) {
	return renderPrompt(developTemplate, t)
}

func renderPrompt(tmpl *template.Template, t *task.Task) (string, error) {
	body := strings.TrimSpace(t.IssueBody)
	if body == "" {
		body = noDescription
	}
	data := promptData{
		Number: t.IssueNumber,
		Title:  t.IssueTitle,
		URL:    t.IssueURL,
		Body:   body,
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering develop prompt: %w", err)
	}
	return sb.String(), nil
}
