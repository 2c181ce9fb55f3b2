// Package templates embeds the prompt templates devbot sends to the agent.
package templates

import (
	_ "embed"
)

//go:embed prompts/develop.md
var developPrompt string

// DevelopPrompt returns the template text used to render the agent's
// development prompt for an issue.
func DevelopPrompt() string {
	return developPrompt
}
