// Package persona renders the system prompts that give each agent its voice.
package persona

import (
	"strings"

	"colloquy/internal/domain"
)

const (
	defaultRole        = "AI Assistant"
	defaultDescription = "Helpful AI assistant"
)

// Build renders the persona prompt for agent. style lists communication
// rules shared by every persona.
func Build(agent domain.Agent, style []string) string {
	role := agent.Role
	if role == "" {
		role = defaultRole
	}
	desc := agent.Description
	if desc == "" {
		desc = defaultDescription
	}

	var b strings.Builder
	b.WriteString("You are the " + role + " in a technical team discussion.\n")
	b.WriteString("Your role: " + desc + "\n")

	if len(agent.Behaviors) > 0 {
		b.WriteString("\nWhat you DO:")
		writeBullets(&b, agent.Behaviors)
	}
	if len(agent.Avoid) > 0 {
		b.WriteString("\n\nWhat you AVOID:")
		writeBullets(&b, agent.Avoid)
	}
	if len(style) > 0 {
		b.WriteString("\n\nCommunication style:")
		writeBullets(&b, style)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Compose wraps a user message with the persona prompt and discussion context.
func Compose(personaPrompt, context, message string) string {
	var b strings.Builder
	b.WriteString(personaPrompt)
	if context != "" {
		b.WriteString("\n\nContext:\n" + context)
	}
	b.WriteString("\n\nUser message: " + message + "\n\nResponse:")
	return strings.TrimLeft(b.String(), "\n")
}

func writeBullets(b *strings.Builder, items []string) {
	for _, it := range items {
		b.WriteString("\n- " + it)
	}
}
