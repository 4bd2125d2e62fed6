package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"colloquy/internal/domain"
)

func TestBuildFull(t *testing.T) {
	got := Build(domain.Agent{
		Name:        "critic",
		Role:        "Devil's Advocate",
		Description: "Challenges assumptions",
		Behaviors:   []string{"Ask hard questions"},
		Avoid:       []string{"Personal attacks", "Vague objections"},
	}, []string{"Be concise"})

	want := "You are the Devil's Advocate in a technical team discussion.\n" +
		"Your role: Challenges assumptions\n" +
		"\nWhat you DO:\n- Ask hard questions" +
		"\n\nWhat you AVOID:\n- Personal attacks\n- Vague objections" +
		"\n\nCommunication style:\n- Be concise"
	assert.Equal(t, want, got)
}

func TestBuildDefaults(t *testing.T) {
	got := Build(domain.Agent{Name: "x"}, nil)
	assert.Equal(t, "You are the AI Assistant in a technical team discussion.\nYour role: Helpful AI assistant", got)
}

func TestCompose(t *testing.T) {
	assert.Equal(t, "P\n\nContext:\nC\n\nUser message: M\n\nResponse:", Compose("P", "C", "M"))
	assert.Equal(t, "P\n\nUser message: M\n\nResponse:", Compose("P", "", "M"))
	assert.Equal(t, "User message: M\n\nResponse:", Compose("", "", "M"))
}
