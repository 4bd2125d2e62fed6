package conversation

import (
	"fmt"
	"strings"

	"colloquy/internal/domain"
)

// Command is the kind of exchange a conversation runs.
type Command string

const (
	Debate      Command = "debate"
	Collaborate Command = "collaborate"
	Discuss     Command = "discuss"
)

// ParseCommand validates s. The empty string means Discuss.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return Discuss, nil
	case Debate, Collaborate, Discuss:
		return c, nil
	default:
		return "", domain.NewDomainError("ParseCommand", domain.ErrInvalidInput, fmt.Sprintf("unknown command %q", s))
	}
}

func (c Command) interaction() domain.InteractionType {
	switch c {
	case Debate:
		return domain.InteractionDebate
	case Collaborate:
		return domain.InteractionCollaborate
	default:
		return domain.InteractionDiscuss
	}
}

// Phrases that end a conversation once it has run long enough.
var conclusionKeywords = []string{
	"in conclusion",
	"to conclude",
	"to summarize",
	"in summary",
	"final recommendation",
	"we are in agreement",
	"we agree",
	"consensus reached",
}

// Phrases that suggest agents are talking about their own exchange instead of
// the topic. String matching is a weak signal and can stop a legitimate
// discussion early; it only applies from turn 3 onwards.
var circularMarkers = []string{
	"inter-agent communication",
	"my previous message",
	"my previous response",
	"as i said before",
	"going in circles",
	"repeating myself",
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isConclusion(reply string) bool { return containsAny(reply, conclusionKeywords) }

func isCircular(reply string) bool { return containsAny(reply, circularMarkers) }

func initialPrompt(cmd Command, topic, ambient string) string {
	var b strings.Builder
	switch cmd {
	case Debate:
		b.WriteString("Debate the following topic. Take a clear position and defend it with concrete arguments.")
	case Collaborate:
		b.WriteString("Collaborate on the following topic. Propose concrete ideas the other participants can build on.")
	default:
		b.WriteString("Discuss the following topic. Share your perspective and raise the points that matter most.")
	}
	fmt.Fprintf(&b, "\n\nTopic: %s", topic)
	if ambient != "" {
		fmt.Fprintf(&b, "\n\nRecent context:\n%s", ambient)
	}
	return b.String()
}

// turnPrompt builds the message for turn (1-based) out of limit turns from
// the previous speaker's reply.
func turnPrompt(cmd Command, topic, prevAgent, prevReply string, turn, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n%s said:\n%s\n\n", topic, prevAgent, prevReply)

	if turn >= 3 || turn >= limit {
		fmt.Fprintf(&b, "This is turn %d of %d. Start converging: state where you agree, resolve what is still open, and close with a conclusion.", turn, limit)
		return b.String()
	}
	switch cmd {
	case Debate:
		b.WriteString("Respond to their argument. Challenge the weakest point and concede what is right.")
	case Collaborate:
		b.WriteString("Build on their proposal. Fill the gaps and make vague parts concrete.")
	default:
		b.WriteString("Respond with your perspective. Say where you agree or disagree and why.")
	}
	return b.String()
}

func synthesisPrompt(cmd Command, thread *domain.ConversationThread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize this %s on %q into a concise summary. Cover the key points, agreements, open disagreements and recommended next steps.\n\nTranscript:", cmd, thread.Topic)
	for _, m := range thread.Messages {
		fmt.Fprintf(&b, "\n[%s]: %s", m.Persona, m.Message)
	}
	return b.String()
}
