package multiagent

import (
	"io"
	"log/slog"
	"strings"
	"unicode"

	"colloquy/internal/domain"
)

// discardLogger returns a no-op logger for matchers created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CapabilityMatcher selects the agents relevant to a task. Implementations
// return agents in input order; an empty result means "no match".
type CapabilityMatcher interface {
	Match(task string, agents []domain.Agent) []domain.Agent
}

// KeywordMatcher selects agents whose capability tag appears anywhere in the
// task text, case-insensitively. A tag "api" matches "rapid" too.
type KeywordMatcher struct {
	logger *slog.Logger
}

// NewKeywordMatcher creates the default substring matcher.
func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{logger: discardLogger()}
}

// NewKeywordMatcherWithLogger creates a KeywordMatcher with debug logging.
func NewKeywordMatcherWithLogger(logger *slog.Logger) *KeywordMatcher {
	return &KeywordMatcher{logger: logger}
}

func (m *KeywordMatcher) Match(task string, agents []domain.Agent) []domain.Agent {
	lower := strings.ToLower(task)
	var out []domain.Agent
	for _, a := range agents {
		for _, c := range a.Capabilities {
			c = strings.ToLower(strings.TrimSpace(c))
			if c != "" && strings.Contains(lower, c) {
				m.logger.Debug("capability matched", "agent", a.Name, "capability", c)
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// TagMatcher selects agents whose capability tags occur in the task as whole
// words. Multi-word tags ("code-review", "load_testing") match when every
// word is present.
type TagMatcher struct {
	logger *slog.Logger
}

// NewTagMatcher creates a word-intersection matcher.
func NewTagMatcher() *TagMatcher {
	return &TagMatcher{logger: discardLogger()}
}

// NewTagMatcherWithLogger creates a TagMatcher with debug logging.
func NewTagMatcherWithLogger(logger *slog.Logger) *TagMatcher {
	return &TagMatcher{logger: logger}
}

func (m *TagMatcher) Match(task string, agents []domain.Agent) []domain.Agent {
	words := make(map[string]struct{})
	for _, w := range tokenize(task) {
		words[w] = struct{}{}
	}

	var out []domain.Agent
	for _, a := range agents {
		for _, c := range a.Capabilities {
			if containsAll(words, tokenize(c)) {
				m.logger.Debug("tag matched", "agent", a.Name, "tag", c)
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func containsAll(set map[string]struct{}, words []string) bool {
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// tokenize lowercases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MentionMatcher selects agents addressed with an @name mention anywhere in
// the task. Names compare case-insensitively.
type MentionMatcher struct {
	logger *slog.Logger
}

// NewMentionMatcher creates an @mention matcher.
func NewMentionMatcher() *MentionMatcher {
	return &MentionMatcher{logger: discardLogger()}
}

// NewMentionMatcherWithLogger creates a MentionMatcher with debug logging.
func NewMentionMatcherWithLogger(logger *slog.Logger) *MentionMatcher {
	return &MentionMatcher{logger: logger}
}

func (m *MentionMatcher) Match(task string, agents []domain.Agent) []domain.Agent {
	mentioned := make(map[string]struct{})
	for _, field := range strings.Fields(task) {
		if !strings.HasPrefix(field, "@") || len(field) < 2 {
			continue
		}
		name := strings.TrimRightFunc(field[1:], func(r rune) bool {
			return unicode.IsPunct(r) && r != '-' && r != '_'
		})
		mentioned[strings.ToLower(name)] = struct{}{}
	}

	var out []domain.Agent
	for _, a := range agents {
		if _, ok := mentioned[strings.ToLower(a.Name)]; ok {
			m.logger.Debug("mention matched agent", "agent", a.Name)
			out = append(out, a)
		}
	}
	return out
}

// ChainMatcher tries each matcher in order and returns the first non-empty result.
type ChainMatcher []CapabilityMatcher

func (c ChainMatcher) Match(task string, agents []domain.Agent) []domain.Agent {
	for _, m := range c {
		if out := m.Match(task, agents); len(out) > 0 {
			return out
		}
	}
	return nil
}
