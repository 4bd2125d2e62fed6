package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateResilience(cfg, ve)
	validateConversation(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateMemory(cfg, ve)
	validateLLM(cfg, ve)
	validateAgents(cfg, ve)
	validateStore(cfg, ve)
	validateFallback(cfg, ve)
	validateHTTP(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateResilience(cfg *Config, ve *ValidationError) {
	r := cfg.Resilience
	if r.FailureThreshold == 0 {
		ve.Add("resilience.failure_threshold must be > 0")
	}
	if r.ResetTimeout <= 0 {
		ve.Add("resilience.reset_timeout must be > 0")
	}
	if r.HalfOpenRequests == 0 {
		ve.Add("resilience.half_open_requests must be > 0")
	}
	if r.MaxRequestsPerMinute <= 0 {
		ve.Add("resilience.max_requests_per_minute must be > 0")
	}
	if r.MaxQueueSize < 0 {
		ve.Add("resilience.max_queue_size must be >= 0")
	}
	if r.MaxConversationDepth <= 0 {
		ve.Add("resilience.max_conversation_depth must be > 0")
	}
	if r.RequestTimeout <= 0 {
		ve.Add("resilience.request_timeout must be > 0")
	}
	if r.Retry.MaxRetries < 0 {
		ve.Add("resilience.retry.max_retries must be >= 0")
	}
	if r.Retry.MaxDelay > 0 && r.Retry.BaseDelay > r.Retry.MaxDelay {
		ve.Add("resilience.retry.base_delay must not exceed max_delay")
	}
}

func validateConversation(cfg *Config, ve *ValidationError) {
	c := cfg.Conversation
	if c.MaxTurns <= 0 {
		ve.Add("conversation.max_turns must be > 0")
	}
	if c.HardCap <= 0 {
		ve.Add("conversation.hard_cap must be > 0")
	}
	if c.TurnDelay < 0 {
		ve.Add("conversation.turn_delay must be >= 0")
	}
}

var validMatchers = map[string]bool{
	"":        true,
	"keyword": true,
	"tag":     true,
	"mention": true,
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if !validMatchers[cfg.Orchestrator.Matcher] {
		ve.Add("orchestrator.matcher %q is invalid (want: keyword, tag, mention)", cfg.Orchestrator.Matcher)
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	if cfg.Memory.LowPriorityTTL < 0 {
		ve.Add("memory.low_priority_ttl must be >= 0")
	}
	if s := cfg.Memory.SweepSchedule; s != "" && !validSchedule(s) {
		ve.Add("memory.sweep_schedule %q is not a cron expression or duration", s)
	}
	if cfg.Communication.MaxConsecutiveAIExchanges < 0 {
		ve.Add("communication.max_consecutive_ai_exchanges must be >= 0")
	}
}

func validSchedule(s string) bool {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s); err == nil {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

var validProviderTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"bedrock":   true,
	"demo":      true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: anthropic, openai, bedrock, demo)", i, p.Type)
		}
		if p.APIKey == "" && (p.Type == "anthropic" || p.Type == "openai") {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via COLLOQUY_%s_API_KEY)",
				i, p.Name, strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")))
		}
		if p.MaxTokens < 0 {
			ve.Add("llm.providers[%d] (%s): max_tokens must be >= 0", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	for _, p := range cfg.LLM.Providers {
		for _, fb := range p.Fallbacks {
			if !seen[fb] {
				ve.Add("llm.providers (%s): fallback %q does not match any configured provider", p.Name, fb)
			}
			if fb == p.Name {
				ve.Add("llm.providers (%s): provider cannot fall back to itself", p.Name)
			}
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	providers := make(map[string]bool, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		providers[p.Name] = true
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name must not be empty", i)
			continue
		}
		if seen[a.Name] {
			ve.Add("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Provider != "" && !providers[a.Provider] {
			ve.Add("agents[%d] (%s): provider %q does not match any configured provider", i, a.Name, a.Provider)
		}
	}

	for _, name := range cfg.Orchestrator.CoreAgents {
		if !seen[name] {
			ve.Add("orchestrator.core_agents: %q does not match any configured agent", name)
		}
	}
	if c := cfg.Orchestrator.Coordinator; c != "" && !seen[c] {
		ve.Add("orchestrator.coordinator %q does not match any configured agent", c)
	}
	if s := cfg.Conversation.Synthesizer; s != "" && !seen[s] {
		ve.Add("conversation.synthesizer %q does not match any configured agent", s)
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Type {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path must not be empty for sqlite store")
		}
	default:
		ve.Add("store.type %q is invalid (want: sqlite, memory)", cfg.Store.Type)
	}
}

func validateFallback(cfg *Config, ve *ValidationError) {
	switch cfg.Fallback.Type {
	case "", "none", "log":
	case "slack":
		if cfg.Fallback.Slack.BotToken == "" {
			ve.Add("fallback.slack.bot_token must not be empty (set via COLLOQUY_SLACK_BOT_TOKEN)")
		}
		if cfg.Fallback.Slack.Channel == "" {
			ve.Add("fallback.slack.channel must not be empty")
		}
		if cfg.Fallback.Slack.PerMinute < 0 {
			ve.Add("fallback.slack.per_minute must be >= 0")
		}
	default:
		ve.Add("fallback.type %q is invalid (want: slack, log, none)", cfg.Fallback.Type)
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	if cfg.HTTP.RequestsPerMin < 0 {
		ve.Add("http.requests_per_min must be >= 0")
	}
	if cfg.HTTP.Burst < 0 {
		ve.Add("http.burst must be >= 0")
	}
}
