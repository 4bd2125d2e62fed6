package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Memory        MemoryConfig        `yaml:"memory"`
	Communication CommunicationConfig `yaml:"communication"`
	Agents        []AgentConfig       `yaml:"agents"`
	LLM           LLMConfig           `yaml:"llm"`
	Store         StoreConfig         `yaml:"store"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
	// AgentsDir holds one persona file per agent, appended to Agents.
	AgentsDir     string              `yaml:"agents_dir,omitempty"`
}

// ResilienceConfig tunes the circuit breaker, rate limiter, retry policy and
// depth guard shared by every agent call.
type ResilienceConfig struct {
	FailureThreshold     uint32        `yaml:"failure_threshold"`
	ResetTimeout         time.Duration `yaml:"reset_timeout"`
	HalfOpenRequests     uint32        `yaml:"half_open_requests"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	MaxConversationDepth int           `yaml:"max_conversation_depth"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	Retry                RetryConfig   `yaml:"retry"`
}

// RetryConfig configures backoff for transient backend failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// ConversationConfig bounds multi-turn conversations.
type ConversationConfig struct {
	MaxTurns       int           `yaml:"max_turns"`
	HardCap        int           `yaml:"hard_cap"`
	TurnDelay      time.Duration `yaml:"turn_delay"`
	ContextEntries int           `yaml:"context_entries"`
	Synthesizer    string        `yaml:"synthesizer"`
}

// OrchestratorConfig selects agents for orchestrated tasks.
type OrchestratorConfig struct {
	Coordinator string `yaml:"coordinator"`
	// CoreAgents answer when no capability matches a task.
	CoreAgents []string `yaml:"core_agents"`
	// Matcher is "keyword", "tag" or "mention".
	Matcher string `yaml:"matcher"`
}

// MemoryConfig holds cross-agent memory and discussion history settings.
type MemoryConfig struct {
	LowPriorityTTL time.Duration `yaml:"low_priority_ttl"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	HistorySize    int           `yaml:"history_size"`
}

// CommunicationConfig is the shared discussion the agents take part in.
type CommunicationConfig struct {
	Team    string `yaml:"team"`
	Channel string `yaml:"channel"`
	// Style lists communication rules appended to every persona prompt.
	Style                     []string `yaml:"style"`
	MaxConsecutiveAIExchanges int      `yaml:"max_consecutive_ai_exchanges"`
}

// AgentConfig declares one persona.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Description  string   `yaml:"description"`
	Behaviors    []string `yaml:"behaviors"`
	Avoid        []string `yaml:"avoid"`
	Capabilities []string `yaml:"capabilities"`
	Expertise    []string `yaml:"expertise"`
	Priority     int      `yaml:"priority"`
	// Provider names an entry of llm.providers; empty means llm.default_provider.
	Provider string `yaml:"provider"`
}

// LLMConfig holds model backend settings.
type LLMConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures one model backend.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // anthropic, openai, bedrock, demo
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
	// Fallbacks are tried in order when this provider fails.
	Fallbacks []string `yaml:"fallbacks,omitempty"`
}

// PoolConfig holds HTTP connection pool settings for a provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// StoreConfig selects transcript persistence.
type StoreConfig struct {
	Type string `yaml:"type"` // sqlite, memory
	Path string `yaml:"path"`
}

// FallbackConfig selects where open-circuit notices go.
type FallbackConfig struct {
	Type  string      `yaml:"type"` // slack, log, none
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack fallback settings.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
	// PerMinute caps notices posted per minute.
	PerMinute int `yaml:"per_minute"`
}

// HTTPConfig switches the MCP transport from stdio to streamable HTTP.
type HTTPConfig struct {
	// Addr enables the HTTP transport when set (for example ":8080").
	Addr           string   `yaml:"addr"`
	AuthToken      string   `yaml:"auth_token"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`

	// SampleRatio in (0,1) samples that share of root traces; anything else keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.colloquy/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".colloquy", "data")
}

// Defaults returns a Config with sensible defaults. A single offline demo
// provider keeps the binary usable without credentials.
func Defaults() *Config {
	return &Config{
		Resilience: ResilienceConfig{
			FailureThreshold:     5,
			ResetTimeout:         60 * time.Second,
			HalfOpenRequests:     1,
			MaxRequestsPerMinute: 60,
			MaxQueueSize:         100,
			MaxConversationDepth: 5,
			RequestTimeout:       2 * time.Minute,
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  time.Second,
				MaxDelay:   60 * time.Second,
			},
		},
		Conversation: ConversationConfig{
			MaxTurns:       4,
			HardCap:        5,
			ContextEntries: 10,
		},
		Orchestrator: OrchestratorConfig{
			Matcher: "keyword",
		},
		Memory: MemoryConfig{
			LowPriorityTTL: time.Hour,
			SweepSchedule:  "@every 5m",
			HistorySize:    50,
		},
		Communication: CommunicationConfig{
			Team:                      "team",
			Channel:                   "general",
			MaxConsecutiveAIExchanges: 3,
		},
		LLM: LLMConfig{
			DefaultProvider: "demo",
			Providers: []ProviderConfig{
				{Name: "demo", Type: "demo"},
			},
		},
		Store: StoreConfig{
			Type: "sqlite",
			Path: filepath.Join(defaultDataDir(), "colloquy.db"),
		},
		Fallback: FallbackConfig{
			Type: "log",
			Slack: SlackConfig{
				PerMinute: 6,
			},
		},
		HTTP: HTTPConfig{
			RequestsPerMin: 120,
			Burst:          20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.AgentsDir != "" {
		if err := loadAgentsDir(cfg, cfg.AgentsDir, filepath.Dir(absPath)); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("COLLOQUY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps COLLOQUY_* env vars to config fields. Unparseable
// numeric values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := envUint32("COLLOQUY_FAILURE_THRESHOLD"); ok {
		cfg.Resilience.FailureThreshold = v
	}
	if v, ok := envDuration("COLLOQUY_RESET_TIMEOUT"); ok {
		cfg.Resilience.ResetTimeout = v
	}
	if v, ok := envUint32("COLLOQUY_HALF_OPEN_REQUESTS"); ok {
		cfg.Resilience.HalfOpenRequests = v
	}
	if v, ok := envInt("COLLOQUY_MAX_REQUESTS_PER_MINUTE"); ok {
		cfg.Resilience.MaxRequestsPerMinute = v
	}
	if v, ok := envInt("COLLOQUY_MAX_QUEUE_SIZE"); ok {
		cfg.Resilience.MaxQueueSize = v
	}
	if v, ok := envInt("COLLOQUY_MAX_CONVERSATION_DEPTH"); ok {
		cfg.Resilience.MaxConversationDepth = v
	}
	if v, ok := envDuration("COLLOQUY_REQUEST_TIMEOUT"); ok {
		cfg.Resilience.RequestTimeout = v
	}
	if v, ok := envInt("COLLOQUY_MAX_TURNS"); ok {
		cfg.Conversation.MaxTurns = v
	}
	if v, ok := envDuration("COLLOQUY_TURN_DELAY"); ok {
		cfg.Conversation.TurnDelay = v
	}
	if v := os.Getenv("COLLOQUY_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("COLLOQUY_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("COLLOQUY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("COLLOQUY_FALLBACK_TYPE"); v != "" {
		cfg.Fallback.Type = v
	}
	if v := os.Getenv("COLLOQUY_SLACK_BOT_TOKEN"); v != "" {
		cfg.Fallback.Slack.BotToken = v
	}
	if v := os.Getenv("COLLOQUY_SLACK_CHANNEL"); v != "" {
		cfg.Fallback.Slack.Channel = v
	}
	if v := os.Getenv("COLLOQUY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("COLLOQUY_HTTP_AUTH_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
	if v := os.Getenv("COLLOQUY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("COLLOQUY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("COLLOQUY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("COLLOQUY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("COLLOQUY_CORE_AGENTS"); v != "" {
		cfg.Orchestrator.CoreAgents = splitAndTrim(v, ",")
	}

	// Provider API keys: COLLOQUY_<NAME>_API_KEY, falling back to the
	// vendor's conventional variable.
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey != "" {
			continue
		}
		envName := "COLLOQUY_" + strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(envName); v != "" {
			p.APIKey = v
			continue
		}
		switch p.Type {
		case "anthropic":
			p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint32(name string) (uint32, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in provider API keys and the Slack
// token and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	if tok := cfg.Fallback.Slack.BotToken; strings.HasPrefix(tok, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("slack bot_token: %w", err)
		}
		cfg.Fallback.Slack.BotToken = decrypted
	}

	if tok := cfg.HTTP.AuthToken; strings.HasPrefix(tok, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("http auth_token: %w", err)
		}
		cfg.HTTP.AuthToken = decrypted
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
