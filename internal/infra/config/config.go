// Package config loads switchboard's YAML configuration, applies
// SWITCHBOARD_* environment overrides and decrypts "enc:" secrets.
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

	"switchboard/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Agents     AgentsConfig     `yaml:"agents"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Store      StoreConfig      `yaml:"store"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// SupervisorConfig holds the dispatcher's settings.
type SupervisorConfig struct {
	ID                string  `yaml:"id"`
	SystemPrompt      string  `yaml:"system_prompt"`
	Model             string  `yaml:"model"`
	MaxToolIterations int     `yaml:"max_tool_iterations"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	// ReuseWindow is how recently a conversation must have been updated to
	// absorb a message that names none. Zero always starts a new one.
	ReuseWindow time.Duration `yaml:"reuse_window"`

	// HistoryTokenBudget caps the estimated size of the prompt history.
	// Zero disables trimming.
	HistoryTokenBudget int `yaml:"history_token_budget"`
}

// AgentsConfig holds specialist settings.
type AgentsConfig struct {
	MaxWorkers          int           `yaml:"max_workers"`
	WorkerTimeout       time.Duration `yaml:"worker_timeout"`
	MaxWorkerIterations int           `yaml:"max_worker_iterations"`
	// Templates replace built-in templates of the same type and add new ones.
	Templates []domain.SpecialistTemplate `yaml:"templates,omitempty"`
	// Disabled drops built-in templates by type.
	Disabled   []string          `yaml:"disabled,omitempty"`
	Exclusions []ExclusionConfig `yaml:"exclusions,omitempty"`
}

// ExclusionConfig withholds a tool pattern from specialists that are not
// explicitly granted it.
type ExclusionConfig struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	// Fallbacks name providers tried, in order, when the default fails.
	Fallbacks []string `yaml:"fallbacks,omitempty"`
	// Preferences maps template model preferences to provider names.
	Preferences    map[string]string `yaml:"preferences,omitempty"`
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
}

// BreakerConfig holds circuit breaker settings for model providers.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for model providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for one OpenAI-compatible endpoint.
type ProviderConfig struct {
	Name             string        `yaml:"name"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	DisableStreaming bool          `yaml:"disable_streaming"`
	ConnTimeout      time.Duration `yaml:"conn_timeout"`
	RespTimeout      time.Duration `yaml:"resp_timeout"`
	Pool             PoolConfig    `yaml:"pool"`
}

// ToolsConfig holds tool hub settings.
type ToolsConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PrivateTools []string      `yaml:"private_tools,omitempty"`
	SearXNGURL   string        `yaml:"searxng_url"`
	SearchCache  time.Duration `yaml:"search_cache"`
}

// StoreConfig holds the SQLite store location and the audit trail.
type StoreConfig struct {
	Path string `yaml:"path"`
	// AuditPath is the JSONL audit trail; empty disables auditing.
	AuditPath      string        `yaml:"audit_path"`
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr              string     `yaml:"addr"`
	Auth              AuthConfig `yaml:"auth"`
	MessagesPerMinute int        `yaml:"messages_per_minute"`
	MessageBurst      int        `yaml:"message_burst"`
	ConnectsPerMinute int        `yaml:"connects_per_minute"`
	ConnectBurst      int        `yaml:"connect_burst"`
	TrustedProxies    []string   `yaml:"trusted_proxies,omitempty"`
	AllowedOrigins    []string   `yaml:"allowed_origins,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// SchedulerConfig holds scheduled task settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Prompt   string `yaml:"prompt"`
	// OneShot removes the task after its first run.
	OneShot bool `yaml:"one_shot,omitempty"`
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
}

// defaultDataDir returns $HOME/.switchboard, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".switchboard")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			ID:                "supervisor-main",
			SystemPrompt:      "You are the supervisor of a team of specialist agents. Answer directly when you can and delegate when a specialist fits better.",
			MaxToolIterations: 8,
			MaxTokens:         2048,
			Temperature:       0.4,
			ReuseWindow:       30 * time.Minute,

			HistoryTokenBudget: 24000,
		},
		Agents: AgentsConfig{
			MaxWorkers:          4,
			WorkerTimeout:       5 * time.Minute,
			MaxWorkerIterations: 6,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{
				{Name: "openai", BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
			},
			CircuitBreaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			Timeout:     60 * time.Second,
			SearchCache: 15 * time.Minute,
		},
		Store: StoreConfig{
			Path:           filepath.Join(defaultDataDir(), "switchboard.db"),
			AuditPath:      filepath.Join(defaultDataDir(), "audit.jsonl"),
			AuditRetention: 90 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Addr:              "127.0.0.1:8420",
			MessagesPerMinute: 120,
			MessageBurst:      20,
			ConnectsPerMinute: 30,
			ConnectBurst:      10,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config (second pass): %v", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SWITCHBOARD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SWITCHBOARD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWITCHBOARD_SUPERVISOR_MODEL"); v != "" {
		cfg.Supervisor.Model = v
	}
	if v := os.Getenv("SWITCHBOARD_SUPERVISOR_REUSE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.ReuseWindow = d
		}
	}
	if v := os.Getenv("SWITCHBOARD_SUPERVISOR_HISTORY_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.HistoryTokenBudget = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_SUPERVISOR_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.MaxToolIterations = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_AGENTS_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.MaxWorkers = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	// SWITCHBOARD_LLM_API_KEY and _BASE_URL target the default provider.
	if p := cfg.Provider(cfg.LLM.DefaultProvider); p != nil {
		if v := os.Getenv("SWITCHBOARD_LLM_API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv("SWITCHBOARD_LLM_BASE_URL"); v != "" {
			p.BaseURL = v
		}
		if v := os.Getenv("SWITCHBOARD_LLM_MODEL"); v != "" {
			p.Model = v
		}
	}
	if v := os.Getenv("SWITCHBOARD_TOOLS_SEARXNG_URL"); v != "" {
		cfg.Tools.SearXNGURL = v
	}
	if v := os.Getenv("SWITCHBOARD_TOOLS_PRIVATE"); v != "" {
		cfg.Tools.PrivateTools = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SWITCHBOARD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v, ok := os.LookupEnv("SWITCHBOARD_STORE_AUDIT_PATH"); ok {
		cfg.Store.AuditPath = v
	}
	if v := os.Getenv("SWITCHBOARD_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("SWITCHBOARD_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Name: "env", Token: v})
	}
	if v := os.Getenv("SWITCHBOARD_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
	if v := os.Getenv("SWITCHBOARD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SWITCHBOARD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SWITCHBOARD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SWITCHBOARD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// Provider returns the named provider config, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.LLM.Providers {
		if c.LLM.Providers[i].Name == name {
			return &c.LLM.Providers[i]
		}
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." provider keys and gateway tokens with
// their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if err := decryptField(&p.APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", p.Name, err)
		}
	}
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		if err := decryptField(&tok.Token, passphrase); err != nil {
			return fmt.Errorf("gateway auth token %s: %w", tok.Name, err)
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
