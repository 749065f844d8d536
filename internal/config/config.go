package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr        = "127.0.0.1:8000"
	DefaultTimeoutSeconds  = 30
	DefaultHistoryLimit    = 50
	DefaultMaxMessageChars = 4096
	DefaultMaxRequestBytes = 1 << 20
	DefaultBackupSchedule  = "0 3 * * *"
	DefaultBackupKeep      = 7
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the model used by the orchestration loop.
type LLMConfig struct {
	// Provider is one of google, anthropic, openai, openrouter, groq, openai_compatible.
	Provider string `yaml:"provider" validate:"provider"`
	Model    string `yaml:"model"`
	// BaseURL is only consulted for openai_compatible.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

type OrchestrationConfig struct {
	TimeoutSeconds  int `yaml:"timeout_seconds" validate:"gte=1,lte=600"`
	HistoryLimit    int `yaml:"history_limit" validate:"gte=1,lte=1000"`
	MaxMessageChars int `yaml:"max_message_chars" validate:"gte=1,lte=65536"`
}

// Timeout returns the orchestration deadline as a duration.
func (o OrchestrationConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"omitempty,min=16"`
	Issuer    string `yaml:"issuer"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" validate:"gte=0"`
}

type BackupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule" validate:"omitempty,cronexpr"`
	Dir      string `yaml:"dir"`
	Keep     int    `yaml:"keep" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=otlp-http stdout none"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr        string `yaml:"bind_addr" validate:"required,hostport"`
	LogLevel        string `yaml:"log_level" validate:"loglevel"`
	LogFormat       string `yaml:"log_format" validate:"oneof=json text auto"`
	DBPath          string `yaml:"db_path"`
	MaxRequestBytes int64  `yaml:"max_request_bytes" validate:"gte=0"`

	Orchestration OrchestrationConfig       `yaml:"orchestration"`
	LLM           LLMConfig                 `yaml:"llm"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Auth          AuthConfig                `yaml:"auth"`
	CORS          CORSConfig                `yaml:"cors"`
	Backup        BackupConfig              `yaml:"backup"`
	Telemetry     TelemetryConfig           `yaml:"telemetry"`

	// Prompt is the persona preamble read from PROMPT.md, if present.
	Prompt string `yaml:"-"`
}

// LLMAPIKey returns the API key for the given provider. Env vars win over
// providers.<name>.api_key in config.yaml.
func (c Config) LLMAPIKey(provider string) string {
	for _, envVar := range apiKeyEnvVars(provider) {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

func apiKeyEnvVars(provider string) []string {
	switch provider {
	case "google":
		return []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY"}
	case "openai", "openai_compatible":
		return []string{"OPENAI_API_KEY"}
	case "openrouter":
		return []string{"OPENROUTER_API_KEY"}
	case "groq":
		return []string{"GROQ_API_KEY"}
	}
	return nil
}

// ProviderBaseURL returns a configured endpoint override for the provider.
func (c Config) ProviderBaseURL(provider string) string {
	if provider == "openai_compatible" && c.LLM.BaseURL != "" {
		return c.LLM.BaseURL
	}
	if p, ok := c.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PromptPath returns the path to PROMPT.md within the given home directory.
func PromptPath(homeDir string) string {
	return filepath.Join(homeDir, "PROMPT.md")
}

// Fingerprint returns a stable hash of the effective config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|timeout=%d|history=%d|provider=%s|model=%s|origins=%v|backup=%s",
		c.BindAddr, c.LogLevel, c.DBPath, c.Orchestration.TimeoutSeconds, c.Orchestration.HistoryLimit,
		c.LLM.Provider, c.LLM.Model, c.CORS.AllowedOrigins, c.Backup.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        DefaultBindAddr,
		LogLevel:        "info",
		LogFormat:       "auto",
		MaxRequestBytes: DefaultMaxRequestBytes,
		Orchestration: OrchestrationConfig{
			TimeoutSeconds:  DefaultTimeoutSeconds,
			HistoryLimit:    DefaultHistoryLimit,
			MaxMessageChars: DefaultMaxMessageChars,
		},
		LLM: LLMConfig{Provider: "google"},
		Backup: BackupConfig{
			Schedule: DefaultBackupSchedule,
			Keep:     DefaultBackupKeep,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "todochat",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TODOCHAT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".todochat")
}

// Load reads the config from the real filesystem.
func Load() (Config, error) {
	return LoadFS(afero.NewOsFs(), HomeDir())
}

// LoadFS reads <homeDir>/config.yaml and PROMPT.md from fs, applies env
// overrides and defaults, then validates the result.
func LoadFS(fs afero.Fs, homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := fs.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create todochat home: %w", err)
	}

	data, err := afero.ReadFile(fs, ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	prompt, err := LoadPrompt(fs, cfg.HomeDir)
	if err != nil {
		return cfg, err
	}
	cfg.Prompt = prompt
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPrompt returns the contents of PROMPT.md, or "" when it does not exist.
func LoadPrompt(fs afero.Fs, homeDir string) (string, error) {
	b, err := afero.ReadFile(fs, PromptPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read PROMPT.md: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat == "" {
		cfg.LogFormat = "auto"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "todochat.db")
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if cfg.Orchestration.TimeoutSeconds <= 0 {
		cfg.Orchestration.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.Orchestration.HistoryLimit <= 0 {
		cfg.Orchestration.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Orchestration.MaxMessageChars <= 0 {
		cfg.Orchestration.MaxMessageChars = DefaultMaxMessageChars
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "google"
	case "gemini":
		cfg.LLM.Provider = "google"
	}
	if cfg.Backup.Schedule == "" {
		cfg.Backup.Schedule = DefaultBackupSchedule
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "todochat"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TODOCHAT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TODOCHAT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TODOCHAT_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("TODOCHAT_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	// AGENT_TIMEOUT is kept for deployments carried over from the python backend.
	for _, name := range []string{"AGENT_TIMEOUT", "TODOCHAT_TIMEOUT_SECONDS"} {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				cfg.Orchestration.TimeoutSeconds = v
			}
		}
	}
	if raw := os.Getenv("TODOCHAT_HISTORY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestration.HistoryLimit = v
		}
	}
	if raw := os.Getenv("TODOCHAT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("TODOCHAT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("JWT_SECRET_KEY"); raw != "" {
		cfg.Auth.JWTSecret = raw
	}
	if raw := os.Getenv("TODOCHAT_CORS_ORIGINS"); raw != "" {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = splitList(raw)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
