package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"relayd/internal/common/fsutil"
)

// Backend kinds.
const (
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

const defaultOllamaURL = "http://localhost:11434"

// Config holds runtime parameters for the service.
// Load starts from Default, so keys missing from a file keep their defaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	Backend      string `json:"backend" yaml:"backend" toml:"backend"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	Swagger      bool   `json:"swagger" yaml:"swagger" toml:"swagger"`

	Ollama   OllamaConfig   `json:"ollama" yaml:"ollama" toml:"ollama"`
	LlamaCpp LlamaCppConfig `json:"llamacpp" yaml:"llamacpp" toml:"llamacpp"`
	Registry RegistryConfig `json:"registry" yaml:"registry" toml:"registry"`
	Session  SessionConfig  `json:"session" yaml:"session" toml:"session"`
	CORS     CORSConfig     `json:"cors" yaml:"cors" toml:"cors"`
}

// OllamaConfig configures the Ollama HTTP backend.
type OllamaConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" toml:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	// KeepAlive is passed to Ollama when a model is loaded, e.g. "30m".
	KeepAlive string `json:"keep_alive" yaml:"keep_alive" toml:"keep_alive"`
}

// LlamaCppConfig configures the in-process llama.cpp backend.
type LlamaCppConfig struct {
	ModelsDir   string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ContextSize int    `json:"context_size" yaml:"context_size" toml:"context_size"`
	Threads     int    `json:"threads" yaml:"threads" toml:"threads"`
	MaxTokens   int    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// RegistryConfig bounds the set of live model handles.
type RegistryConfig struct {
	AcquireTimeoutSeconds int    `json:"acquire_timeout_seconds" yaml:"acquire_timeout_seconds" toml:"acquire_timeout_seconds"`
	MaxHandles            int    `json:"max_handles" yaml:"max_handles" toml:"max_handles"`
	IdleTTLSeconds        int    `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds" toml:"idle_ttl_seconds"`
	AutoPull              bool   `json:"auto_pull" yaml:"auto_pull" toml:"auto_pull"`
	StateFile             string `json:"state_file" yaml:"state_file" toml:"state_file"`
}

// SessionConfig tunes per-connection behavior.
type SessionConfig struct {
	MaxMessageLength    int    `json:"max_message_length" yaml:"max_message_length" toml:"max_message_length"`
	SystemPrompt        string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	IntroPrompt         string `json:"intro_prompt" yaml:"intro_prompt" toml:"intro_prompt"`
	HistoryTurns        int    `json:"history_turns" yaml:"history_turns" toml:"history_turns"`
	SendQueue           int    `json:"send_queue" yaml:"send_queue" toml:"send_queue"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds" toml:"write_timeout_seconds"`
	PingIntervalSeconds int    `json:"ping_interval_seconds" yaml:"ping_interval_seconds" toml:"ping_interval_seconds"`
	// ReadLimitBytes caps an inbound frame. It is raised to fit
	// max_message_length escaped characters; zero derives it from that alone.
	ReadLimitBytes int64 `json:"read_limit_bytes" yaml:"read_limit_bytes" toml:"read_limit_bytes"`
}

// CORSConfig controls the optional CORS middleware.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Addr:         ":8000",
		Backend:      BackendOllama,
		LogLevel:     "info",
		LogFormat:    "json",
		MaxBodyBytes: 1 << 20,
		Ollama: OllamaConfig{
			BaseURL:        defaultOllamaURL,
			TimeoutSeconds: 120,
		},
		LlamaCpp: LlamaCppConfig{
			ModelsDir:   "~/models/llm",
			ContextSize: 2048,
			Threads:     4,
			MaxTokens:   512,
		},
		Registry: RegistryConfig{
			AcquireTimeoutSeconds: 1800,
			MaxHandles:            100,
			IdleTTLSeconds:        3600,
			AutoPull:              true,
		},
		Session: SessionConfig{
			MaxMessageLength:    10000,
			HistoryTurns:        10,
			SendQueue:           256,
			WriteTimeoutSeconds: 10,
			PingIntervalSeconds: 54,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		},
	}
}

// Load reads a configuration file based on its extension, on top of Default.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables when set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("RELAYD_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("RELAYD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("RELAYD_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := getenv("RELAYD_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := getenv("OLLAMA_BASE_URL"); v != "" {
		c.Ollama.BaseURL = v
	}
	if v := getenv("OLLAMA_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OLLAMA_TIMEOUT: %w", err)
		}
		c.Ollama.TimeoutSeconds = n
	}
	return nil
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendLlamaCpp:
	case "":
		c.Backend = BackendOllama
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendOllama, BackendLlamaCpp)
	}
	u := strings.TrimSpace(c.Ollama.BaseURL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("ollama.base_url must start with http:// or https://, got %q", c.Ollama.BaseURL)
	}
	c.Ollama.BaseURL = strings.TrimRight(u, "/")
	if c.Ollama.TimeoutSeconds < 10 || c.Ollama.TimeoutSeconds > 600 {
		return fmt.Errorf("ollama.timeout_seconds must be within [10, 600], got %d", c.Ollama.TimeoutSeconds)
	}
	if c.Session.MaxMessageLength < 100 || c.Session.MaxMessageLength > 50000 {
		return fmt.Errorf("session.max_message_length must be within [100, 50000], got %d", c.Session.MaxMessageLength)
	}
	if c.Registry.MaxHandles < 0 || c.Registry.IdleTTLSeconds < 0 || c.Registry.AcquireTimeoutSeconds < 0 {
		return fmt.Errorf("registry limits must not be negative")
	}
	if c.Session.HistoryTurns < 0 {
		return fmt.Errorf("session.history_turns must not be negative")
	}
	dir, err := fsutil.ExpandHome(c.LlamaCpp.ModelsDir)
	if err != nil {
		return err
	}
	c.LlamaCpp.ModelsDir = dir
	if c.Registry.StateFile != "" {
		p, err := fsutil.ExpandHome(c.Registry.StateFile)
		if err != nil {
			return err
		}
		c.Registry.StateFile = p
	}
	return nil
}

// AcquireTimeout returns the registry acquisition deadline.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Registry.AcquireTimeoutSeconds) * time.Second
}

// IdleTTL returns how long an unused handle stays loaded; zero disables expiry.
func (c Config) IdleTTL() time.Duration {
	return time.Duration(c.Registry.IdleTTLSeconds) * time.Second
}
