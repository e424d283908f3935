package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Provider ProviderConfig `toml:"provider"`
	Agent    AgentConfig    `toml:"agent"`
	Skills   SkillsConfig   `toml:"skills"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Memory   MemoryConfig   `toml:"memory"`
	Database DatabaseConfig `toml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig holds settings for the LLM provider.
type ProviderConfig struct {
	BaseURL      string `toml:"base_url"`
	Model        string `toml:"model"`
	APIKeySource string `toml:"api_key_source"`
	APIKey       string `toml:"api_key"`
}

// AgentConfig holds settings for the agent engine.
type AgentConfig struct {
	MaxIterations      int     `toml:"max_iterations"`
	DefaultTemperature float64 `toml:"default_temperature"`
	DefaultMaxTokens   int     `toml:"default_max_tokens"`
}

// SkillsConfig holds skill discovery settings.
type SkillsConfig struct {
	Directory string `toml:"directory"`
	// SandboxSkill is the skill name whose invocations forward their code
	// verbatim instead of going through client-call synthesis.
	SandboxSkill string `toml:"sandbox_skill"`
}

// SandboxConfig holds settings for the external sandbox service.
type SandboxConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Timeout int    `toml:"timeout"` // seconds, per execution
}

// BaseURL returns the sandbox service base URL.
func (s SandboxConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// ExecTimeout returns the per-execution timeout as a duration.
func (s SandboxConfig) ExecTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// MemoryConfig holds settings for contextual memory retrieval.
type MemoryConfig struct {
	RerankBaseURL string  `toml:"rerank_base_url"`
	RerankModel   string  `toml:"rerank_model"`
	TopK          int     `toml:"top_k"`
	MinScore      float64 `toml:"min_score"`
	TurnThreshold int     `toml:"turn_threshold"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

// DefaultConfig returns a Config populated with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8020,
		},
		Provider: ProviderConfig{
			BaseURL:      "http://127.0.0.1:8000/v1",
			APIKeySource: "env",
		},
		Agent: AgentConfig{
			MaxIterations:      10,
			DefaultTemperature: 0.7,
			DefaultMaxTokens:   4096,
		},
		Skills: SkillsConfig{
			Directory:    "./skills",
			SandboxSkill: "sandbox_service",
		},
		Sandbox: SandboxConfig{
			Host:    "127.0.0.1",
			Port:    8009,
			Timeout: 120,
		},
		Memory: MemoryConfig{
			RerankBaseURL: "http://127.0.0.1:8003",
			RerankModel:   "Qwen/Qwen3-Reranker-0.6B",
			TopK:          20,
			MinScore:      0.3,
			TurnThreshold: 4,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "skillagent.db",
		},
	}
}

// Load reads a TOML config file, applies it over the defaults, and then
// applies environment variable overrides. A missing file is not an error;
// env overrides still apply to the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config %q: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from environment variables. Every
// recognized option is overridable so deployments never need a file.
func (c *Config) applyEnv() {
	envStr(&c.Server.Host, "SERVER_HOST")
	envInt(&c.Server.Port, "SERVER_PORT")

	envStr(&c.Provider.BaseURL, "LLM_BASE_URL")
	envStr(&c.Provider.Model, "LLM_MODEL")
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.Provider.APIKeySource = "config"
		c.Provider.APIKey = v
	}

	envInt(&c.Agent.MaxIterations, "AGENT_MAX_ITERATIONS")
	envFloat(&c.Agent.DefaultTemperature, "AGENT_DEFAULT_TEMPERATURE")
	envInt(&c.Agent.DefaultMaxTokens, "AGENT_DEFAULT_MAX_TOKENS")

	envStr(&c.Skills.Directory, "SKILLS_DIRECTORY")
	envStr(&c.Skills.SandboxSkill, "SKILLS_SANDBOX_SKILL")

	envStr(&c.Sandbox.Host, "SANDBOX_HOST")
	envInt(&c.Sandbox.Port, "SANDBOX_PORT")
	envInt(&c.Sandbox.Timeout, "SANDBOX_TIMEOUT")

	envStr(&c.Memory.RerankBaseURL, "RERANK_BASE_URL")
	envStr(&c.Memory.RerankModel, "RERANK_MODEL")
	envInt(&c.Memory.TopK, "MEMORY_TOP_K")
	envFloat(&c.Memory.MinScore, "MEMORY_MIN_SCORE")
	envInt(&c.Memory.TurnThreshold, "MEMORY_TURN_THRESHOLD")

	envStr(&c.Database.Driver, "DATABASE_DRIVER")
	envStr(&c.Database.DSN, "DATABASE_DSN")
}

func (c *Config) validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("config validation: max_iterations must be >= 1 (got %d)", c.Agent.MaxIterations)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config validation: unknown database driver %q", c.Database.Driver)
	}
	if c.Memory.TopK < 1 {
		return fmt.Errorf("config validation: memory top_k must be >= 1 (got %d)", c.Memory.TopK)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
