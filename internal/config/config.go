// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts human-readable YAML values such as
// "10m" or "45s", as well as plain nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

// Config represents the agent runtime configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Agent     AgentConfig     `yaml:"agent"`
	Questions QuestionsConfig `yaml:"questions"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds persistence configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SandboxConfig holds execution container configuration
type SandboxConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Image         string   `yaml:"image"`
	WorkDir       string   `yaml:"work_dir"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
	ExecTimeout   Duration `yaml:"exec_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// AgentConfig holds agent engine configuration
type AgentConfig struct {
	Provider      string `yaml:"provider"`
	APIKey        string `yaml:"api_key,omitempty"`
	APIKeyEnv     string `yaml:"api_key_env,omitempty"`
	BaseURL       string `yaml:"base_url,omitempty"`
	Model         string `yaml:"model"`
	MaxIterations int    `yaml:"max_iterations"`
	SystemPrompt  string `yaml:"system_prompt,omitempty"`
}

// QuestionsConfig holds interactive question configuration
type QuestionsConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Resolve the API key from its environment variable
	if config.Agent.APIKeyEnv != "" {
		config.Agent.APIKey = os.Getenv(config.Agent.APIKeyEnv)
	}

	applyEnvOverrides(&config)
	config.SetDefaults()

	return &config, nil
}

// applyEnvOverrides lets AGENTRUN_* environment variables override file
// values, e.g. AGENTRUN_SERVER_PORT=9090.
func applyEnvOverrides(c *Config) {
	v := viper.New()
	v.SetEnvPrefix("AGENTRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("server.host"); s != "" {
		c.Server.Host = s
	}
	if p := v.GetInt("server.port"); p != 0 {
		c.Server.Port = p
	}
	if s := v.GetString("database.driver"); s != "" {
		c.Database.Driver = s
	}
	if s := v.GetString("database.dsn"); s != "" {
		c.Database.DSN = s
	}
	if s := v.GetString("sandbox.image"); s != "" {
		c.Sandbox.Image = s
	}
	if s := v.GetString("agent.api_key"); s != "" {
		c.Agent.APIKey = s
	}
	if s := v.GetString("agent.base_url"); s != "" {
		c.Agent.BaseURL = s
	}
	if s := v.GetString("agent.model"); s != "" {
		c.Agent.Model = s
	}
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "agentrun.db"
	}

	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "debian:bookworm-slim"
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = "/workspace"
	}
	if c.Sandbox.IdleTimeout == 0 {
		c.Sandbox.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Sandbox.ExecTimeout == 0 {
		c.Sandbox.ExecTimeout = Duration(60 * time.Second)
	}
	if c.Sandbox.SweepInterval == 0 {
		c.Sandbox.SweepInterval = Duration(time.Minute)
	}

	if c.Agent.Provider == "" {
		c.Agent.Provider = "openai"
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "gpt-4o"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}

	if c.Questions.TTL == 0 {
		c.Questions.TTL = Duration(5 * time.Minute)
	}
	if c.Questions.SweepInterval == 0 {
		c.Questions.SweepInterval = Duration(30 * time.Second)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Agent.Provider {
	case "openai":
		if c.Agent.APIKey == "" && c.Agent.APIKeyEnv == "" {
			return fmt.Errorf("agent provider openai requires api_key or api_key_env")
		}
	case "scripted":
	default:
		return fmt.Errorf("agent.provider must be openai or scripted, got %q", c.Agent.Provider)
	}

	if c.Sandbox.IdleTimeout < 0 || c.Sandbox.ExecTimeout < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "agentrun.db",
		},
		Sandbox: SandboxConfig{
			Enabled:       true,
			Image:         "debian:bookworm-slim",
			WorkDir:       "/workspace",
			IdleTimeout:   Duration(30 * time.Minute),
			ExecTimeout:   Duration(60 * time.Second),
			SweepInterval: Duration(time.Minute),
		},
		Agent: AgentConfig{
			Provider:      "openai",
			APIKeyEnv:     "OPENAI_API_KEY",
			Model:         "gpt-4o",
			MaxIterations: 10,
		},
		Questions: QuestionsConfig{
			TTL:           Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
	}

	return config
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
