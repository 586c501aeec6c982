// ABOUTME: Configuration loading and parsing for opsconsoled
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete opsconsoled configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	SSH      SSHConfig      `yaml:"ssh"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the profile database location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig holds the conversation store location
type StoreConfig struct {
	Root string `yaml:"root"`
}

// AuthConfig holds authentication configuration.
// An empty jwt_secret disables authentication entirely.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SSHConfig holds SSH dialing configuration
type SSHConfig struct {
	DialTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DialTimeoutRaw string `yaml:"dial_timeout"`
}

// AgentConfig holds agent run tuning
type AgentConfig struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	ModelTimeout  time.Duration `yaml:"-"`

	ModelTimeoutRaw string `yaml:"model_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Store.Root == "" {
		return fmt.Errorf("store.root is required")
	}
	if c.Agent.MaxToolRounds < 0 {
		return fmt.Errorf("agent.max_tool_rounds cannot be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.SSH.DialTimeoutRaw != "" {
		cfg.SSH.DialTimeout, err = time.ParseDuration(cfg.SSH.DialTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing ssh.dial_timeout %q: %w", cfg.SSH.DialTimeoutRaw, err)
		}
	}

	if cfg.Agent.ModelTimeoutRaw != "" {
		cfg.Agent.ModelTimeout, err = time.ParseDuration(cfg.Agent.ModelTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent.model_timeout %q: %w", cfg.Agent.ModelTimeoutRaw, err)
		}
	}

	return nil
}
