// Package config provides configuration management for msfailab.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for msfailab.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Container ContainerConfig `mapstructure:"container"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Msgrpc    MsgrpcConfig    `mapstructure:"msgrpc"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the websocket gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	LabelPrefix string `mapstructure:"labelPrefix"` // label namespace for managed containers
	StopTimeout int    `mapstructure:"stopTimeout"` // in seconds
}

// ContainerConfig holds the container controller's operational knobs.
type ContainerConfig struct {
	HealthCheckIntervalMs int `mapstructure:"healthCheckIntervalMs"`
	MaxRestartCount       int `mapstructure:"maxRestartCount"`
	BaseBackoffMs         int `mapstructure:"baseBackoffMs"`
	MaxBackoffMs          int `mapstructure:"maxBackoffMs"`
	SuccessResetMs        int `mapstructure:"successResetMs"`
	PortRangeStart        int `mapstructure:"portRangeStart"`
	PortRangeEnd          int `mapstructure:"portRangeEnd"`
}

// ConsoleConfig holds console session knobs.
type ConsoleConfig struct {
	PollIntervalMs        int      `mapstructure:"pollIntervalMs"`
	PromptTerminators     []string `mapstructure:"promptTerminators"`
	RestartBaseBackoffMs  int      `mapstructure:"restartBaseBackoffMs"`
	RestartMaxBackoffMs   int      `mapstructure:"restartMaxBackoffMs"`
	MaxRestartAttempts    int      `mapstructure:"maxRestartAttempts"`
}

// MsgrpcConfig holds the Metasploit RPC connection knobs.
type MsgrpcConfig struct {
	User                 string `mapstructure:"user"`
	Password             string `mapstructure:"password"`
	InitialDelayMs       int    `mapstructure:"initialDelayMs"`
	MaxConnectAttempts   int    `mapstructure:"maxConnectAttempts"`
	ConnectBaseBackoffMs int    `mapstructure:"connectBaseBackoffMs"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	DefaultModel    string   `mapstructure:"defaultModel"` // glob; first after reverse-lex sort wins
	ModelFilters    []string `mapstructure:"modelFilters"` // globs restricting listed models
	AnthropicAPIKey string   `mapstructure:"anthropicApiKey"`
	OpenAIAPIKey    string   `mapstructure:"openaiApiKey"`
	MaxTokens       int      `mapstructure:"maxTokens"`
}

// ToolsConfig holds tool execution knobs.
type ToolsConfig struct {
	MsfTimeoutMs  int    `mapstructure:"msfTimeoutMs"`
	BashTimeoutMs int    `mapstructure:"bashTimeoutMs"`
	RegistryPath  string `mapstructure:"registryPath"` // optional YAML with extra tool definitions
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthCheckInterval returns the container liveness probe period.
func (c *ContainerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// BaseBackoff returns the container restart backoff base.
func (c *ContainerConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff returns the container restart backoff cap.
func (c *ContainerConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// SuccessReset returns the continuous-running duration that resets the restart counter.
func (c *ContainerConfig) SuccessReset() time.Duration {
	return time.Duration(c.SuccessResetMs) * time.Millisecond
}

// PollInterval returns the console output polling period.
func (c *ConsoleConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RestartBaseBackoff returns the console restart backoff base.
func (c *ConsoleConfig) RestartBaseBackoff() time.Duration {
	return time.Duration(c.RestartBaseBackoffMs) * time.Millisecond
}

// RestartMaxBackoff returns the console restart backoff cap.
func (c *ConsoleConfig) RestartMaxBackoff() time.Duration {
	return time.Duration(c.RestartMaxBackoffMs) * time.Millisecond
}

// InitialDelay returns the delay before the first login attempt.
func (m *MsgrpcConfig) InitialDelay() time.Duration {
	return time.Duration(m.InitialDelayMs) * time.Millisecond
}

// ConnectBaseBackoff returns the linear retry unit for msgrpc logins.
func (m *MsgrpcConfig) ConnectBaseBackoff() time.Duration {
	return time.Duration(m.ConnectBaseBackoffMs) * time.Millisecond
}

// MsfTimeout returns the wall-clock limit for msf tool executions.
func (t *ToolsConfig) MsfTimeout() time.Duration {
	return time.Duration(t.MsfTimeoutMs) * time.Millisecond
}

// BashTimeout returns the wall-clock limit for bash tool executions.
func (t *ToolsConfig) BashTimeout() time.Duration {
	return time.Duration(t.BashTimeoutMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./msfailab.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "msfailab")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "msfailab")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.labelPrefix", "msfailab")
	v.SetDefault("docker.stopTimeout", 10)

	// Container controller defaults
	v.SetDefault("container.healthCheckIntervalMs", 30000)
	v.SetDefault("container.maxRestartCount", 5)
	v.SetDefault("container.baseBackoffMs", 1000)
	v.SetDefault("container.maxBackoffMs", 60000)
	v.SetDefault("container.successResetMs", 300000)
	v.SetDefault("container.portRangeStart", 55553)
	v.SetDefault("container.portRangeEnd", 55653)

	// Console session defaults
	v.SetDefault("console.pollIntervalMs", 500)
	v.SetDefault("console.promptTerminators", []string{"> "})
	v.SetDefault("console.restartBaseBackoffMs", 1000)
	v.SetDefault("console.restartMaxBackoffMs", 30000)
	v.SetDefault("console.maxRestartAttempts", 10)

	// Metasploit RPC defaults
	v.SetDefault("msgrpc.user", "msf")
	v.SetDefault("msgrpc.password", "")
	v.SetDefault("msgrpc.initialDelayMs", 5000)
	v.SetDefault("msgrpc.maxConnectAttempts", 10)
	v.SetDefault("msgrpc.connectBaseBackoffMs", 2000)

	// LLM defaults
	v.SetDefault("llm.defaultModel", "claude-*")
	v.SetDefault("llm.modelFilters", []string{})
	v.SetDefault("llm.maxTokens", 8192)

	// Tool defaults
	v.SetDefault("tools.msfTimeoutMs", 300000)
	v.SetDefault("tools.bashTimeoutMs", 120000)
	v.SetDefault("tools.registryPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MSFAILAB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/msfailab/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MSFAILAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose env var naming differs from the
	// config key naming (AutomaticEnv does not convert camelCase).
	_ = v.BindEnv("msgrpc.password", "MSFAILAB_MSGRPC_PASSWORD", "MSF_RPC_PASSWORD")
	_ = v.BindEnv("llm.anthropicApiKey", "MSFAILAB_LLM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.openaiApiKey", "MSFAILAB_LLM_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("database.path", "MSFAILAB_DB_PATH")
	_ = v.BindEnv("database.driver", "MSFAILAB_DB_DRIVER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/msfailab/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Container.PortRangeStart > cfg.Container.PortRangeEnd {
		return fmt.Errorf("container.portRangeStart %d exceeds portRangeEnd %d",
			cfg.Container.PortRangeStart, cfg.Container.PortRangeEnd)
	}
	if cfg.Container.MaxRestartCount < 0 {
		return fmt.Errorf("container.maxRestartCount must be non-negative")
	}
	if len(cfg.Console.PromptTerminators) == 0 {
		return fmt.Errorf("console.promptTerminators must not be empty")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MSFAILAB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
