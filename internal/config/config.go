// Package config wires viper-backed configuration for the agent and the
// initiator CLI. Defaults live here; the file (pagepilot.yaml), environment
// (PAGEPILOT_*) and flags layer on top.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Target    TargetConfig    `mapstructure:"target" yaml:"target"`
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Selectors SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
	Delays    DelaysConfig    `mapstructure:"delays" yaml:"delays"`
}

// LoggerConfig mirrors what internal/observability consumes.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StoreConfig points at the shared handoff database. Disabled means the
// agent runs on the page-session store alone.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// AgentConfig covers the page attachment and the local control channel.
type AgentConfig struct {
	// DevToolsURL is the browser's remote debugging endpoint.
	DevToolsURL string `mapstructure:"devtools_url" yaml:"devtools_url"`
	// ListenAddr is where the agent's control server binds.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// CallbackURL is the initiator endpoint results are pushed to.
	CallbackURL   string        `mapstructure:"callback_url" yaml:"callback_url"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
}

// TargetConfig scopes the agent to the studio it is allowed to drive.
type TargetConfig struct {
	Hostnames []string `mapstructure:"hostnames" yaml:"hostnames"`
}

// BackendConfig configures the prompt service client.
type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SelectorsConfig carries per-role candidate overrides. An override replaces
// the role's whole default list.
type SelectorsConfig struct {
	Overrides map[string][]string `mapstructure:"overrides" yaml:"overrides"`
}

// DelaysConfig tunes the fixed pacing the automation applies to the page.
type DelaysConfig struct {
	Settle               time.Duration `mapstructure:"settle" yaml:"settle"`
	InterItem            time.Duration `mapstructure:"inter_item" yaml:"inter_item"`
	Poll                 time.Duration `mapstructure:"poll" yaml:"poll"`
	AutoHide             time.Duration `mapstructure:"auto_hide" yaml:"auto_hide"`
	SaveRetry            time.Duration `mapstructure:"save_retry" yaml:"save_retry"`
	PromptResolveTimeout time.Duration `mapstructure:"prompt_resolve_timeout" yaml:"prompt_resolve_timeout"`
	FileResolveTimeout   time.Duration `mapstructure:"file_resolve_timeout" yaml:"file_resolve_timeout"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagepilot")
	v.SetDefault("logger.log_file", "pagepilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Store --
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.url", "")

	// -- Agent --
	v.SetDefault("agent.devtools_url", "http://127.0.0.1:9222")
	v.SetDefault("agent.listen_addr", "127.0.0.1:8743")
	v.SetDefault("agent.callback_url", "")
	v.SetDefault("agent.attach_timeout", "30s")

	// -- Target --
	v.SetDefault("target.hostnames", []string{"studio.pixelmuse.app"})

	// -- Backend --
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", "30s")

	// -- Delays --
	v.SetDefault("delays.settle", "1s")
	v.SetDefault("delays.inter_item", "2s")
	v.SetDefault("delays.poll", "100ms")
	v.SetDefault("delays.auto_hide", "4s")
	v.SetDefault("delays.save_retry", "1s")
	v.SetDefault("delays.prompt_resolve_timeout", "10s")
	v.SetDefault("delays.file_resolve_timeout", "5s")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if len(c.Target.Hostnames) == 0 {
		return fmt.Errorf("target.hostnames must name at least one host")
	}
	if c.Store.Enabled && c.Store.URL == "" {
		return fmt.Errorf("store.url is required when store.enabled is true")
	}
	if c.Agent.ListenAddr == "" {
		return fmt.Errorf("agent.listen_addr must not be empty")
	}
	if c.Delays.Poll <= 0 {
		return fmt.Errorf("delays.poll must be a positive duration")
	}
	if c.Delays.Settle < 0 || c.Delays.InterItem < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}
