// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Profile ProfileConfig `mapstructure:"profile" yaml:"profile"`
}

// LoggerConfig holds all the configuration for the logger.
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

// BrowserConfig holds settings for the headless browser driver.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// AgentConfig carries the execution-loop thresholds. The escalation and drift
// constants were tuned empirically; they are configuration, not fixed law.
type AgentConfig struct {
	MaxHistory             int           `mapstructure:"max_history" yaml:"max_history"`
	MaxConsecutiveAsks     int           `mapstructure:"max_consecutive_asks" yaml:"max_consecutive_asks"`
	EscalationThreshold    int           `mapstructure:"escalation_threshold" yaml:"escalation_threshold"`
	AttemptCap             int           `mapstructure:"attempt_cap" yaml:"attempt_cap"`
	DisabledSentinel       int           `mapstructure:"disabled_sentinel" yaml:"disabled_sentinel"`
	DriftStepPx            float64       `mapstructure:"drift_step_px" yaml:"drift_step_px"`
	Settle                 time.Duration `mapstructure:"settle" yaml:"settle"`
	EscalationSettle       time.Duration `mapstructure:"escalation_settle" yaml:"escalation_settle"`
	MinStepsForCompletion  int           `mapstructure:"min_steps_for_completion" yaml:"min_steps_for_completion"`
	CompletionPhrases      []string      `mapstructure:"completion_phrases" yaml:"completion_phrases"`
	DefaultBank            string        `mapstructure:"default_bank" yaml:"default_bank"`
	ProviderURLs           map[string]string `mapstructure:"provider_urls" yaml:"provider_urls"`
	SearchFallbackTemplate string        `mapstructure:"search_fallback_template" yaml:"search_fallback_template"`
}

// LLMConfig defines the configuration for the vision model endpoint.
type LLMConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RatePerMin  float64       `mapstructure:"rate_per_min" yaml:"rate_per_min"`
}

// ProfileConfig locates the user profile/credential store.
type ProfileConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "arvyn")
	v.SetDefault("logger.log_file", "arvyn.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.navigation_timeout", "90s")

	// -- Agent loop --
	v.SetDefault("agent.max_history", 60)
	v.SetDefault("agent.max_consecutive_asks", 5)
	v.SetDefault("agent.escalation_threshold", 3)
	v.SetDefault("agent.attempt_cap", 6)
	v.SetDefault("agent.disabled_sentinel", 999)
	v.SetDefault("agent.drift_step_px", 12.0)
	v.SetDefault("agent.settle", "1500ms")
	v.SetDefault("agent.escalation_settle", "3s")
	v.SetDefault("agent.min_steps_for_completion", 3)
	v.SetDefault("agent.completion_phrases", []string{
		"payment successful",
		"transaction successful",
		"transaction complete",
		"order placed",
		"order confirmed",
		"thank you for your payment",
		"available balance",
	})
	v.SetDefault("agent.default_bank", "Rio Finance Bank")
	v.SetDefault("agent.search_fallback_template", "https://www.google.com/search?q=%s")

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_retries", 4)
	v.SetDefault("llm.rate_per_min", 30.0)

	// -- Profile --
	v.SetDefault("profile.db_path", "arvyn_profile.db")
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Agent.MaxHistory <= 0 {
		return fmt.Errorf("agent.max_history must be a positive integer")
	}
	if c.Agent.AttemptCap <= c.Agent.EscalationThreshold {
		return fmt.Errorf("agent.attempt_cap must exceed agent.escalation_threshold")
	}
	if c.Agent.DisabledSentinel <= c.Agent.AttemptCap {
		return fmt.Errorf("agent.disabled_sentinel must exceed agent.attempt_cap")
	}
	if c.Agent.MinStepsForCompletion < 0 {
		return fmt.Errorf("agent.min_steps_for_completion cannot be negative")
	}
	if c.LLM.MaxRetries <= 0 {
		return fmt.Errorf("llm.max_retries must be a positive integer")
	}
	return nil
}
