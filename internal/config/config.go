// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is populated once at
// startup from defaults, an optional config file, environment variables, and
// CLI flags, then treated as read-only by every other package.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Device  DeviceConfig  `mapstructure:"device" yaml:"device"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	// Run gets its marching orders from CLI flags, not the config file.
	Run RunConfig `mapstructure:"run" yaml:"run"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DeviceConfig holds settings for talking to devices over adb.
type DeviceConfig struct {
	// ADBPath is the adb binary to invoke. Resolved through PATH when bare.
	ADBPath string `mapstructure:"adb_path" yaml:"adb_path"`
	// Serials lists the device serials available to a run. Each parallel
	// session claims exactly one serial for its whole lifetime.
	Serials []string `mapstructure:"serials" yaml:"serials"`
	// CommandTimeout bounds a single adb invocation.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMConfig selects and tunes the model provider. The powerful model plans
// actions; the fast model answers grounding and progress queries.
type LLMConfig struct {
	Provider      LLMProvider   `mapstructure:"provider" yaml:"provider"`
	PowerfulModel string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	FastModel     string        `mapstructure:"fast_model" yaml:"fast_model"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// SessionConfig is the configuration surface of the Plan-Act-Verify loop:
// ceilings, timeouts, backoff shape, and the history window fed back to the
// planner. Every knob here is a documented trade-off, not tuning folklore.
type SessionConfig struct {
	// MaxSteps is the hard total-step ceiling. It never resets; reaching it
	// aborts the session regardless of failure streaks.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// HistoryWindow is the number of trailing steps included in planner
	// prompts. The full history is always kept for reporting; only this
	// suffix reaches the model, to keep prompt size stable.
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
	// TransientRetries bounds in-place retries of one action after
	// transient device failures before the step counts as failed.
	TransientRetries int `mapstructure:"transient_retries" yaml:"transient_retries"`
	// ConsecutiveFailureLimit ends the session with verdict failed once
	// this many step failures occur without an intervening success.
	ConsecutiveFailureLimit int `mapstructure:"consecutive_failure_limit" yaml:"consecutive_failure_limit"`
	// PlanningErrorLimit aborts the session after this many vocabulary
	// rejections or unparsable planner replies in a row.
	PlanningErrorLimit int `mapstructure:"planning_error_limit" yaml:"planning_error_limit"`
	// MaxScrolls is the default swipe budget for scroll_until_text when the
	// planner does not pick one.
	MaxScrolls int `mapstructure:"max_scrolls" yaml:"max_scrolls"`

	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	// SettleDelay is how long the device gets to settle after an action
	// before the verifying re-observation.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`

	ObserveTimeout time.Duration `mapstructure:"observe_timeout" yaml:"observe_timeout"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ModelTimeout   time.Duration `mapstructure:"model_timeout" yaml:"model_timeout"`

	// VerifyEvery triggers an interim goal-completion query every N steps,
	// catching goals that were satisfied without the planner noticing.
	VerifyEvery int `mapstructure:"verify_every" yaml:"verify_every"`
	// StepsPerSecond paces the loop so the device UI keeps up.
	StepsPerSecond float64 `mapstructure:"steps_per_second" yaml:"steps_per_second"`
}

// StoreConfig enables run persistence when a database URL is present.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// RunConfig holds settings populated from CLI flags for a specific run.
type RunConfig struct {
	// SuitePath points at a YAML suite file; Goal is the ad-hoc alternative.
	SuitePath string   `mapstructure:"suite"`
	Goal      string   `mapstructure:"goal"`
	Package   string   `mapstructure:"package"`
	TestIDs   []string `mapstructure:"test_ids"`
	// Fresh force-stops the app and clears its data before each test.
	Fresh bool `mapstructure:"fresh"`
	// OutputDir is where per-run artifact directories are created.
	OutputDir string `mapstructure:"output_dir"`
	// OutputPath optionally receives a rendered copy of the report.
	OutputPath string `mapstructure:"output"`
	Format     string `mapstructure:"format"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "droidprobe")
	v.SetDefault("logger.log_file", "droidprobe.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Device --
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.serials", []string{"emulator-5554"})
	v.SetDefault("device.command_timeout", "20s")

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "90s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)

	// -- Session --
	v.SetDefault("session.max_steps", 20)
	v.SetDefault("session.history_window", 5)
	v.SetDefault("session.transient_retries", 2)
	v.SetDefault("session.consecutive_failure_limit", 3)
	v.SetDefault("session.planning_error_limit", 3)
	v.SetDefault("session.max_scrolls", 3)
	v.SetDefault("session.backoff_base", "500ms")
	v.SetDefault("session.backoff_cap", "8s")
	v.SetDefault("session.settle_delay", "1500ms")
	v.SetDefault("session.observe_timeout", "15s")
	v.SetDefault("session.action_timeout", "30s")
	v.SetDefault("session.model_timeout", "90s")
	v.SetDefault("session.verify_every", 3)
	v.SetDefault("session.steps_per_second", 1.0)

	// -- Run --
	v.SetDefault("run.output_dir", "runs")
	v.SetDefault("run.format", "json")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "DROIDPROBE_LLM_API_KEY")
	v.BindEnv("store.database_url", "DROIDPROBE_DATABASE_URL")

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
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("llm.provider must be one of [gemini, openai], got %q", c.LLM.Provider)
	}
	if c.LLM.PowerfulModel == "" {
		return fmt.Errorf("llm.powerful_model is a required configuration field")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if len(c.Device.Serials) == 0 {
		return fmt.Errorf("device.serials must list at least one device")
	}
	if c.Device.CommandTimeout <= 0 {
		return fmt.Errorf("device.command_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the session loop settings.
func (s *SessionConfig) Validate() error {
	if s.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be greater than 0")
	}
	if s.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be greater than 0")
	}
	if s.TransientRetries < 0 {
		return fmt.Errorf("transient_retries must not be negative")
	}
	if s.ConsecutiveFailureLimit <= 0 {
		return fmt.Errorf("consecutive_failure_limit must be greater than 0")
	}
	if s.PlanningErrorLimit <= 0 {
		return fmt.Errorf("planning_error_limit must be greater than 0")
	}
	if s.BackoffBase <= 0 || s.BackoffCap < s.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and backoff_cap must not be below it")
	}
	if s.ObserveTimeout <= 0 || s.ActionTimeout <= 0 || s.ModelTimeout <= 0 {
		return fmt.Errorf("observe_timeout, action_timeout, and model_timeout must be positive durations")
	}
	if s.StepsPerSecond <= 0 {
		return fmt.Errorf("steps_per_second must be greater than 0")
	}
	return nil
}
