// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Bridge() BridgeConfig
	Resilience() ResilienceConfig
	Vision() VisionConfig
	Auth() AuthConfig
	SEI() SEIConfig

	// Server Setters
	SetServerPort(int)
	SetServerHost(string)

	// Browser Setters
	SetBrowserHeadless(bool)

	// Vision Setters
	SetVisionEnabled(bool)
}

// Config holds the entire application configuration.
// Access goes through the Interface's getter methods.
type Config struct {
	LoggerC     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	ServerC     ServerConfig     `mapstructure:"server" yaml:"server"`
	DatabaseC   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	BrowserC    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	BridgeC     BridgeConfig     `mapstructure:"bridge" yaml:"bridge"`
	ResilienceC ResilienceConfig `mapstructure:"resilience" yaml:"resilience"`
	VisionC     VisionConfig     `mapstructure:"vision" yaml:"vision"`
	AuthC       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	SEIC        SEIConfig        `mapstructure:"sei" yaml:"sei"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerC }
func (c *Config) Server() ServerConfig         { return c.ServerC }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseC }
func (c *Config) Browser() BrowserConfig       { return c.BrowserC }
func (c *Config) Bridge() BridgeConfig         { return c.BridgeC }
func (c *Config) Resilience() ResilienceConfig { return c.ResilienceC }
func (c *Config) Vision() VisionConfig         { return c.VisionC }
func (c *Config) Auth() AuthConfig             { return c.AuthC }
func (c *Config) SEI() SEIConfig               { return c.SEIC }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetServerPort(p int)       { c.ServerC.Port = p }
func (c *Config) SetServerHost(h string)    { c.ServerC.Host = h }
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserC.Headless = b }
func (c *Config) SetVisionEnabled(b bool)   { c.VisionC.Enabled = b }

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

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the credential store connection details. An empty
// URL disables the Postgres token validator.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the managed headless Chrome used when
// no extension session is connected. Disabled, the bridge is extension
// only and calls without a session fail as backend unavailable.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserDataDir       string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
}

// BridgeConfig tunes the command dispatcher and result cache.
type BridgeConfig struct {
	CommandTimeout   time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	ExtensionWait    time.Duration `mapstructure:"extension_wait" yaml:"extension_wait"`
	SearchCacheTTL   time.Duration `mapstructure:"search_cache_ttl" yaml:"search_cache_ttl"`
	DocumentCacheTTL time.Duration `mapstructure:"document_cache_ttl" yaml:"document_cache_ttl"`
	StatusCacheTTL   time.Duration `mapstructure:"status_cache_ttl" yaml:"status_cache_ttl"`
}

// ResilienceConfig tunes the selector location cascade.
type ResilienceConfig struct {
	FailFastTimeout    time.Duration `mapstructure:"fail_fast_timeout" yaml:"fail_fast_timeout"`
	SelectorStorePath  string        `mapstructure:"selector_store_path" yaml:"selector_store_path"`
	PruneMaxAge        time.Duration `mapstructure:"prune_max_age" yaml:"prune_max_age"`
	DiagnosticsEnabled bool          `mapstructure:"diagnostics_enabled" yaml:"diagnostics_enabled"`
}

// VisionConfig configures the vision-model fallback for element location.
type VisionConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Model         string        `mapstructure:"model" yaml:"model"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RatePerMinute float64       `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	MaxRetries    uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

// AuthConfig configures extension token validation.
type AuthConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret" yaml:"-"`
	StaticTokens []string `mapstructure:"static_tokens" yaml:"static_tokens"`
}

// SEIConfig identifies the target SEI installation.
type SEIConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
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
	v.SetDefault("logger.service_name", "sei-bridge")
	v.SetDefault("logger.log_file", "sei-bridge.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Browser --
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.viewport_width", 1440)
	v.SetDefault("browser.viewport_height", 900)

	// -- Bridge --
	v.SetDefault("bridge.command_timeout", "30s")
	v.SetDefault("bridge.extension_wait", "60s")
	v.SetDefault("bridge.search_cache_ttl", "30s")
	v.SetDefault("bridge.document_cache_ttl", "60s")
	v.SetDefault("bridge.status_cache_ttl", "30s")

	// -- Resilience --
	v.SetDefault("resilience.fail_fast_timeout", "3s")
	v.SetDefault("resilience.selector_store_path", "~/.sei-bridge/selectors.json")
	v.SetDefault("resilience.prune_max_age", "720h")
	v.SetDefault("resilience.diagnostics_enabled", true)

	// -- Vision --
	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.model", "gemini-2.5-flash")
	v.SetDefault("vision.endpoint", "https://generativelanguage.googleapis.com/v1beta/models")
	v.SetDefault("vision.api_timeout", "45s")
	v.SetDefault("vision.rate_per_minute", 10.0)
	v.SetDefault("vision.max_retries", 3)

	// -- SEI --
	v.SetDefault("sei.base_url", "https://sei.tjsp.jus.br")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("vision.api_key", "SEI_BRIDGE_VISION_API_KEY")
	v.BindEnv("auth.jwt_secret", "SEI_BRIDGE_JWT_SECRET")
	v.BindEnv("database.url", "SEI_BRIDGE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.VisionC.Enabled && cfg.VisionC.APIKey == "" {
		cfg.VisionC.APIKey = os.Getenv("SEI_BRIDGE_VISION_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ServerC.Port <= 0 || c.ServerC.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.BridgeC.CommandTimeout <= 0 {
		return fmt.Errorf("bridge.command_timeout must be a positive duration")
	}
	if c.ResilienceC.FailFastTimeout <= 0 {
		return fmt.Errorf("resilience.fail_fast_timeout must be a positive duration")
	}
	if err := c.VisionC.Validate(); err != nil {
		return fmt.Errorf("vision configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the vision fallback settings.
func (vc *VisionConfig) Validate() error {
	if !vc.Enabled {
		return nil
	}
	if vc.APIKey == "" {
		return fmt.Errorf("api key is required but not found. Ensure SEI_BRIDGE_VISION_API_KEY is set")
	}
	if vc.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if vc.RatePerMinute <= 0 {
		return fmt.Errorf("rate_per_minute must be greater than 0")
	}
	return nil
}
