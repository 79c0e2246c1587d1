package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported browser drivers and browser types.
const (
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

var supportedBrowserTypes = map[string]bool{
	"chromium": true,
	"chrome":   true,
	"msedge":   true,
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

type Config struct {
	Server          ServerConfig   `mapstructure:"server"`
	Browser         BrowserConfig  `mapstructure:"browser"`
	Solver          SolverConfig   `mapstructure:"solver"`
	Store           StoreConfig    `mapstructure:"store"`
	Log             LogConfig      `mapstructure:"log"`
	Security        SecurityConfig `mapstructure:"security"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdownTimeout"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration `mapstructure:"idleTimeout"`
	SubmitRate   float64       `mapstructure:"submitRate"` // submissions per second, 0 disables
	SubmitBurst  int           `mapstructure:"submitBurst"`
}

type BrowserConfig struct {
	Driver         string        `mapstructure:"driver"`
	Type           string        `mapstructure:"type"`
	ExecutablePath string        `mapstructure:"executablePath"`
	Headless       bool          `mapstructure:"headless"`
	UserAgent      string        `mapstructure:"userAgent"`
	PoolSize       int           `mapstructure:"poolSize"`
	ProxySupport   bool          `mapstructure:"proxySupport"`
	LaunchTimeout  time.Duration `mapstructure:"launchTimeout"`
}

type SolverConfig struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	ClickTimeout    time.Duration `mapstructure:"clickTimeout"`
	PollInterval    time.Duration `mapstructure:"pollInterval"`
	NavigateTimeout time.Duration `mapstructure:"navigateTimeout"`
	WidgetWidth     string        `mapstructure:"widgetWidth"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	DatabaseURL string `mapstructure:"databaseURL"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // console, json
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAge     int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ApiKey         string   `mapstructure:"apiKey"` // empty disables authentication
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.readTimeout", "15s")
	v.SetDefault("server.writeTimeout", "15s")
	v.SetDefault("server.idleTimeout", "60s")
	v.SetDefault("server.submitRate", 0)
	v.SetDefault("server.submitBurst", 10)

	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.type", "chromium")
	v.SetDefault("browser.executablePath", "") // Attempt auto-detect if empty
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.userAgent", "")
	v.SetDefault("browser.poolSize", 1)
	v.SetDefault("browser.proxySupport", true)
	v.SetDefault("browser.launchTimeout", "60s")

	v.SetDefault("solver.maxAttempts", 40)
	v.SetDefault("solver.readTimeout", "2s")
	v.SetDefault("solver.clickTimeout", "1s")
	v.SetDefault("solver.pollInterval", "500ms")
	v.SetDefault("solver.navigateTimeout", "30s")
	v.SetDefault("solver.widgetWidth", "70px")

	v.SetDefault("store.backend", StoreFile)
	v.SetDefault("store.path", "results.json")
	v.SetDefault("store.databaseURL", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSize", 100)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAge", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("security.allowedOrigins", []string{"*"})
	v.SetDefault("security.apiKey", "") // Should be set via env or secure means

	v.SetDefault("shutdownTimeout", "30s")
}

// New returns a viper instance with defaults, config file search paths and
// environment overrides (TURNSTILED_SERVER_PORT and so on) registered.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.turnstiled")
		v.AddConfigPath("/etc/turnstiled")
	}

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("TURNSTILED")
	return v
}

// Load reads the config file (if any) into v and decodes and validates it.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is a convenience wrapper around New and Load.
func LoadConfig(path string) (*Config, error) {
	return Load(New(path))
}

func (c *Config) Validate() error {
	if c.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.poolSize must be at least 1, got %d", c.Browser.PoolSize)
	}
	if !supportedBrowserTypes[c.Browser.Type] {
		return fmt.Errorf("unknown browser type %q (available: chromium, chrome, msedge)", c.Browser.Type)
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		return fmt.Errorf("unknown browser driver %q", c.Browser.Driver)
	}
	if c.Solver.MaxAttempts < 1 {
		return fmt.Errorf("solver.maxAttempts must be at least 1, got %d", c.Solver.MaxAttempts)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.databaseURL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
