// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// GUARDIAN_CLASSIFIER_API_URL.
const EnvPrefix = "GUARDIAN"

// Config is the root configuration, loaded from defaults, an optional
// guardian.yaml, the environment and command line flags, in increasing order
// of precedence.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Catalogue  CatalogueConfig  `mapstructure:"catalogue" yaml:"catalogue"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
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

// ClassifierConfig configures where safety verdicts come from and how they
// are cached. With no APIURL, verdicts come from the catalogue defaults.
type ClassifierConfig struct {
	APIURL     string            `mapstructure:"api_url" yaml:"api_url"`
	Timeout    time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL   time.Duration     `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RateLimit  float64           `mapstructure:"rate_limit" yaml:"rate_limit"`
	FailClosed bool              `mapstructure:"fail_closed" yaml:"fail_closed"`
	Overrides  map[string]string `mapstructure:"overrides" yaml:"overrides"`
}

// EngineConfig configures batch processing.
type EngineConfig struct {
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Strict       bool          `mapstructure:"strict" yaml:"strict"`
}

// CatalogueConfig points at an optional catalogue file merged after the
// built-in one.
type CatalogueConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig holds the run history database connection details. Empty
// disables run history.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig returns the configuration produced by defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key. Keys
// must have a default to be picked up from the environment.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "guardian")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Classifier --
	v.SetDefault("classifier.api_url", "")
	v.SetDefault("classifier.timeout", "4s")
	v.SetDefault("classifier.cache_ttl", "5m")
	v.SetDefault("classifier.rate_limit", 20.0)
	v.SetDefault("classifier.fail_closed", false)
	v.SetDefault("classifier.overrides", map[string]string{})

	// -- Engine --
	v.SetDefault("engine.concurrency", runtime.NumCPU())
	v.SetDefault("engine.batch_timeout", "0s")
	v.SetDefault("engine.strict", false)

	// -- Catalogue / Database --
	v.SetDefault("catalogue.path", "")
	v.SetDefault("database.url", "")
}

// BindEnv makes every key overridable from the environment, with dots
// replaced by underscores under EnvPrefix.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper unmarshals, expands and validates the configuration held
// by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading ~ in file paths.
func (c *Config) ExpandPaths() error {
	var err error
	if c.Catalogue.Path, err = homedir.Expand(c.Catalogue.Path); err != nil {
		return fmt.Errorf("catalogue.path: %w", err)
	}
	if c.Logger.LogFile, err = homedir.Expand(c.Logger.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.Engine.BatchTimeout < 0 {
		return fmt.Errorf("engine.batch_timeout must not be negative")
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("classifier.timeout must be positive")
	}
	if c.Classifier.CacheTTL <= 0 {
		return fmt.Errorf("classifier.cache_ttl must be positive")
	}
	if c.Classifier.RateLimit < 0 {
		return fmt.Errorf("classifier.rate_limit must not be negative")
	}
	if c.Classifier.APIURL != "" {
		u, err := url.Parse(c.Classifier.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("classifier.api_url must be an absolute http(s) URL, got %q", c.Classifier.APIURL)
		}
	}
	return nil
}
