package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/appconfig/internal/codec"
)

const (
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultTable          = "settings"
	defaultKeyColumn      = "keyname"
	defaultValueColumn    = "value"
	defaultFormatColumn   = "value_format"
	defaultStoreTimeout   = 5 * time.Second

	// BackendMemory keeps settings in an in-process table.
	BackendMemory = "memory"
	// BackendPostgres reads and writes settings in a PostgreSQL table.
	BackendPostgres = "postgres"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	Port                 string        `yaml:"port"`
	LogLevel             string        `yaml:"log_level"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	EnableRequestLogging bool          `yaml:"enable_request_logging"`
	RateLimitRPS         float64       `yaml:"-"`
	RateLimitBurst       int           `yaml:"-"`
	Store                StoreConfig   `yaml:"-"`
}

// StoreConfig describes the table the settings registry is bound to.
type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	Table         string
	KeyColumn     string
	ValueColumn   string
	FormatColumn  string
	ListSeparator string
	PairSeparator string
	SeedFile      string
	Timeout       time.Duration
	LoadOnStart   bool
}

// Codec returns the value codec configured by the store separators.
func (s StoreConfig) Codec() codec.Codec {
	return codec.Codec{ListSeparator: s.ListSeparator, PairSeparator: s.PairSeparator}
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Port                 string        `yaml:"port"`
	LogLevel             string        `yaml:"log_level"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
	Store                yamlStore     `yaml:"store"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// yamlStore represents the store section in YAML.
type yamlStore struct {
	Backend       string `yaml:"backend"`
	DatabaseURL   string `yaml:"database_url"`
	Table         string `yaml:"table"`
	KeyColumn     string `yaml:"key_column"`
	ValueColumn   string `yaml:"value_column"`
	FormatColumn  string `yaml:"format_column"`
	ListSeparator string `yaml:"list_separator"`
	PairSeparator string `yaml:"pair_separator"`
	SeedFile      string `yaml:"seed_file"`
	Timeout       string `yaml:"timeout"`
	LoadOnStart   *bool  `yaml:"load_on_start"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Port           *string
	LogLevel       *string
	Backend        *string
	DatabaseURL    *string
	Table          *string
	SeedFile       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	// Apply environment variables first so the YAML file can override them
	applyEnvConfig(&cfg)

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Port:                 defaultPort,
		LogLevel:             defaultLogLevel,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		Store: StoreConfig{
			Backend:      BackendMemory,
			Table:        defaultTable,
			KeyColumn:    defaultKeyColumn,
			ValueColumn:  defaultValueColumn,
			FormatColumn: defaultFormatColumn,
			Timeout:      defaultStoreTimeout,
			LoadOnStart:  true,
		},
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Port != "" {
		cfg.Port = yamlCfg.Port
	}
	setIfNotEmpty(&cfg.LogLevel, strings.ToLower(yamlCfg.LogLevel))

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
		{"store.timeout", yamlCfg.Store.Timeout, &cfg.Store.Timeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}

	if yamlCfg.RateLimit.RPS != nil && *yamlCfg.RateLimit.RPS >= 0 {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}

	if yamlCfg.RateLimit.Burst != nil && *yamlCfg.RateLimit.Burst >= 0 {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	setIfNotEmpty(&cfg.Store.Backend, strings.ToLower(yamlCfg.Store.Backend))
	setIfNotEmpty(&cfg.Store.DatabaseURL, yamlCfg.Store.DatabaseURL)
	setIfNotEmpty(&cfg.Store.Table, yamlCfg.Store.Table)
	setIfNotEmpty(&cfg.Store.KeyColumn, yamlCfg.Store.KeyColumn)
	setIfNotEmpty(&cfg.Store.ValueColumn, yamlCfg.Store.ValueColumn)
	setIfNotEmpty(&cfg.Store.FormatColumn, yamlCfg.Store.FormatColumn)
	setIfNotEmpty(&cfg.Store.ListSeparator, yamlCfg.Store.ListSeparator)
	setIfNotEmpty(&cfg.Store.PairSeparator, yamlCfg.Store.PairSeparator)
	setIfNotEmpty(&cfg.Store.SeedFile, yamlCfg.Store.SeedFile)
	if yamlCfg.Store.LoadOnStart != nil {
		cfg.Store.LoadOnStart = *yamlCfg.Store.LoadOnStart
	}

	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Port = port
	}

	setIfNotEmpty(&cfg.LogLevel, strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))

	if rps := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := strings.TrimSpace(os.Getenv("RATE_LIMIT_BURST")); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}

	setIfNotEmpty(&cfg.Store.Backend, strings.ToLower(strings.TrimSpace(os.Getenv("APPCONFIG_BACKEND"))))
	setIfNotEmpty(&cfg.Store.DatabaseURL, strings.TrimSpace(os.Getenv("APPCONFIG_DATABASE_URL")))
	setIfNotEmpty(&cfg.Store.Table, strings.TrimSpace(os.Getenv("APPCONFIG_TABLE")))
	setIfNotEmpty(&cfg.Store.SeedFile, strings.TrimSpace(os.Getenv("APPCONFIG_SEED_FILE")))

	if timeout := strings.TrimSpace(os.Getenv("APPCONFIG_STORE_TIMEOUT")); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			cfg.Store.Timeout = d
		}
	}
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}

	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*overrides.LogLevel)
	}

	if overrides.Backend != nil && *overrides.Backend != "" {
		cfg.Store.Backend = strings.ToLower(*overrides.Backend)
	}

	if overrides.DatabaseURL != nil && *overrides.DatabaseURL != "" {
		cfg.Store.DatabaseURL = *overrides.DatabaseURL
	}

	if overrides.Table != nil && *overrides.Table != "" {
		cfg.Store.Table = *overrides.Table
	}

	if overrides.SeedFile != nil && *overrides.SeedFile != "" {
		cfg.Store.SeedFile = *overrides.SeedFile
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	if cfg.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("database url is required for the %s backend", BackendPostgres)
		}
		if cfg.Store.SeedFile != "" {
			return fmt.Errorf("seed file is only supported by the %s backend", BackendMemory)
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.Table == "" {
		return fmt.Errorf("store table cannot be empty")
	}
	if err := cfg.Store.Codec().Validate(); err != nil {
		return fmt.Errorf("store separators: %w", err)
	}
	return nil
}

func setIfNotEmpty(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
