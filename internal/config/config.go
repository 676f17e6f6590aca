// Package config loads cohortc configuration from defaults, an optional YAML
// file, and COHORTC_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/querysql"
)

// EnvPrefix prefixes environment overrides: database.path is read from
// COHORTC_DATABASE_PATH.
const EnvPrefix = "COHORTC"

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Registry RegistryConfig `mapstructure:"registry"`
	Compiler CompilerConfig `mapstructure:"compiler"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RegistryConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	BackgroundRefresh bool          `mapstructure:"background_refresh"`
}

type CompilerConfig struct {
	NullBehaviorAsFalse bool   `mapstructure:"null_behavior_as_false"`
	Replicated          bool   `mapstructure:"replicated"`
	StaticCohortTable   string `mapstructure:"static_cohort_table"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"database.path":                   "cohortc.db",
	"registry.ttl":                    columns.DefaultTTL,
	"registry.background_refresh":     false,
	"compiler.null_behavior_as_false": true,
	"compiler.replicated":             false,
	"compiler.static_cohort_table":    querysql.DefaultStaticCohortTable,
	"logging.level":                   "info",
	"logging.format":                  "console",
}

// GetDefaults returns a Config with all default values
func GetDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "cohortc.db"},
		Registry: RegistryConfig{TTL: columns.DefaultTTL},
		Compiler: CompilerConfig{
			NullBehaviorAsFalse: true,
			StaticCohortTable:   querysql.DefaultStaticCohortTable,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration. An empty path searches for cohortc.yaml in the
// current directory and ./config; a missing file there is not an error. An
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cohortc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl must be positive, got %s", c.Registry.TTL)
	}
	if !columns.ValidIdentifier(c.Compiler.StaticCohortTable) {
		return fmt.Errorf("compiler.static_cohort_table %q is not a valid identifier", c.Compiler.StaticCohortTable)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// CompilerOptions returns the SQL compiler options for c.
func (c CompilerConfig) CompilerOptions() []querysql.Option {
	return []querysql.Option{
		querysql.WithNullBehaviorAsFalse(c.NullBehaviorAsFalse),
		querysql.WithStaticCohortTable(c.StaticCohortTable),
	}
}

// RegistryOptions returns the column registry options for c. Replicated is
// a compiler setting but decides which storage table the registry reads.
func (c *Config) RegistryOptions() []columns.RegistryOption {
	return []columns.RegistryOption{
		columns.WithTTL(c.Registry.TTL),
		columns.WithBackgroundRefresh(c.Registry.BackgroundRefresh),
		columns.WithReplicated(c.Compiler.Replicated),
	}
}
