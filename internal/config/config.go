package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultMaxFieldReferenceDepth bounds reference chains when nothing is
// configured.
const DefaultMaxFieldReferenceDepth = 100

// Config holds all application configuration.
type Config struct {
	MaxFieldReferenceDepth int            `mapstructure:"max_field_reference_depth"`
	Database               DatabaseConfig `mapstructure:"database"`
	Graph                  GraphConfig    `mapstructure:"graph"`
	Log                    LogConfig      `mapstructure:"log"`
	Tracing                TracingConfig  `mapstructure:"tracing"`
	Metrics                MetricsConfig  `mapstructure:"metrics"`
	Audit                  AuditConfig    `mapstructure:"audit"`
	Secrets                SecretsConfig  `mapstructure:"secrets"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// GraphConfig selects the graph backend. Field dependencies are always
// stored next to the rows; neo4j additionally mirrors them after every
// committed change and needs the connection settings.
type GraphConfig struct {
	Backend  string `mapstructure:"backend"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

// SecretsConfig tells where credentials left empty above are looked up.
type SecretsConfig struct {
	Provider string `mapstructure:"provider"`
	File     string `mapstructure:"file"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.MaxFieldReferenceDepth < 1 {
		warnings = append(warnings, fmt.Sprintf("max_field_reference_depth %d is below 1, using %d", c.MaxFieldReferenceDepth, DefaultMaxFieldReferenceDepth))
	}

	switch c.Graph.Backend {
	case "", "sqlite":
	case "neo4j":
		if c.Graph.URI == "" {
			warnings = append(warnings, "graph backend 'neo4j' is configured but uri is empty")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("unknown graph backend '%s'", c.Graph.Backend))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	switch c.Secrets.Provider {
	case "", "env":
	case "file":
		if c.Secrets.File == "" {
			warnings = append(warnings, "secrets provider 'file' is configured but file is empty")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("unknown secrets provider '%s'", c.Secrets.Provider))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown log format '%s', using text", c.Log.Format))
	}

	return warnings
}

// Depth returns the configured reference depth, falling back to the default
// for values below 1.
func (c *Config) Depth() int {
	if c.MaxFieldReferenceDepth < 1 {
		return DefaultMaxFieldReferenceDepth
	}
	return c.MaxFieldReferenceDepth
}

// Logger builds the slog logger described by the log settings.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_field_reference_depth", DefaultMaxFieldReferenceDepth)
	v.SetDefault("database.dsn", "fieldgraph.db")
	v.SetDefault("graph.backend", "sqlite")
	v.SetDefault("graph.uri", "")
	v.SetDefault("graph.username", "")
	v.SetDefault("graph.password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.output", "stderr")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.file", "")
}

// Load reads configuration from file and environment. An empty path reads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FIELDGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
