// Package config holds the typed, validated representation of the
// datasource, environments, templates, flag metrics, health metrics and
// dashboard configuration this service evaluates against.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Operator is a comparison operator usable in a metric template rule.
type Operator string

const (
	OpLessThan    Operator = "lt"
	OpGreaterThan Operator = "gt"
	OpEqual       Operator = "eq"
)

func (o Operator) Valid() bool {
	switch o {
	case OpLessThan, OpGreaterThan, OpEqual:
		return true
	}
	return false
}

// MetricTemplate is a named raw metric rule with a parameterized query.
// query_template may contain $name placeholders for any non-dot identifier.
type MetricTemplate struct {
	QueryTemplate string   `mapstructure:"query" validate:"required"`
	Op            Operator `mapstructure:"op" validate:"required"`
	Threshold     float32  `mapstructure:"threshold"`
}

// TemplateRef references a named MetricTemplate by name.
type TemplateRef struct {
	Name string `mapstructure:"name" validate:"required"`
}

// FlagMetricEnvironment is one environment entry of a flag metric
// definition, with an optional per-environment threshold override.
type FlagMetricEnvironment struct {
	Name              string   `mapstructure:"name" validate:"required"`
	ThresholdOverride *float32 `mapstructure:"threshold"`
}

// FlagMetric is a flag metric definition: {name, service, template_ref,
// environments[]}. After expansion it materializes one runtime flag rule
// per (service.name, environment) pair.
type FlagMetric struct {
	Name         string                  `mapstructure:"name" validate:"required"`
	Service      string                  `mapstructure:"service" validate:"required"`
	Template     TemplateRef             `mapstructure:"template" validate:"required"`
	Environments []FlagMetricEnvironment `mapstructure:"environments"`
}

// Expression is a boolean expression over flag identifiers and its weight.
// By convention 1 = degraded, 2 = outage.
type Expression struct {
	Text   string `mapstructure:"expression" validate:"required"`
	Weight uint8  `mapstructure:"weight"`
}

// HealthMetric is a service health definition: {service, component_name?,
// category, metrics, expressions}. metrics declares every flag identifier
// an expression may reference.
type HealthMetric struct {
	Service       string       `mapstructure:"service" validate:"required"`
	ComponentName string       `mapstructure:"component_name"`
	Category      string       `mapstructure:"category"`
	Metrics       []string     `mapstructure:"metrics"`
	Expressions   []Expression `mapstructure:"expressions"`
}

// Environment is {name, attributes?}. Attributes expose key/value pairs
// available as Dashboard component-match criteria.
type Environment struct {
	Name       string            `mapstructure:"name" validate:"required"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// DatasourceConfig points at the Graphite-compatible TSDB.
type DatasourceConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the Query API's listen address.
type ServerConfig struct {
	Address                 string        `mapstructure:"address"`
	Port                    int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// StatusDashboardConfig points at the external Status Dashboard.
type StatusDashboardConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReporterConfig controls the incident-reporting loop's cadence and window.
type ReporterConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	WindowFrom    string        `mapstructure:"window_from"`
	WindowTo      string        `mapstructure:"window_to"`
	MaxDataPoints int           `mapstructure:"max_data_points"`
	Concurrency   int           `mapstructure:"concurrency"`
}

// LogConfig configures structured logging (slog + optional lumberjack
// rotation).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig bounds inbound Query API traffic.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// Config is the top-level, validated configuration for the whole service.
type Config struct {
	Datasource      DatasourceConfig          `mapstructure:"datasource"`
	Server          ServerConfig              `mapstructure:"server"`
	Environments    []Environment             `mapstructure:"environments"`
	MetricTemplates map[string]MetricTemplate `mapstructure:"metric_templates"`
	FlagMetrics     []FlagMetric              `mapstructure:"flag_metrics"`
	HealthMetrics   map[string]HealthMetric   `mapstructure:"health_metrics"`
	StatusDashboard StatusDashboardConfig     `mapstructure:"status_dashboard"`
	Reporter        ReporterConfig            `mapstructure:"reporter"`
	Log             LogConfig                 `mapstructure:"log"`
	Metrics         MetricsConfig             `mapstructure:"metrics"`
	RateLimit       RateLimitConfig           `mapstructure:"rate_limit"`
}

var validate = validator.New()

// LoadConfig loads configuration from an optional YAML file, overlaid with
// environment variables (nesting separator "__"), and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("datasource.timeout", "10s")

	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("status_dashboard.timeout", "10s")

	viper.SetDefault("reporter.interval", "60s")
	viper.SetDefault("reporter.window_from", "-5min")
	viper.SetDefault("reporter.window_to", "-2min")
	viper.SetDefault("reporter.max_data_points", 100)
	viper.SetDefault("reporter.concurrency", 1)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_minute", 600)
	viper.SetDefault("rate_limit.burst", 50)
}

// Validate checks struct-tag constraints and cross-field invariants before
// expansion is attempted. Reference resolution (template_ref ->
// metric_templates) is the Expander's job, not this validation pass —
// missing references there produce a ConfigError at expand time.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("struct validation: %w", err)
	}

	for name, tmpl := range c.MetricTemplates {
		if !tmpl.Op.Valid() {
			return fmt.Errorf("metric_templates[%s]: invalid operator %q", name, tmpl.Op)
		}
	}

	seenEnv := make(map[string]bool, len(c.Environments))
	for _, env := range c.Environments {
		if seenEnv[env.Name] {
			return fmt.Errorf("environments: duplicate environment name %q", env.Name)
		}
		seenEnv[env.Name] = true
	}

	for _, fm := range c.FlagMetrics {
		for _, e := range fm.Environments {
			if !seenEnv[e.Name] {
				return fmt.Errorf("flag_metrics[%s.%s]: environment %q is not declared under environments", fm.Service, fm.Name, e.Name)
			}
		}
	}

	for key, hm := range c.HealthMetrics {
		if hm.Service == "" {
			return fmt.Errorf("health_metrics[%s]: service is required", key)
		}
		for _, expr := range hm.Expressions {
			if expr.Text == "" {
				return fmt.Errorf("health_metrics[%s]: expression text is required", key)
			}
		}
	}

	return nil
}
