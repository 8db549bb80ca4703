// Package expansion resolves template references, substitutes $var
// placeholders, applies per-environment overrides, normalizes metric names
// for the expression engine, and materializes the runtime lookup tables the
// rest of the pipeline reads.
package expansion

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/ipiton/stackmon/internal/apperr"
	"github.com/ipiton/stackmon/internal/config"
)

// RuntimeFlagRule is a flag metric definition after $service/$environment
// substitution and any per-environment threshold override has been applied.
type RuntimeFlagRule struct {
	Query     string
	Op        config.Operator
	Threshold float32
}

// ServiceHealth is a health metric definition with every '-' in its metric
// identifiers and expression text rewritten to '_', since the expression
// engine does not accept '-' as an identifier character.
type ServiceHealth struct {
	Service       string
	ComponentName string
	Category      string
	Metrics       []string
	Expressions   []config.Expression
}

// Tables are the immutable, read-only lookup tables the Query API and
// reporter loop consult after startup.
type Tables struct {
	// FlagRules is keyed by "service.flag_name" -> environment name -> rule.
	FlagRules map[string]map[string]RuntimeFlagRule
	// HealthDefs is keyed by service name.
	HealthDefs map[string]ServiceHealth
	// Services is the set of every service named by a health definition.
	Services map[string]struct{}
	// Environments is copied through from configuration unchanged.
	Environments []config.Environment
}

// placeholderRe matches "$" followed by a non-dot identifier in a
// query_template placeholder.
var placeholderRe = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Expand resolves a validated Config into runtime tables. It never runs
// the TSDB or Dashboard client; it only performs string substitution and
// map construction. Unresolved $var placeholders are left as literal text
// and logged as a warning, matching the documented tolerant behavior.
func Expand(logger *slog.Logger, cfg *config.Config) (*Tables, error) {
	if logger == nil {
		logger = slog.Default()
	}

	envByName := make(map[string]config.Environment, len(cfg.Environments))
	for _, env := range cfg.Environments {
		envByName[env.Name] = env
	}

	flagRules := make(map[string]map[string]RuntimeFlagRule)

	for _, fm := range cfg.FlagMetrics {
		tmpl, ok := cfg.MetricTemplates[fm.Template.Name]
		if !ok {
			return nil, apperr.ConfigError("flag_metrics[%s.%s]: unknown template reference %q", fm.Service, fm.Name, fm.Template.Name)
		}

		key := normalize(fm.Service + "." + fm.Name)
		byEnv, ok := flagRules[key]
		if !ok {
			byEnv = make(map[string]RuntimeFlagRule)
			flagRules[key] = byEnv
		}

		for _, envEntry := range fm.Environments {
			env := envByName[envEntry.Name]

			vars := map[string]string{
				"service":     fm.Service,
				"environment": envEntry.Name,
			}
			for k, v := range env.Attributes {
				vars[k] = v
			}

			query := substitute(vars, tmpl.QueryTemplate, logger, key, envEntry.Name)

			threshold := tmpl.Threshold
			if envEntry.ThresholdOverride != nil {
				threshold = *envEntry.ThresholdOverride
			}

			// Duplicate (service, flag_name, env) entries: last write wins.
			byEnv[envEntry.Name] = RuntimeFlagRule{
				Query:     query,
				Op:        tmpl.Op,
				Threshold: threshold,
			}
		}
	}

	healthDefs := make(map[string]ServiceHealth, len(cfg.HealthMetrics))
	services := make(map[string]struct{}, len(cfg.HealthMetrics))

	for key, hm := range cfg.HealthMetrics {
		metrics := make([]string, len(hm.Metrics))
		for i, m := range hm.Metrics {
			metrics[i] = normalize(m)
		}

		expressions := make([]config.Expression, len(hm.Expressions))
		for i, e := range hm.Expressions {
			expressions[i] = config.Expression{
				Text:   normalize(e.Text),
				Weight: e.Weight,
			}
		}

		healthDefs[key] = ServiceHealth{
			Service:       hm.Service,
			ComponentName: hm.ComponentName,
			Category:      hm.Category,
			Metrics:       metrics,
			Expressions:   expressions,
		}
		services[hm.Service] = struct{}{}

		if hm.ComponentName == "" {
			logger.Warn("health metric has no component_name; reporter will skip it", "service", hm.Service, "key", key)
		}
	}

	return &Tables{
		FlagRules:    flagRules,
		HealthDefs:   healthDefs,
		Services:     services,
		Environments: cfg.Environments,
	}, nil
}

// normalize rewrites every '-' to '_', matching the expression engine's
// identifier grammar.
func normalize(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// substitute replaces $name occurrences in tmpl using vars. Unresolved
// variables are left as literal text and logged, not rejected.
func substitute(vars map[string]string, tmpl string, logger *slog.Logger, flagKey, env string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1:]
		if v, ok := vars[name]; ok {
			return v
		}
		logger.Warn("unresolved $var placeholder left as literal text", "flag", flagKey, "environment", env, "placeholder", match)
		return match
	})
}
