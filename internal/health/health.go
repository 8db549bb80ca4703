// Package health implements the weighted boolean-expression health
// evaluator: for each timestamp it builds a boolean context over a
// service's flags and evaluates the configured expressions in order,
// keeping the maximum weight of any expression that matches.
package health

import (
	"context"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ipiton/stackmon/internal/apperr"
	"github.com/ipiton/stackmon/internal/expansion"
	"github.com/ipiton/stackmon/internal/flagcheck"
	"github.com/ipiton/stackmon/internal/metrics"
	"github.com/ipiton/stackmon/internal/tsdb"
)

// TimestampWeight is one element of a health timeseries.
type TimestampWeight struct {
	Timestamp uint32
	Weight    uint8
}

// Fetcher is the subset of *tsdb.Client the evaluator needs; an interface
// so tests can substitute a fake without standing up an HTTP server.
type Fetcher interface {
	Fetch(ctx context.Context, targets map[string]string, from, to string, maxPoints int) ([]tsdb.Series, error)
}

// Evaluator is the Health evaluator (C5). Compiled expression programs are
// cached by expression text since the same expressions recur across every
// evaluation cycle.
type Evaluator struct {
	tables  *expansion.Tables
	fetcher Fetcher
	cache   *lru.Cache[string, *vm.Program]
	metrics *metrics.Metrics
}

// WithMetrics attaches a Metrics instance so every Score call records
// evaluation outcomes and expression cache hit/miss counts.
func (e *Evaluator) WithMetrics(m *metrics.Metrics) *Evaluator {
	e.metrics = m
	return e
}

// New builds an Evaluator. cacheSize bounds the number of distinct
// compiled expressions retained; 0 picks a sensible default.
func New(tables *expansion.Tables, fetcher Fetcher, cacheSize int) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *vm.Program](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{tables: tables, fetcher: fetcher, cache: cache}, nil
}

// Score is the Query API's pipeline entry point: health(service,
// environment, from, to, max_points) -> HealthTimeseries | QueryError.
func (e *Evaluator) Score(ctx context.Context, service, env, from, to string, maxPoints int) ([]TimestampWeight, error) {
	result, err := e.score(ctx, service, env, from, to, maxPoints)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.HealthEvaluations.WithLabelValues(service, outcome).Inc()
	}
	return result, err
}

func (e *Evaluator) score(ctx context.Context, service, env, from, to string, maxPoints int) ([]TimestampWeight, error) {
	def, ok := e.tables.HealthDefs[service]
	if !ok {
		return nil, apperr.ServiceNotSupported(service)
	}

	targets := make(map[string]string, len(def.Metrics))
	rules := make(map[string]expansion.RuntimeFlagRule, len(def.Metrics))

	for _, metric := range def.Metrics {
		byEnv, ok := e.tables.FlagRules[metric]
		if !ok {
			return nil, apperr.EnvNotSupported(service, env)
		}
		rule, ok := byEnv[env]
		if !ok {
			return nil, apperr.EnvNotSupported(service, env)
		}
		targets[metric] = rule.Query
		rules[metric] = rule
	}

	series, err := e.fetcher.Fetch(ctx, targets, from, to, maxPoints)
	if err != nil {
		return nil, apperr.TsdbError(err, "fetching flag metrics for %s/%s", service, env)
	}

	perTS := pivot(series, rules)

	timestamps := make([]uint32, 0, len(perTS))
	for ts := range perTS {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	result := make([]TimestampWeight, 0, len(timestamps))
	for _, ts := range timestamps {
		flags := perTS[ts]
		ctxMap := buildContext(def.Metrics, flags)

		var best uint8
		for _, expression := range def.Expressions {
			if expression.Weight <= best {
				continue
			}

			program, err := e.compile(expression.Text)
			if err != nil {
				return nil, apperr.ExpressionError(err, "compiling expression %q for %s/%s", expression.Text, service, env)
			}

			out, err := expr.Run(program, ctxMap)
			if err != nil {
				return nil, apperr.ExpressionError(err, "evaluating expression %q at ts=%d for %s/%s", expression.Text, ts, service, env)
			}

			matched, ok := out.(bool)
			if !ok {
				return nil, apperr.ExpressionError(nil, "expression %q did not evaluate to a boolean", expression.Text)
			}

			if matched {
				best = expression.Weight
			}
		}

		result = append(result, TimestampWeight{Timestamp: ts, Weight: best})
	}

	return result, nil
}

func (e *Evaluator) compile(text string) (*vm.Program, error) {
	if program, ok := e.cache.Get(text); ok {
		if e.metrics != nil {
			e.metrics.ExpressionCacheHits.WithLabelValues("hit").Inc()
		}
		return program, nil
	}
	if e.metrics != nil {
		e.metrics.ExpressionCacheHits.WithLabelValues("miss").Inc()
	}

	program, err := expr.Compile(text, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.cache.Add(text, program)
	return program, nil
}

// pivot evaluates the Flag evaluator on every (value, ts) pair and groups
// results by timestamp.
func pivot(series []tsdb.Series, rules map[string]expansion.RuntimeFlagRule) map[uint32]map[string]bool {
	perTS := make(map[uint32]map[string]bool)

	for _, s := range series {
		rule, ok := rules[s.Alias]
		if !ok {
			continue
		}
		for _, point := range s.Points {
			flags, ok := perTS[point.Timestamp]
			if !ok {
				flags = make(map[string]bool)
				perTS[point.Timestamp] = flags
			}
			flags[s.Alias] = flagcheck.Evaluate(point.Value, rule)
		}
	}

	return perTS
}

// buildContext constructs a nested map environment so expr-lang's native
// member-access ('.') operator resolves dot-containing flag identifiers
// (e.g. "checkout.slow_response") as if they were struct/map paths, rather
// than requiring a custom identifier grammar. A metric absent from flags
// at this timestamp is bound to false.
func buildContext(metrics []string, flags map[string]bool) map[string]interface{} {
	root := make(map[string]interface{})

	for _, metric := range metrics {
		value := flags[metric]
		parts := strings.Split(metric, ".")

		cur := root
		for i, part := range parts {
			if i == len(parts)-1 {
				cur[part] = value
				continue
			}
			next, ok := cur[part].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				cur[part] = next
			}
			cur = next
		}
	}

	return root
}
