// Package reporter runs the periodic incident-reporting loop: once per
// cycle it queries the Health evaluator for every configured service in
// every environment, and for any series whose most recent weight is
// nonzero, resolves the associated Dashboard component and posts an
// incident.
package reporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ipiton/stackmon/internal/apperr"
	"github.com/ipiton/stackmon/internal/config"
	"github.com/ipiton/stackmon/internal/dashboard"
	"github.com/ipiton/stackmon/internal/expansion"
	"github.com/ipiton/stackmon/internal/health"
	"github.com/ipiton/stackmon/internal/metrics"
)

// Scorer is the subset of the Query API's evaluator the reporter needs.
type Scorer interface {
	Score(ctx context.Context, service, env, from, to string, maxPoints int) ([]health.TimestampWeight, error)
}

// ComponentResolver is the subset of *dashboard.Cache the reporter needs.
type ComponentResolver interface {
	Lookup(ctx context.Context, descriptor dashboard.Descriptor) (uint32, error)
}

// IncidentPoster is the subset of *dashboard.Client the reporter needs.
type IncidentPoster interface {
	PostIncident(ctx context.Context, payload dashboard.IncidentPayload) error
}

// task is one (environment, health definition) pair evaluated each cycle.
type task struct {
	env config.Environment
	def expansion.ServiceHealth
}

// Reporter runs the cycle loop described in the package doc.
type Reporter struct {
	scorer   Scorer
	resolver ComponentResolver
	poster   IncidentPoster
	tables   *expansion.Tables
	cfg      config.ReporterConfig
	logger   *slog.Logger
	nowFunc  func() time.Time
	tasks    []task
	metrics  *metrics.Metrics
}

// WithMetrics attaches a Metrics instance so every cycle and incident post
// is recorded. Returns r for chaining at construction time.
func (r *Reporter) WithMetrics(m *metrics.Metrics) *Reporter {
	r.metrics = m
	return r
}

// New builds a Reporter. nowFunc defaults to time.Now; tests inject a
// fixed clock so start_date assertions are deterministic.
func New(scorer Scorer, resolver ComponentResolver, poster IncidentPoster, tables *expansion.Tables, cfg config.ReporterConfig, logger *slog.Logger, nowFunc func() time.Time) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.WindowFrom == "" {
		cfg.WindowFrom = "-5min"
	}
	if cfg.WindowTo == "" {
		cfg.WindowTo = "-2min"
	}
	if cfg.MaxDataPoints <= 0 {
		cfg.MaxDataPoints = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	tasks := make([]task, 0, len(tables.HealthDefs)*len(tables.Environments))
	for _, def := range tables.HealthDefs {
		for _, env := range tables.Environments {
			tasks = append(tasks, task{env: env, def: def})
		}
	}

	return &Reporter{
		scorer:   scorer,
		resolver: resolver,
		poster:   poster,
		tables:   tables,
		cfg:      cfg,
		logger:   logger,
		nowFunc:  nowFunc,
		tasks:    tasks,
	}
}

// Run blocks, executing one cycle immediately and then every cfg.Interval,
// until ctx is cancelled. A failure evaluating or reporting a single task
// never aborts the loop; only ctx cancellation stops it.
func (r *Reporter) Run(ctx context.Context) {
	r.runCycle(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle evaluates every task, bounded to cfg.Concurrency concurrent
// workers via a semaphore channel + WaitGroup, and never lets one task's
// error abort the others.
func (r *Reporter) runCycle(ctx context.Context) {
	start := r.nowFunc()

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.cfg.Concurrency)

	for _, t := range r.tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(t task) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runTask(ctx, t)
		}(t)
	}

	wg.Wait()

	duration := r.nowFunc().Sub(start)
	if r.metrics != nil {
		r.metrics.ReporterCycleSeconds.Observe(duration.Seconds())
	}
	r.logger.Debug("reporter cycle completed", "tasks", len(r.tasks), "duration", duration)
}

func (r *Reporter) runTask(ctx context.Context, t task) {
	if t.def.ComponentName == "" {
		return
	}

	series, err := r.scorer.Score(ctx, t.def.Service, t.env.Name, r.cfg.WindowFrom, r.cfg.WindowTo, r.cfg.MaxDataPoints)
	if err != nil {
		if isServiceOrEnvMismatch(err) {
			r.logger.Debug("skipping task, service/environment not configured for evaluation", "service", t.def.Service, "environment", t.env.Name, "error", err)
			return
		}
		r.logger.Error("health query failed", "service", t.def.Service, "environment", t.env.Name, "error", err)
		return
	}

	if len(series) == 0 {
		return
	}

	latest := series[len(series)-1]
	if latest.Weight == 0 {
		return
	}

	descriptor := dashboard.Descriptor{
		Name:       t.def.ComponentName,
		Attributes: environmentAttributes(t.env),
	}

	componentID, err := r.resolver.Lookup(ctx, descriptor)
	if err != nil {
		r.logger.Error("component lookup failed, skipping incident", "service", t.def.Service, "environment", t.env.Name, "component", t.def.ComponentName, "error", err)
		return
	}

	startDate := time.Unix(int64(latest.Timestamp), 0).UTC().Add(-time.Second).Format(time.RFC3339)
	payload := dashboard.NewIncidentPayload(componentID, latest.Weight, startDate)

	if err := r.poster.PostIncident(ctx, payload); err != nil {
		r.recordIncident("error")
		r.logger.Error("posting incident failed", "service", t.def.Service, "environment", t.env.Name, "component_id", componentID, "error", err)
		return
	}

	r.recordIncident("posted")
	r.logger.Info("incident posted", "service", t.def.Service, "environment", t.env.Name, "component_id", componentID, "weight", latest.Weight)
}

func (r *Reporter) recordIncident(outcome string) {
	if r.metrics != nil {
		r.metrics.IncidentsPosted.WithLabelValues(outcome).Inc()
	}
}

func environmentAttributes(env config.Environment) []dashboard.Attribute {
	attrs := make([]dashboard.Attribute, 0, len(env.Attributes))
	for k, v := range env.Attributes {
		attrs = append(attrs, dashboard.Attribute{Name: k, Value: v})
	}
	return attrs
}

func isServiceOrEnvMismatch(err error) bool {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Kind == apperr.KindServiceNotSupported || appErr.Kind == apperr.KindEnvNotSupported
}
