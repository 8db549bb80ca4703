package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipiton/stackmon/internal/config"
	"github.com/ipiton/stackmon/internal/expansion"
	"github.com/ipiton/stackmon/internal/tsdb"
)

// fakeFetcher returns a fixed set of series regardless of the requested
// targets, letting tests drive the pivot/evaluate stages directly.
type fakeFetcher struct {
	series []tsdb.Series
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ map[string]string, _, _ string, _ int) ([]tsdb.Series, error) {
	return f.series, f.err
}

func f32(v float32) *float32 { return &v }

func checkoutTables() *expansion.Tables {
	return &expansion.Tables{
		FlagRules: map[string]map[string]expansion.RuntimeFlagRule{
			"checkout.slow_response": {
				"production": {Query: "s.checkout.production.p99", Op: config.OpGreaterThan, Threshold: 1000},
			},
		},
		HealthDefs: map[string]expansion.ServiceHealth{
			"checkout": {
				Service:       "checkout",
				ComponentName: "Checkout Service",
				Metrics:       []string{"checkout.slow_response"},
				Expressions:   []config.Expression{{Text: "checkout.slow_response", Weight: 1}},
			},
		},
	}
}

// TestScore_SingleRuleSingleMatch verifies a single threshold rule crossing
// its threshold at exactly one timestamp produces that timestamp's weight.
func TestScore_SingleRuleSingleMatch(t *testing.T) {
	fetcher := &fakeFetcher{series: []tsdb.Series{
		{
			Alias: "checkout.slow_response",
			Points: []tsdb.Datapoint{
				{Value: f32(850.5), Timestamp: 1704067200},
				{Value: f32(920.3), Timestamp: 1704067260},
				{Value: f32(1250.7), Timestamp: 1704067320},
				{Value: f32(980.1), Timestamp: 1704067380},
			},
		},
	}}

	ev, err := New(checkoutTables(), fetcher, 0)
	require.NoError(t, err)

	got, err := ev.Score(context.Background(), "checkout", "production", "-5min", "now", 100)
	require.NoError(t, err)

	want := []TimestampWeight{
		{Timestamp: 1704067200, Weight: 0},
		{Timestamp: 1704067260, Weight: 0},
		{Timestamp: 1704067320, Weight: 1},
		{Timestamp: 1704067380, Weight: 0},
	}
	assert.Equal(t, want, got)
}

// TestScore_NullPropagation verifies a null datapoint lowers its flag and
// contributes weight 0.
func TestScore_NullPropagation(t *testing.T) {
	fetcher := &fakeFetcher{series: []tsdb.Series{
		{Alias: "checkout.slow_response", Points: []tsdb.Datapoint{{Value: nil, Timestamp: 1704067200}}},
	}}

	ev, err := New(checkoutTables(), fetcher, 0)
	require.NoError(t, err)

	got, err := ev.Score(context.Background(), "checkout", "production", "-5min", "now", 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(0), got[0].Weight)
}

// TestScore_HyphenNormalization verifies a metric name containing a hyphen
// is matched against its underscore-normalized expression identifier.
func TestScore_HyphenNormalization(t *testing.T) {
	tables := &expansion.Tables{
		FlagRules: map[string]map[string]expansion.RuntimeFlagRule{
			"srvA.metric_1": {"production": {Op: config.OpGreaterThan, Threshold: 0}},
		},
		HealthDefs: map[string]expansion.ServiceHealth{
			"srvA": {
				Service:     "srvA",
				Metrics:     []string{"srvA.metric_1"},
				Expressions: []config.Expression{{Text: "srvA.metric_1", Weight: 3}},
			},
		},
	}
	fetcher := &fakeFetcher{series: []tsdb.Series{
		{Alias: "srvA.metric_1", Points: []tsdb.Datapoint{{Value: f32(1), Timestamp: 100}}},
	}}

	ev, err := New(tables, fetcher, 0)
	require.NoError(t, err)

	got, err := ev.Score(context.Background(), "srvA", "production", "-5min", "now", 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(3), got[0].Weight)
}

// TestScore_HyphenNormalizedFlagMetricEndToEnd drives the full
// config -> expansion.Expand -> Score path with a flag metric whose *name*
// contains a hyphen, so the flag-rule key and the health definition's
// (normalized) metric identifier must agree after expansion for the TSDB
// query to ever be issued and the rule to resolve.
func TestScore_HyphenNormalizedFlagMetricEndToEnd(t *testing.T) {
	cfg := &config.Config{
		Environments: []config.Environment{{Name: "production"}},
		MetricTemplates: map[string]config.MetricTemplate{
			"t": {QueryTemplate: "s.$service.$environment", Op: config.OpGreaterThan, Threshold: 0},
		},
		FlagMetrics: []config.FlagMetric{
			{
				Name:         "metric-1",
				Service:      "srvA",
				Template:     config.TemplateRef{Name: "t"},
				Environments: []config.FlagMetricEnvironment{{Name: "production"}},
			},
		},
		HealthMetrics: map[string]config.HealthMetric{
			"srvA": {
				Service:     "srvA",
				Metrics:     []string{"srvA.metric-1"},
				Expressions: []config.Expression{{Text: "srvA.metric_1", Weight: 3}},
			},
		},
	}

	tables, err := expansion.Expand(nil, cfg)
	require.NoError(t, err)

	fetcher := &fakeFetcher{series: []tsdb.Series{
		{Alias: "srvA.metric_1", Points: []tsdb.Datapoint{{Value: f32(1), Timestamp: 100}}},
	}}

	ev, err := New(tables, fetcher, 0)
	require.NoError(t, err)

	got, err := ev.Score(context.Background(), "srvA", "production", "-5min", "now", 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(3), got[0].Weight)
}

// TestScore_WeightMaxAndShortCircuit verifies the emitted weight is the max
// of all matching expressions: with a and b both raised the weight-2
// expression wins, with only a raised the weight-1 expression does. The
// weight <= best skip does not change the result, so it is not observed
// directly here.
func TestScore_WeightMaxAndShortCircuit(t *testing.T) {
	tables := &expansion.Tables{
		FlagRules: map[string]map[string]expansion.RuntimeFlagRule{
			"a": {"production": {Op: config.OpGreaterThan, Threshold: 0}},
			"b": {"production": {Op: config.OpGreaterThan, Threshold: 0}},
		},
		HealthDefs: map[string]expansion.ServiceHealth{
			"svc": {
				Service: "svc",
				Metrics: []string{"a", "b"},
				Expressions: []config.Expression{
					{Text: "a", Weight: 1},
					{Text: "a && b", Weight: 2},
				},
			},
		},
	}

	cases := []struct {
		name   string
		a, b   float32
		expect uint8
	}{
		{"both true", 1, 1, 2},
		{"only a true", 1, 0, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := &fakeFetcher{series: []tsdb.Series{
				{Alias: "a", Points: []tsdb.Datapoint{{Value: f32(tc.a), Timestamp: 1}}},
				{Alias: "b", Points: []tsdb.Datapoint{{Value: f32(tc.b), Timestamp: 1}}},
			}}

			ev, err := New(tables, fetcher, 0)
			require.NoError(t, err)

			got, err := ev.Score(context.Background(), "svc", "production", "-5min", "now", 100)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tc.expect, got[0].Weight)
		})
	}
}

func TestScore_ServiceNotSupported(t *testing.T) {
	ev, err := New(checkoutTables(), &fakeFetcher{}, 0)
	require.NoError(t, err)

	_, err = ev.Score(context.Background(), "unknown", "production", "-5min", "now", 100)
	assert.Error(t, err)
}

func TestScore_EnvNotSupported(t *testing.T) {
	ev, err := New(checkoutTables(), &fakeFetcher{}, 0)
	require.NoError(t, err)

	_, err = ev.Score(context.Background(), "checkout", "staging", "-5min", "now", 100)
	assert.Error(t, err)
}

func TestScore_EmptyResponseIsEmptySequenceNotError(t *testing.T) {
	ev, err := New(checkoutTables(), &fakeFetcher{series: []tsdb.Series{{Alias: "checkout.slow_response"}}}, 0)
	require.NoError(t, err)

	got, err := ev.Score(context.Background(), "checkout", "production", "-5min", "now", 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}
