package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears viper's global state between tests.
func resetViper() {
	viper.Reset()
}

// writeTempYAML writes a temporary YAML file with given content and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)
	return path
}

const minimalYAML = `
datasource:
  url: "http://graphite.internal:8080"
server:
  port: 8080
environments:
  - name: production
metric_templates:
  t:
    query: "s.$service.$environment.p99"
    op: gt
    threshold: 1000
flag_metrics:
  - name: slow_response
    service: checkout
    template:
      name: t
    environments:
      - name: production
health_metrics:
  checkout:
    service: checkout
    category: payments
    metrics: ["checkout.slow_response"]
    expressions:
      - expression: "checkout.slow_response"
        weight: 1
status_dashboard:
  url: "http://dashboard.internal"
`

func TestLoadConfig_MinimalValid(t *testing.T) {
	resetViper()
	path := writeTempYAML(t, minimalYAML)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://graphite.internal:8080", cfg.Datasource.URL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Len(t, cfg.Environments, 1)
	assert.Equal(t, OpGreaterThan, cfg.MetricTemplates["t"].Op)
	assert.Equal(t, "60s", cfg.Reporter.Interval.String())
}

func TestLoadConfig_MissingDatasourceURL(t *testing.T) {
	resetViper()
	path := writeTempYAML(t, `
server:
  port: 8080
status_dashboard:
  url: "http://dashboard.internal"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidOperator(t *testing.T) {
	resetViper()
	path := writeTempYAML(t, `
datasource:
  url: "http://graphite.internal:8080"
metric_templates:
  t:
    query: "x"
    op: "weird"
    threshold: 1
status_dashboard:
  url: "http://dashboard.internal"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_FlagMetricUnknownEnvironment(t *testing.T) {
	resetViper()
	path := writeTempYAML(t, `
datasource:
  url: "http://graphite.internal:8080"
environments:
  - name: production
metric_templates:
  t:
    query: "x"
    op: gt
    threshold: 1
flag_metrics:
  - name: m
    service: checkout
    template:
      name: t
    environments:
      - name: staging
status_dashboard:
  url: "http://dashboard.internal"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_DuplicateEnvironmentName(t *testing.T) {
	resetViper()
	path := writeTempYAML(t, `
datasource:
  url: "http://graphite.internal:8080"
environments:
  - name: production
  - name: production
status_dashboard:
  url: "http://dashboard.internal"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
