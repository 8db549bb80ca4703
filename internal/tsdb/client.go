// Package tsdb implements the client for the Graphite-compatible TSDB's
// /render endpoint: batched alias(query) targets, time range, max
// datapoints, with null datapoints preserved as absent.
package tsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ipiton/stackmon/internal/apperr"
	"github.com/ipiton/stackmon/internal/metrics"
)

// Datapoint is a single (value, timestamp) pair. A nil Value denotes
// missing/no-data.
type Datapoint struct {
	Value     *float32
	Timestamp uint32
}

// Series is one target's aliased result.
type Series struct {
	Alias  string
	Points []Datapoint
}

// Client issues render queries against a single datasource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New builds a Client with the given base URL and timeout. A shared
// *http.Client backs every call, matching the pooled-connection model the
// rest of the pipeline assumes.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// WithMetrics attaches a Metrics instance so every Fetch call is recorded.
// Returns c for chaining at construction time.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// renderResponseEntry mirrors one target of the TSDB's render response;
// each datapoint is [value|null, unix_seconds].
type renderResponseEntry struct {
	Target     string          `json:"target"`
	Datapoints [][]interface{} `json:"datapoints"`
}

// Fetch issues a single GET against {baseURL}/render with one target=
// parameter per (alias, query) pair, and pivots the response back into
// Series keyed by the caller-supplied alias.
//
// A target present in the response but not requested is dropped with a
// warning. A target requested but absent from the response becomes an
// empty Series, not an error.
func (c *Client) Fetch(ctx context.Context, targets map[string]string, from, to string, maxPoints int) ([]Series, error) {
	start := time.Now()
	series, err := c.fetch(ctx, targets, from, to, maxPoints)
	if c.metrics != nil {
		c.metrics.ObserveTsdbFetch(time.Since(start), err)
		if err != nil {
			c.metrics.TsdbFetchErrors.WithLabelValues(errorCause(err)).Inc()
		}
	}
	return series, err
}

func (c *Client) fetch(ctx context.Context, targets map[string]string, from, to string, maxPoints int) ([]Series, error) {
	reqURL, err := c.buildURL(targets, from, to, maxPoints)
	if err != nil {
		return nil, apperr.TsdbError(err, "building render request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperr.TsdbError(err, "building render request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.TsdbError(err, "render request transport failure")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.TsdbError(err, "reading render response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("tsdb render returned non-2xx", "status", resp.StatusCode, "body", string(body))
		return nil, apperr.TsdbError(nil, "render upstream error: status=%d body=%s", resp.StatusCode, truncate(body))
	}

	var entries []renderResponseEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, apperr.TsdbError(err, "malformed render response")
	}

	return pivot(entries, targets, c.logger), nil
}

func errorCause(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return string(appErr.Kind)
	}
	return "unknown"
}

func (c *Client) buildURL(targets map[string]string, from, to string, maxPoints int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = joinPath(u.Path, "render")

	q := u.Query()
	q.Set("format", "json")
	q.Set("maxDataPoints", fmt.Sprintf("%d", maxPoints))
	q.Set("from", from)
	q.Set("until", to)
	for alias, query := range targets {
		q.Add("target", fmt.Sprintf("alias(%s,'%s')", query, alias))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func joinPath(base, segment string) string {
	if base == "" {
		return "/" + segment
	}
	if base[len(base)-1] == '/' {
		return base + segment
	}
	return base + "/" + segment
}

func pivot(entries []renderResponseEntry, requested map[string]string, logger *slog.Logger) []Series {
	byAlias := make(map[string]Series, len(requested))

	for _, entry := range entries {
		if _, ok := requested[entry.Target]; !ok {
			logger.Warn("tsdb returned unrequested target, dropping", "target", entry.Target)
			continue
		}

		points := make([]Datapoint, 0, len(entry.Datapoints))
		for _, raw := range entry.Datapoints {
			if len(raw) != 2 {
				continue
			}
			points = append(points, Datapoint{
				Value:     parseValue(raw[0]),
				Timestamp: parseTimestamp(raw[1]),
			})
		}
		byAlias[entry.Target] = Series{Alias: entry.Target, Points: points}
	}

	result := make([]Series, 0, len(requested))
	for alias := range requested {
		if series, ok := byAlias[alias]; ok {
			result = append(result, series)
		} else {
			result = append(result, Series{Alias: alias, Points: nil})
		}
	}
	return result
}

func parseValue(raw interface{}) *float32 {
	if raw == nil {
		return nil
	}
	f, ok := raw.(float64)
	if !ok {
		return nil
	}
	v := float32(f)
	return &v
}

func parseTimestamp(raw interface{}) uint32 {
	f, ok := raw.(float64)
	if !ok {
		return 0
	}
	return uint32(f)
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "...(truncated)"
	}
	return string(body)
}
