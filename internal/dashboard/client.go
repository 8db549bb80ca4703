package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ipiton/stackmon/internal/apperr"
)

// Client talks to the Status Dashboard's components and incidents
// endpoints. Both requests carry the same fixed-claim JWT when a secret
// is configured; unauthenticated otherwise.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a dashboard Client.
func NewClient(baseURL, secret string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// signToken issues a compact HMAC-SHA256 JWT with the fixed claim set
// {"stackmon": "dummy"}. The server only checks the signature.
func (c *Client) signToken() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"stackmon": "dummy"})
	return token.SignedString([]byte(c.secret))
}

func (c *Client) authorize(req *http.Request) error {
	if c.secret == "" {
		return nil
	}
	token, err := c.signToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// FetchComponents issues GET {baseURL}/v2/components.
func (c *Client) FetchComponents(ctx context.Context) ([]Component, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/components", nil)
	if err != nil {
		return nil, apperr.CacheError(err, "building components request")
	}
	if err := c.authorize(req); err != nil {
		return nil, apperr.CacheError(err, "signing components request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.CacheError(err, "fetching components")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.CacheError(err, "reading components response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.CacheError(nil, "components fetch status=%d body=%s", resp.StatusCode, truncate(body))
	}

	var components []Component
	if err := json.Unmarshal(body, &components); err != nil {
		return nil, apperr.CacheError(err, "malformed components response")
	}
	return components, nil
}

type incidentResponse struct {
	Result []struct {
		ComponentID uint32 `json:"component_id"`
		IncidentID  uint32 `json:"incident_id"`
	} `json:"result"`
}

// PostIncident issues POST {baseURL}/v2/incidents with the given payload.
// A non-2xx response becomes a ReportError; the caller logs and moves on,
// it never retries within the cycle.
func (c *Client) PostIncident(ctx context.Context, payload IncidentPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.ReportError(err, "marshaling incident payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/incidents", bytes.NewReader(body))
	if err != nil {
		return apperr.ReportError(err, "building incident request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return apperr.ReportError(err, "signing incident request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.ReportError(err, "posting incident")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.ReportError(nil, "incident post status=%d body=%s", resp.StatusCode, truncate(respBody))
	}

	var decoded incidentResponse
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		c.logger.Debug("incident posted", "response", decoded)
	}

	return nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return fmt.Sprintf("%s...(truncated)", body[:max])
	}
	return string(body)
}
