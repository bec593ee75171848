// Package activity integrates the external activity-tracking service
// that produces mileage figures per athlete: an authenticated HTTP
// client with OAuth refresh, encrypted credential storage, local rate
// limiting and a shared API quota.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const metersPerMile = 1609.344

// ErrQuotaExhausted is returned when the shared provider quota denies
// the call. Retryable after the bucket refills.
var ErrQuotaExhausted = errors.New("activity api quota exhausted")

// Client fetches mileage from the activity provider. Safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *ResilientClient
	tokens  *TokenSource
	limiter *rate.Limiter
	quota   QuotaStore
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithQuota attaches a shared quota store.
func WithQuota(q QuotaStore) ClientOption {
	return func(c *Client) { c.quota = q }
}

// WithRateLimit overrides the local request rate limit.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithHTTPClient overrides the resilient transport, for tests.
func WithHTTPClient(rc *ResilientClient) ClientOption {
	return func(c *Client) { c.http = rc }
}

// NewClient creates a provider client rooted at baseURL.
func NewClient(baseURL string, tokens *TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    NewResilientClient(),
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(2), 5),
		logger:  slog.Default().With("component", "activity-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type activityRecord struct {
	DistanceMeters float64 `json:"distance_meters"`
}

// FetchMileage returns the athlete's total miles and activity count in
// the window. "Nothing recorded" is (0, 0, nil), not an error; only
// transport, auth and quota failures error.
func (c *Client) FetchMileage(ctx context.Context, correlationID string, windowStart, windowEnd time.Time) (float64, int, error) {
	if correlationID == "" {
		return 0, 0, fmt.Errorf("correlation id must not be empty")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, 0, err
	}
	if c.quota != nil {
		ok, err := c.quota.Allow(ctx, "fetch", 1)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, ErrQuotaExhausted
		}
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire access token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/athletes/%s/activities", c.baseURL, url.PathEscape(correlationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("after", strconv.FormatInt(windowStart.Unix(), 10))
	q.Set("before", strconv.FormatInt(windowEnd.Unix(), 10))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch activities: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// Unknown athlete or empty window: zero, by contract.
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("fetch activities: provider returned %d", resp.StatusCode)
	}

	var records []activityRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return 0, 0, fmt.Errorf("decode activities: %w", err)
	}

	var meters float64
	for _, r := range records {
		meters += r.DistanceMeters
	}
	miles := meters / metersPerMile
	c.logger.Debug("mileage fetched", "correlation_id", correlationID, "miles", miles, "samples", len(records))
	return miles, len(records), nil
}
