// Package jobsclient implements the external jobs-service call the
// Connection Supervisor needs on auto-join: resolving the set of room ids a
// freshly authenticated user should join. Grounded on a bare net/http
// client (baseURL + bearer token, JSON-decoded response), wrapped in
// pkg/retry (for the {408,413,429,500,502,503,504} retry set) and
// pkg/circuitbreaker (so a jobs-service outage degrades connection setup
// instead of hanging every new socket behind a dead dependency).
package jobsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"confluence/internal/domain"
	"confluence/pkg/circuitbreaker"
	apperrors "confluence/pkg/errors"
	"confluence/pkg/retry"
	"confluence/pkg/tracing"
)

var retryableStatus = map[int]bool{
	408: true, 413: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
}

// Client calls GET {baseUrl}/jobs/ids with the caller's bearer token.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

type jobIDsResponse struct {
	RoomIDs []domain.RoomId `json:"roomIds"`
}

// RoomIDs fetches the room ids the authenticated user should auto-join,
// wrapped in one span covering every retry/circuit-breaker attempt.
func (c *Client) RoomIDs(ctx context.Context, bearerToken string) ([]domain.RoomId, error) {
	ctx, span := tracing.TraceHTTPRequest(ctx, http.MethodGet, "/jobs/ids")
	start := time.Now()
	defer func() {
		tracing.MeasureDuration(ctx, start, "jobs.room_ids")
		span.End()
	}()

	var roomIDs []domain.RoomId

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = c.cfg.MaxRetries
	retryCfg.NonRetryableErrors = []error{nonRetryableError{}}

	err := c.breaker.Execute(ctx, func() error {
		return retry.Retry(ctx, retryCfg, func() error {
			ids, err := c.fetchOnce(ctx, bearerToken)
			if err != nil {
				return err
			}
			roomIDs = ids
			return nil
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("jobs service: %v", err))
	}
	return roomIDs, nil
}

func (c *Client) fetchOnce(ctx context.Context, bearerToken string) ([]domain.RoomId, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/jobs/ids", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if retryableStatus[resp.StatusCode] {
			return nil, fmt.Errorf("jobs service returned %d: %s", resp.StatusCode, body)
		}
		return nil, nonRetryableError{fmt.Errorf("jobs service returned %d: %s", resp.StatusCode, body)}
	}

	var out jobIDsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.RoomIDs, nil
}

// nonRetryableError marks a response status outside the retryable set so a
// single 4xx like 401/403 doesn't burn the retry budget.
type nonRetryableError struct{ err error }

func (e nonRetryableError) Error() string { return e.err.Error() }
