// Package indexer is the HTTP client for the external index builder. The
// builder is outside our availability domain, so every call goes through a
// circuit breaker and transient failures retry with exponential backoff.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned while the circuit is open.
var ErrUnavailable = errors.New("indexer: unavailable")

// Config controls the client and its breaker.
type Config struct {
	BaseURL        string
	FailThreshold  uint32        // consecutive failures before the circuit opens
	OpenWindow     time.Duration // how long the circuit stays open
	HalfOpenProbes uint32        // probe requests allowed half-open
	RequestTimeout time.Duration
	MaxRetries     uint64
}

// BuildRequest asks the indexer to start building a shadow index.
type BuildRequest struct {
	ShadowID      uuid.UUID `json:"shadow_id"`
	Branch        string    `json:"branch"`
	IndexType     string    `json:"index_type"`
	TargetPath    string    `json:"target_path"`
	ResourceTypes []string  `json:"resource_types,omitempty"`
}

// BuildStatus reports indexer-side progress for a build.
type BuildStatus struct {
	ShadowID    uuid.UUID `json:"shadow_id"`
	State       string    `json:"state"`
	ProgressPct float64   `json:"progress_pct"`
	RecordCount int64     `json:"record_count"`
	Error       string    `json:"error,omitempty"`
}

// Client talks to the external indexer.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New wires a client. Breaker policy: open after cfg.FailThreshold
// consecutive failures, stay open for cfg.OpenWindow, then admit
// cfg.HalfOpenProbes probes.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "indexer",
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.OpenWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("indexer breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		logger:  logger,
	}
}

// TriggerBuild asks the indexer to start a shadow build.
func (c *Client) TriggerBuild(ctx context.Context, req BuildRequest) error {
	return c.call(ctx, http.MethodPost, "/v1/builds", req, nil)
}

// Status fetches indexer-side progress for a build.
func (c *Client) Status(ctx context.Context, shadowID uuid.UUID) (BuildStatus, error) {
	var status BuildStatus
	err := c.call(ctx, http.MethodGet, "/v1/builds/"+shadowID.String(), nil, &status)
	return status, err
}

// CancelBuild tells the indexer to stop a running build.
func (c *Client) CancelBuild(ctx context.Context, shadowID uuid.UUID) error {
	return c.call(ctx, http.MethodDelete, "/v1/builds/"+shadowID.String(), nil, nil)
}

// Healthy probes the indexer health endpoint without retries, for readiness
// reporting.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	})
	return c.mapBreakerErr(err)
}

// call runs one request through retry and the breaker. 5xx and transport
// errors retry; 4xx fail immediately. An open circuit also fails
// immediately so retries do not extend an outage.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries,
		retry.NewExponential(250*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.do(ctx, method, path, body, out)
		})
		err = c.mapBreakerErr(err)
		if err == nil || errors.Is(err, ErrUnavailable) {
			return err
		}
		var se *statusError
		if errors.As(err, &se) && se.code < 500 {
			return err
		}
		return retry.RetryableError(err)
	})
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("indexer: status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("indexer: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("indexer: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("indexer: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("indexer: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}
