package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/metrics"
)

const streamBreakerName = "stream-control"

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// Client wraps the backend's HTTP surface. Stream control goes through a
// circuit breaker; health checks never do.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backend")

	threshold := cfg.Breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        streamBreakerName,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.SetBreakerState(name, int(to))
		},
	})
	m.SetBreakerState(streamBreakerName, int(gobreaker.StateClosed))

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: cb,
		logger:  logger,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(sample)}
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend %s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("backend response", zap.String("path", path), zap.ByteString("body", raw))
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("backend %s %s: decode: %w", method, path, err)
	}
	return nil
}

// Health calls GET /health once.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var r HealthReport
	if err := c.do(ctx, http.MethodGet, "/health", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) StartStream(ctx context.Context, cameraID int) (*StreamResult, error) {
	return c.stream(ctx, cameraID, "start")
}

func (c *Client) StopStream(ctx context.Context, cameraID int) (*StreamResult, error) {
	return c.stream(ctx, cameraID, "stop")
}

func (c *Client) stream(ctx context.Context, cameraID int, action string) (*StreamResult, error) {
	path := "/stream/" + strconv.Itoa(cameraID) + "/" + action
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var r StreamResult
		if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
			return nil, err
		}
		if r.Failed() {
			return nil, &StreamError{CameraID: cameraID, Action: action, Status: r.Status, Message: r.Message}
		}
		return &r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("stream %s camera %d: %w: %w", action, cameraID, ErrBreakerOpen, err)
		}
		return nil, err
	}
	return res.(*StreamResult), nil
}

// ConfigureDVR posts credentials to /dvr/configure.
func (c *Client) ConfigureDVR(ctx context.Context, body any) (*DVRResponse, error) {
	var r DVRResponse
	if err := c.do(ctx, http.MethodPost, "/dvr/configure", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) ListCameras(ctx context.Context) ([]Camera, error) {
	var r struct {
		Cameras []Camera `json:"cameras"`
	}
	if err := c.do(ctx, http.MethodGet, "/cameras", nil, &r); err != nil {
		return nil, err
	}
	return r.Cameras, nil
}
