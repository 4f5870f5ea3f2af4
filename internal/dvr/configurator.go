package dvr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/metrics"
)

var ErrInvalidCredentials = errors.New("invalid dvr credentials")

// Credentials are forwarded once and never stored.
type Credentials struct {
	IP       string `json:"ip"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) Validate() error {
	host := strings.TrimSpace(c.IP)
	if host == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalidCredentials)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.ContainsAny(host, " /?#") {
		return fmt.Errorf("%w: malformed ip %q", ErrInvalidCredentials, c.IP)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidCredentials)
	}
	return nil
}

type Result struct {
	Connected bool             `json:"connected"`
	Message   string           `json:"message,omitempty"`
	Cameras   []backend.Camera `json:"cameras,omitempty"`
}

// ConfigError is a failed configure call. dvrConnected is false after it.
type ConfigError struct {
	IP  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dvr configure %s: %v", e.IP, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Client interface {
	ConfigureDVR(ctx context.Context, body any) (*backend.DVRResponse, error)
}

type Sink interface {
	SetDVRConnected(connected bool)
}

// CameraList receives the cameras reported by the DVR.
type CameraList interface {
	Replace(cams []backend.Camera)
}

type Configurator struct {
	client  Client
	sink    Sink
	cameras CameraList
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewConfigurator(client Client, sink Sink, cameras CameraList, logger *zap.Logger, m *metrics.Metrics) *Configurator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Configurator{
		client:  client,
		sink:    sink,
		cameras: cameras,
		logger:  logger.Named("dvr"),
		metrics: m,
	}
}

// Configure posts creds to the backend and records whether the DVR is
// connected.
func (c *Configurator) Configure(ctx context.Context, creds Credentials) (*Result, error) {
	if err := creds.Validate(); err != nil {
		c.sink.SetDVRConnected(false)
		c.metrics.IncDVRConfigure("invalid")
		return nil, &ConfigError{IP: creds.IP, Err: err}
	}

	resp, err := c.client.ConfigureDVR(ctx, creds)
	if err != nil {
		c.sink.SetDVRConnected(false)
		c.metrics.IncDVRConfigure("failed")
		c.logger.Error("dvr configure failed", zap.String("ip", creds.IP), zap.Error(err))
		return nil, &ConfigError{IP: creds.IP, Err: err}
	}

	res := &Result{
		Connected: resp.IsConnected(),
		Message:   resp.Message,
		Cameras:   resp.Cameras,
	}
	c.sink.SetDVRConnected(res.Connected)
	if len(resp.Cameras) > 0 && c.cameras != nil {
		c.cameras.Replace(resp.Cameras)
	}

	c.metrics.IncDVRConfigure("ok")
	c.logger.Info("dvr configured",
		zap.String("ip", creds.IP),
		zap.Bool("connected", res.Connected),
		zap.Int("cameras", len(resp.Cameras)),
	)
	return res, nil
}
