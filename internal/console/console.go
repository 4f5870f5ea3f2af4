// Package console wires the theft-detection console together. It owns
// every long-lived component and their start/stop order.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/alerts"
	"github.com/technosupport/theftguard/internal/api"
	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/cameras"
	"github.com/technosupport/theftguard/internal/config"
	"github.com/technosupport/theftguard/internal/dvr"
	"github.com/technosupport/theftguard/internal/health"
	"github.com/technosupport/theftguard/internal/metrics"
	"github.com/technosupport/theftguard/internal/realtime"
	"github.com/technosupport/theftguard/internal/state"
)

const catalogPollInterval = 60 * time.Second

type Console struct {
	cfg    *config.Config
	logger *zap.Logger

	Metrics *metrics.Metrics
	Store   *state.Store
	Alerts  *alerts.Buffer
	Channel *realtime.Channel
	Backend *backend.Client
	Health  *health.Monitor
	Catalog *cameras.Catalog
	Cameras *cameras.Controller
	DVR     *dvr.Configurator
	API     *api.Server

	relay      *alerts.Relay
	relayUnsub func()
	nc         *nats.Conn

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// ErrStopped is returned by Start once the console has been stopped. The
// channel, controller and API are single-use; build a new Console instead.
var ErrStopped = errors.New("console stopped")

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*Console, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.New(reg)
	c := &Console{
		cfg:     cfg,
		logger:  logger,
		Metrics: m,
		Store:   state.NewStore(),
	}

	var opts []alerts.BufferOption
	if cfg.Alerts.Dedup.Enabled {
		d, err := alerts.NewDedup(cfg.Alerts.Dedup.MaxKeys, cfg.Alerts.Dedup.TTL)
		if err != nil {
			return nil, fmt.Errorf("alert dedup: %w", err)
		}
		opts = append(opts, alerts.WithDedup(d))
	}
	c.Alerts = alerts.NewBuffer(cfg.Alerts.Capacity, opts...)

	c.Channel = realtime.New(realtime.Config{
		Path:           cfg.Channel.Path,
		Namespace:      cfg.Channel.Namespace,
		ConnectTimeout: cfg.Channel.ConnectTimeout,
		ReconnectDelay: cfg.Channel.ReconnectDelay,
		MaxReconnects:  cfg.Channel.MaxReconnects,
	}, c.Store, logger, m)
	c.Channel.OnEvent("connection_status", c.handleStatus)
	c.Channel.OnEvent("alert", c.handleAlert)

	c.Backend = backend.NewClient(backend.Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.Backend.Timeout,
		Breaker: backend.BreakerConfig{
			MaxRequests:         cfg.Backend.Breaker.MaxRequests,
			Interval:            cfg.Backend.Breaker.Interval,
			Timeout:             cfg.Backend.Breaker.Timeout,
			ConsecutiveFailures: cfg.Backend.Breaker.ConsecutiveFailures,
		},
	}, logger, m)

	c.Health = health.NewMonitor(health.MonitorConfig{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, health.NewBackendChecker(c.Backend), c.Store, logger, m)

	c.Catalog = cameras.NewCatalog(cfg.Cameras.CatalogPath, logger)
	c.Cameras = cameras.NewController(cameras.ControllerConfig{
		InitialSelection: cfg.Cameras.InitialSelection,
		SwitchTimeout:    cfg.Cameras.SwitchTimeout,
	}, c.Backend, c.Catalog, c.Store, logger, m)

	c.DVR = dvr.NewConfigurator(c.Backend, c.Store, c.Catalog, logger, m)

	if cfg.API.Enabled {
		c.API = api.NewServer(api.Config{
			Listen:         cfg.API.Listen,
			AllowedOrigins: cfg.API.AllowedOrigins,
			RPS:            cfg.API.RateLimit.RPS,
			Burst:          cfg.API.RateLimit.Burst,
		}, api.Deps{
			State:   c.Store,
			Alerts:  c.Alerts,
			Cameras: c.Cameras,
			Catalog: c.Catalog,
			DVR:     c.DVR,
			Metrics: m,
			Logger:  logger,
		})
	}
	return c, nil
}

// Start brings the console up: catalog, relay, health polling, the live
// channel and the local API. The live channel and health monitor run
// independently; neither gates the other.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("console already started")
	}

	if err := c.Catalog.Load(); err != nil {
		c.logger.Warn("camera catalog not loaded, selection is unrestricted", zap.Error(err))
	}

	if url := c.cfg.Alerts.NATS.URL; url != "" {
		nc, err := alerts.ConnectNATS(url, "theftguard-console")
		if err != nil {
			c.logger.Warn("alert relay disabled", zap.Error(err))
		} else {
			c.nc = nc
			c.relay = alerts.NewRelay(nc, c.cfg.Alerts.NATS.Subject, c.cfg.Alerts.NATS.RetryMax, c.logger.Named("relay"))
			c.relay.Start()
			c.relayUnsub = c.Alerts.Subscribe(c.relay.Enqueue)
		}
	}

	if c.API != nil {
		if err := c.API.Start(); err != nil {
			c.stopRelay()
			return fmt.Errorf("start api: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Catalog.Watch(runCtx, catalogPollInterval)
	}()

	if c.cfg.Cameras.RefreshFromBackend {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.refreshCameras(runCtx)
		}()
	}

	c.Health.Start()
	if err := c.Channel.Connect(runCtx, c.cfg.APIURL); err != nil {
		c.logger.Error("live channel endpoint unusable", zap.String("endpoint", c.cfg.APIURL), zap.Error(err))
	}

	c.started = true
	c.logger.Info("console started",
		zap.String("mode", c.cfg.Mode),
		zap.String("backend", c.cfg.APIURL),
	)
	return nil
}

// Stop tears components down in reverse order. The API goes first so no
// new intents arrive while the controller closes. A stopped console cannot
// be started again.
func (c *Console) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	c.stopped = true

	var errs []error
	if c.API != nil {
		if err := c.API.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}

	c.Channel.Disconnect()
	c.Health.Stop()
	c.Cameras.Close()

	c.cancel()
	c.wg.Wait()

	c.stopRelay()
	c.logger.Info("console stopped")
	return errors.Join(errs...)
}

func (c *Console) stopRelay() {
	if c.relayUnsub != nil {
		c.relayUnsub()
		c.relayUnsub = nil
	}
	if c.relay != nil {
		c.relay.Stop()
		if n := c.relay.Dropped(); n > 0 {
			c.logger.Warn("alert relay dropped alerts", zap.Int("dropped", n))
		}
		c.relay = nil
	}
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
}

func (c *Console) handleStatus(payload json.RawMessage) {
	c.logger.Info("backend connection status", zap.ByteString("payload", payload))
}

func (c *Console) handleAlert(payload json.RawMessage) {
	a, err := alerts.DecodeEnvelope(payload)
	switch {
	case errors.Is(err, alerts.ErrNotAlert):
		return
	case err != nil:
		c.Metrics.IncAlertRejected(rejectReason(err))
		c.logger.Warn("alert rejected", zap.Error(err))
		return
	}

	if !c.Alerts.Push(a) {
		c.Metrics.IncAlertRejected("duplicate")
		c.logger.Debug("duplicate alert dropped", zap.String("alert_id", string(a.ID)))
		return
	}
	c.Metrics.IncAlertAccepted(string(a.Severity))
	c.logger.Info("alert received",
		zap.String("alert_id", string(a.ID)),
		zap.Int("camera_id", a.CameraID),
		zap.String("severity", string(a.Severity)),
	)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, alerts.ErrMissingID):
		return "missing_id"
	case errors.Is(err, alerts.ErrBadSeverity):
		return "bad_severity"
	case errors.Is(err, alerts.ErrMissingPayload):
		return "missing_payload"
	default:
		return "malformed"
	}
}

// refreshCameras replaces the file catalog with the backend's list once.
// A backend without /cameras leaves the file catalog in place.
func (c *Console) refreshCameras(ctx context.Context) {
	cams, err := c.Backend.ListCameras(ctx)
	if err != nil {
		var httpErr *backend.HTTPError
		if errors.As(err, &httpErr) {
			c.logger.Info("backend camera list unavailable, keeping catalog", zap.Int("status", httpErr.StatusCode))
			return
		}
		if ctx.Err() == nil {
			c.logger.Warn("backend camera list failed, keeping catalog", zap.Error(err))
		}
		return
	}
	if len(cams) == 0 {
		return
	}
	c.Catalog.Replace(cams)
	c.logger.Info("camera catalog refreshed from backend", zap.Int("cameras", len(cams)))
}
