package cameras

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/metrics"
)

// StreamControl starts and stops backend camera streams.
type StreamControl interface {
	StartStream(ctx context.Context, cameraID int) (*backend.StreamResult, error)
	StopStream(ctx context.Context, cameraID int) (*backend.StreamResult, error)
}

// LoadingSink receives the controller's loading signal.
type LoadingSink interface {
	SetLoading(loading bool)
}

type ControllerConfig struct {
	InitialSelection int
	SwitchTimeout    time.Duration
}

type switchRequest struct {
	target int
	done   chan error
}

// Controller serializes camera switches. At most one switch is in flight;
// while it runs only the newest request waits behind it.
type Controller struct {
	config  ControllerConfig
	streams StreamControl
	catalog *Catalog
	sink    LoadingSink
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	selected int
	inFlight *switchRequest
	pending  *switchRequest
	draining bool
	closed   bool
}

func NewController(cfg ControllerConfig, streams StreamControl, catalog *Catalog, sink LoadingSink, logger *zap.Logger, m *metrics.Metrics) *Controller {
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:   cfg,
		streams:  streams,
		catalog:  catalog,
		sink:     sink,
		logger:   logger.Named("cameras"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		selected: cfg.InitialSelection,
	}
}

// Selected is the camera whose stream was last started successfully.
func (c *Controller) Selected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Pending returns the newest requested camera that is not yet selected.
func (c *Controller) Pending() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return c.pending.target, true
	}
	if c.inFlight != nil {
		return c.inFlight.target, true
	}
	return 0, false
}

// SelectCamera asks for a switch to id and waits for its outcome. A
// request replaced by a newer one before it started returns
// ErrSwitchSuperseded. Cancelling ctx stops the wait, not the switch.
func (c *Controller) SelectCamera(ctx context.Context, id int) error {
	if !c.catalog.Known(id) {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}

	req := &switchRequest{target: id, done: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.pending != nil {
		c.pending.done <- ErrSwitchSuperseded
		c.metrics.ObserveSwitch("superseded", 0)
		c.logger.Debug("pending switch superseded",
			zap.Int("camera_id", c.pending.target),
			zap.Int("by", id),
		)
	}
	c.pending = req
	c.sink.SetLoading(true)
	if !c.draining {
		c.draining = true
		c.wg.Add(1)
		go c.drain()
	}
	c.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the in-flight switch, fails the queued one and waits for
// the drain goroutine to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pending != nil {
		c.pending.done <- ErrControllerClosed
		c.pending = nil
	}
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) drain() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		req := c.pending
		c.pending = nil
		if req == nil || c.closed {
			c.draining = false
			c.sink.SetLoading(false)
			c.mu.Unlock()
			return
		}
		from := c.selected
		c.inFlight = req
		c.mu.Unlock()

		err := c.switchTo(from, req.target)

		c.mu.Lock()
		if err == nil {
			c.selected = req.target
		} else if c.closed {
			err = fmt.Errorf("%w: %w", ErrControllerClosed, err)
		}
		c.inFlight = nil
		c.mu.Unlock()

		req.done <- err
	}
}

func (c *Controller) switchTo(from, to int) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.SwitchTimeout)
	defer cancel()

	log := c.logger.With(zap.Int("from", from), zap.Int("to", to))
	start := time.Now()

	if from > 0 {
		if _, err := c.streams.StopStream(ctx, from); err != nil {
			log.Warn("stop stream failed, continuing", zap.Error(err))
		}
	}

	if _, err := c.streams.StartStream(ctx, to); err != nil {
		c.metrics.ObserveSwitch("failed", time.Since(start).Seconds())
		log.Error("start stream failed, keeping previous camera", zap.Error(err))
		return newStartError(from, to, err)
	}

	c.metrics.ObserveSwitch("ok", time.Since(start).Seconds())
	log.Info("camera switched", zap.Duration("took", time.Since(start)))
	return nil
}
