package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/metrics"
)

// Sink receives the monitor's signals.
type Sink interface {
	SetSystemHealthy(healthy bool)
	SetLoading(loading bool)
}

type MonitorConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Result is the outcome of one completed check.
type Result struct {
	At      time.Time
	Healthy bool
	Err     error
}

// Monitor polls the backend on a fixed interval, independent of the live
// channel. Checks never overlap: a single loop runs them and ticks that
// arrive while a check is in flight are dropped.
type Monitor struct {
	config  MonitorConfig
	checker Checker
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	cancel  context.CancelFunc
	last    Result
	wg      sync.WaitGroup

	firstDone sync.Once
}

func NewMonitor(cfg MonitorConfig, checker Checker, sink Sink, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config:  cfg,
		checker: checker,
		sink:    sink,
		logger:  logger.Named("health"),
		metrics: m,
	}
}

// Start runs a check immediately and then every interval. Calling Start
// on a running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.quit = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx, m.quit)
}

// Stop cancels the interval and any in-flight check and waits for the loop
// to exit. The result of a cancelled check is discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	close(m.quit)
	m.mu.Unlock()

	m.wg.Wait()
}

// LastCheck returns the most recent completed check and whether one has
// completed yet.
func (m *Monitor) LastCheck() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, !m.last.At.IsZero()
}

func (m *Monitor) run(ctx context.Context, quit <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Initial Run
	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-quit:
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	start := time.Now()
	err := m.checker.Check(checkCtx)
	elapsed := time.Since(start)

	if err != nil && errors.Is(checkCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &PollError{Reason: "timeout", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	m.last = Result{At: time.Now(), Healthy: healthy, Err: err}
	m.metrics.ObserveHealthCheck(healthy, elapsed.Seconds())
	if err != nil {
		m.logger.Warn("health check failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		m.logger.Debug("health check ok", zap.Duration("elapsed", elapsed))
	}

	m.sink.SetSystemHealthy(healthy)
	m.firstDone.Do(func() {
		m.sink.SetLoading(false)
	})
}
