package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Relay forwards accepted alerts to a NATS subject off the caller's
// goroutine. When its queue is full the alert is dropped and counted.
type Relay struct {
	pub        Publisher
	subject    string
	maxRetries int
	logger     *zap.Logger

	queue  chan Alert
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// ConnectNATS dials the relay's broker.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

func NewRelay(pub Publisher, subject string, maxRetries int, logger *zap.Logger) *Relay {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pub:        pub,
		subject:    subject,
		maxRetries: maxRetries,
		logger:     logger,
		queue:      make(chan Alert, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Relay) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop discards any alerts still queued, abandons a publish that is
// retrying and waits for the worker to exit.
func (r *Relay) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Enqueue is the Buffer subscriber. It never blocks.
func (r *Relay) Enqueue(a Alert) {
	select {
	case r.queue <- a:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("alert relay queue full, dropping", zap.String("alert_id", string(a.ID)))
	}
}

func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case a := <-r.queue:
			if err := r.publish(a); err != nil {
				r.logger.Error("alert relay publish failed", zap.String("alert_id", string(a.ID)), zap.Error(err))
			}
		}
	}
}

func (r *Relay) publish(a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	rt := retry.New(
		retry.Context(r.ctx),
		retry.Attempts(uint(r.maxRetries)+1),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return time.Duration(n+1) * 100 * time.Millisecond
		}),
	)
	if err := rt.Do(func() error {
		return r.pub.Publish(r.subject, data)
	}); err != nil {
		return fmt.Errorf("publish failed after %d retries: %w", r.maxRetries, err)
	}
	return nil
}
