package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/metrics"
)

// State is the lifecycle position of a Channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives the first argument of an inbound event.
type Handler func(payload json.RawMessage)

// StatusSink receives connected/disconnected signals.
type StatusSink interface {
	SetChannelConnected(connected bool)
}

type Config struct {
	Path           string
	Namespace      string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

func DefaultConfig() Config {
	return Config{
		Path:           "/socket.io/",
		Namespace:      "/",
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		MaxReconnects:  5,
	}
}

// Option customizes a single Connect call. Credentials passed here are
// used for the handshakes of that lifecycle only.
type Option func(*connectOptions)

type connectOptions struct {
	header http.Header
	auth   any
}

// WithHeader adds an HTTP header to the WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(o *connectOptions) { o.header.Add(key, value) }
}

// WithAuth sends auth as the payload of the namespace CONNECT packet.
func WithAuth(auth any) Option {
	return func(o *connectOptions) { o.auth = auth }
}

const defaultIdleTimeout = 45 * time.Second

var (
	errReconnect       = errors.New("reconnect scheduled")
	errServerClosed    = errors.New("server closed the session")
	errNamespaceClosed = errors.New("server disconnected the namespace")
)

type target struct {
	url       string
	namespace string
	opts      connectOptions
}

// Channel keeps one Socket.IO session to the backend alive, reconnecting
// on a fixed delay until MaxReconnects consecutive attempts have been
// scheduled without a successful connect.
type Channel struct {
	cfg     Config
	sink    StatusSink
	logger  *zap.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	mu      sync.Mutex
	state   State
	retries int
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, sink StatusSink, logger *zap.Logger, m *metrics.Metrics) *Channel {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Channel{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("realtime"),
		metrics: m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		handlers: make(map[string][]Handler),
		state:    StateIdle,
	}
}

// OnEvent registers h for events named kind. Handlers for one kind run in
// registration order on the channel's reader goroutine and must not call
// Disconnect.
func (c *Channel) OnEvent(kind string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount is the number of reconnects scheduled since the last
// successful connect.
func (c *Channel) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Connect starts the connection lifecycle in the background. It is a no-op
// while Connecting or Connected and only fails for an unusable endpoint.
// Cancelling ctx ends the lifecycle like Disconnect.
func (c *Channel) Connect(ctx context.Context, endpoint string, opts ...Option) error {
	t, err := c.resolve(endpoint)
	if err != nil {
		return err
	}
	t.opts = connectOptions{header: http.Header{}}
	for _, opt := range opts {
		opt(&t.opts)
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	prev := c.done
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.retries = 0
	c.state = StateConnecting
	c.mu.Unlock()

	c.metrics.SetChannelState(int(StateConnecting))
	go c.run(runCtx, t, prev, done)
	return nil
}

// Disconnect tears down the session and any pending reconnect and waits
// for the lifecycle goroutine to exit. It is a no-op when Idle.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.state = StateIdle
	c.retries = 0
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.metrics.SetChannelState(int(StateIdle))
	c.sink.SetChannelConnected(false)
	c.logger.Info("live channel disconnected")
}

func (c *Channel) resolve(endpoint string) (target, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return target{}, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return target{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}

	// A path on the endpoint names the namespace, as socket.io clients do.
	ns := c.cfg.Namespace
	if p := strings.TrimSuffix(u.Path, "/"); p != "" {
		ns = p
	}

	path := c.cfg.Path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = path
	u.RawPath = ""
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return target{url: u.String(), namespace: ns}, nil
}

func (c *Channel) run(ctx context.Context, t target, prev, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		current := c.done == done && ctx.Err() != nil && c.state != StateIdle
		if current {
			c.state = StateIdle
			c.cancel = nil
		}
		c.mu.Unlock()
		if current {
			c.metrics.SetChannelState(int(StateIdle))
			c.sink.SetChannelConnected(false)
		}
		close(done)
	}()

	if prev != nil {
		<-prev
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(0),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return c.cfg.ReconnectDelay
		}),
	)

	_ = r.Do(func() error {
		err := c.attempt(ctx, t)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("live channel down", zap.Error(err))
		}
		if !c.scheduleReconnect(ctx) {
			return nil
		}
		return errReconnect
	})
}

// attempt dials once and, on success, serves the session until it drops.
func (c *Channel) attempt(ctx context.Context, t target) error {
	attemptNo := c.RetryCount() + 1
	log := c.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("namespace", t.namespace),
		zap.Int("attempt", attemptNo),
	)

	conn, hs, err := c.open(ctx, t)
	if err != nil {
		c.markDown(ctx)
		var te *TransportError
		if errors.As(err, &te) {
			te.Attempt = attemptNo
		}
		return err
	}

	if !c.markUp(ctx) {
		conn.Close()
		return ctx.Err()
	}
	log.Info("live channel connected", zap.String("sid", hs.SID))

	err = c.serve(ctx, conn, hs, t, log)
	c.markDown(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransportError{Op: "read", Endpoint: t.url, Attempt: attemptNo, Err: err}
}

func (c *Channel) open(ctx context.Context, t target) (*websocket.Conn, Handshake, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, t.url, t.opts.header)
	if err != nil {
		return nil, Handshake{}, &TransportError{Op: "dial", Endpoint: t.url, Err: err}
	}

	deadline, _ := dialCtx.Deadline()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	hs, err := c.handshake(conn, t, deadline)
	if !stop() {
		conn.Close()
		return nil, Handshake{}, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, Handshake{}, &TransportError{Op: "handshake", Endpoint: t.url, Err: err}
	}
	return conn, hs, nil
}

func (c *Channel) handshake(conn *websocket.Conn, t target, deadline time.Time) (Handshake, error) {
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	frame, err := readText(conn)
	if err != nil {
		return Handshake{}, err
	}
	hs, err := decodeHandshake(frame)
	if err != nil {
		return Handshake{}, err
	}

	connect := Packet{Type: PacketConnect, Namespace: t.namespace}
	if t.opts.auth != nil {
		data, err := json.Marshal(t.opts.auth)
		if err != nil {
			return Handshake{}, fmt.Errorf("encode auth: %w", err)
		}
		connect.Data = data
	}
	if err := writeText(conn, string(eioMessage)+connect.Encode()); err != nil {
		return Handshake{}, err
	}

	for {
		frame, err := readText(conn)
		if err != nil {
			return Handshake{}, err
		}
		switch frame[0] {
		case eioPing:
			if err := writeText(conn, string(eioPong)); err != nil {
				return Handshake{}, err
			}
		case eioClose:
			return Handshake{}, errServerClosed
		case eioMessage:
			p, err := DecodePacket(frame[1:])
			if err != nil {
				return Handshake{}, err
			}
			if p.Namespace != t.namespace {
				continue
			}
			switch p.Type {
			case PacketConnect:
				return hs, nil
			case PacketConnectError:
				return Handshake{}, fmt.Errorf("connect refused: %s", p.Data)
			}
		}
	}
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, hs Handshake, t target, log *zap.Logger) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	idle := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage || len(data) == 0 {
			c.dropMalformed(log, string(data), fmt.Errorf("%w: non-text frame", ErrMalformedPacket))
			continue
		}

		frame := string(data)
		switch frame[0] {
		case eioPing:
			conn.SetWriteDeadline(time.Now().Add(idle))
			if err := writeText(conn, string(eioPong)); err != nil {
				return err
			}
		case eioPong, eioNoop, eioUpgrade:
		case eioClose:
			return errServerClosed
		case eioMessage:
			if err := c.handleMessage(frame[1:], t.namespace, log); err != nil {
				return err
			}
		default:
			c.dropMalformed(log, frame, fmt.Errorf("%w: unknown engine packet", ErrMalformedPacket))
		}
	}
}

func (c *Channel) handleMessage(msg, namespace string, log *zap.Logger) error {
	p, err := DecodePacket(msg)
	if err != nil {
		c.dropMalformed(log, msg, err)
		return nil
	}
	if p.Namespace != namespace {
		return nil
	}

	switch p.Type {
	case PacketEvent:
		kind, payload, err := p.Event()
		if err != nil {
			c.dropMalformed(log, msg, err)
			return nil
		}
		c.dispatch(kind, payload, log)
	case PacketDisconnect:
		return errNamespaceClosed
	}
	return nil
}

func (c *Channel) dispatch(kind string, payload json.RawMessage, log *zap.Logger) {
	c.handlersMu.RLock()
	hs := slices.Clone(c.handlers[kind])
	c.handlersMu.RUnlock()

	c.metrics.IncEvent(kind)
	if len(hs) == 0 {
		log.Debug("no handler for event", zap.String("kind", kind))
		return
	}
	for _, h := range hs {
		c.invoke(h, kind, payload, log)
	}
}

func (c *Channel) invoke(h Handler, kind string, payload json.RawMessage, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", zap.String("kind", kind), zap.Any("panic", r))
		}
	}()
	h(payload)
}

func (c *Channel) dropMalformed(log *zap.Logger, raw string, err error) {
	c.metrics.IncMalformed()
	log.Warn("dropping malformed packet", zap.String("raw", truncate(raw)), zap.Error(err))
}

func (c *Channel) markUp(ctx context.Context) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.retries = 0
	c.mu.Unlock()

	c.metrics.SetChannelState(int(StateConnected))
	c.sink.SetChannelConnected(true)
	return true
}

func (c *Channel) markDown(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.metrics.SetChannelState(int(StateDisconnected))
	c.sink.SetChannelConnected(false)
}

// scheduleReconnect counts a reconnect and reports whether one may run.
func (c *Channel) scheduleReconnect(ctx context.Context) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if c.retries >= c.cfg.MaxReconnects {
		c.state = StateDisconnected
		retries := c.retries
		c.mu.Unlock()
		c.logger.Warn("live channel giving up", zap.Int("retries", retries))
		return false
	}
	c.retries++
	retries := c.retries
	c.state = StateConnecting
	c.mu.Unlock()

	c.metrics.IncReconnect()
	c.metrics.SetChannelState(int(StateConnecting))
	c.logger.Info("reconnect scheduled",
		zap.Int("retry", retries),
		zap.Int("max", c.cfg.MaxReconnects),
		zap.Duration("delay", c.cfg.ReconnectDelay),
	)
	return true
}

func readText(conn *websocket.Conn) (string, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage && len(data) > 0 {
			return string(data), nil
		}
	}
}

func writeText(conn *websocket.Conn, s string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}
