// Package api serves the console's local HTTP surface: state and alert
// snapshots, operator intents, and a WebSocket push stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/technosupport/theftguard/internal/metrics"
)

type Config struct {
	Listen         string
	AllowedOrigins []string
	RPS            float64
	Burst          int
}

type Deps struct {
	State   StateSource
	Alerts  AlertSource
	Cameras CameraSelector
	Catalog CameraLister
	DVR     DVRConfigurer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	hub      *hub
	upgrader websocket.Upgrader
	handler  http.Handler

	stateDirty chan struct{}

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	quit   chan struct{}
	unsubs []func()
	wg     sync.WaitGroup
}

func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		hub:        newHub(logger),
		stateDirty: make(chan struct{}, 1),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger, s.deps.Metrics))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.getState)
		r.Get("/alerts", s.getAlerts)
		r.Get("/cameras", s.getCameras)
		r.Get("/stream", s.serveStream)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)))
			r.Post("/cameras/{id}/select", s.selectCamera)
			r.Post("/dvr/configure", s.configureDVR)
		})
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start subscribes the push stream and begins listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.pumpState(s.quit)

	s.unsubs = append(s.unsubs,
		s.deps.State.Subscribe(s.onStateChange),
		s.deps.Alerts.Subscribe(s.onAlert),
	)

	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}(s.srv)
	return nil
}

// Addr is the bound address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	unsubs := s.unsubs
	s.unsubs = nil
	if s.quit != nil {
		close(s.quit)
		s.quit = nil
	}
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.hub.shutdown()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
