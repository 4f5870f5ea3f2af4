package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/alerts"
	"github.com/technosupport/theftguard/internal/state"
)

const (
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
	sendQueueLen = 32
)

// StreamMessage is one push to the renderer.
type StreamMessage struct {
	Kind  string        `json:"kind"`
	State *StateView    `json:"state,omitempty"`
	Alert *alerts.Alert `json:"alert,omitempty"`
}

type streamClient struct {
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// hub fans state and alert changes out to stream clients. Slow clients
// are disconnected rather than allowed to block a writer.
type hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

func (h *hub) add() *streamClient {
	c := &streamClient{send: make(chan []byte, sendQueueLen)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.close()
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("stream message encode failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stream client too slow, dropping")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// onStateChange runs inside store and controller locks, so it only
// signals; pumpState builds the view. Bursts coalesce to the latest state.
func (s *Server) onStateChange(state.ConnectionState) {
	select {
	case s.stateDirty <- struct{}{}:
	default:
	}
}

func (s *Server) pumpState(quit <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-quit:
			return
		case <-s.stateDirty:
			v := s.stateView()
			s.hub.broadcast(StreamMessage{Kind: "state", State: &v})
		}
	}
}

func (s *Server) onAlert(a alerts.Alert) {
	s.hub.broadcast(StreamMessage{Kind: "alert", Alert: &a})
}

// GET /api/v1/stream
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client := s.hub.add()
	defer s.hub.remove(client)

	v := s.stateView()
	first, _ := json.Marshal(StreamMessage{Kind: "state", State: &v})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}

	// Reader: only needed to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case data, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
