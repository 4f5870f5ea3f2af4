package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBreakerOpen is returned while the stream control breaker rejects calls.
var ErrBreakerOpen = errors.New("backend stream control unavailable")

type Camera struct {
	ID        int    `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Status    string `json:"status" yaml:"status"`
	StreamURL string `json:"streamUrl,omitempty" yaml:"stream_url,omitempty"`
}

type HealthReport struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp,omitempty"`
	Services  map[string]any `json:"services,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (r *HealthReport) Healthy() bool {
	return r != nil && r.Status == "healthy"
}

type StreamResult struct {
	Success   *bool  `json:"success,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	StreamURL string `json:"streamUrl,omitempty"`
}

// Failed reports whether a 2xx stream response still signals failure.
func (r *StreamResult) Failed() bool {
	if r.Success != nil && !*r.Success {
		return true
	}
	switch strings.ToLower(r.Status) {
	case "error", "failed", "failure":
		return true
	}
	return false
}

type DVRResponse struct {
	Status    string   `json:"status,omitempty"`
	Message   string   `json:"message,omitempty"`
	Connected *bool    `json:"connected,omitempty"`
	Cameras   []Camera `json:"cameras,omitempty"`
}

// IsConnected prefers the explicit connected flag and falls back to a
// success status.
func (r *DVRResponse) IsConnected() bool {
	if r.Connected != nil {
		return *r.Connected
	}
	return strings.EqualFold(r.Status, "success")
}

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend %s %s: status=%d, body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// StreamError is a 2xx stream response that reported failure.
type StreamError struct {
	CameraID int
	Action   string
	Status   string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s camera %d rejected: status=%q message=%q", e.Action, e.CameraID, e.Status, e.Message)
}
