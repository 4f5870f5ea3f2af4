package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/alerts"
	"github.com/technosupport/theftguard/internal/api"
	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/cameras"
	"github.com/technosupport/theftguard/internal/dvr"
	"github.com/technosupport/theftguard/internal/metrics"
	"github.com/technosupport/theftguard/internal/state"
)

type MockSelector struct {
	mock.Mock
}

func (m *MockSelector) SelectCamera(ctx context.Context, id int) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSelector) Selected() int {
	return m.Called().Int(0)
}

func (m *MockSelector) Pending() (int, bool) {
	args := m.Called()
	return args.Int(0), args.Bool(1)
}

type dvrFunc func(ctx context.Context, creds dvr.Credentials) (*dvr.Result, error)

func (f dvrFunc) Configure(ctx context.Context, creds dvr.Credentials) (*dvr.Result, error) {
	return f(ctx, creds)
}

type env struct {
	store    *state.Store
	buf      *alerts.Buffer
	catalog  *cameras.Catalog
	selector *MockSelector
	server   *api.Server
}

func newEnv(t *testing.T, cfg api.Config, d api.DVRConfigurer) *env {
	t.Helper()
	e := &env{
		store:    state.NewStore(),
		buf:      alerts.NewBuffer(50),
		catalog:  cameras.NewCatalog("", zap.NewNop()),
		selector: new(MockSelector),
	}
	e.catalog.Replace([]backend.Camera{{ID: 1, Name: "Camera 1"}, {ID: 2, Name: "Camera 2"}})
	if d == nil {
		d = dvrFunc(func(context.Context, dvr.Credentials) (*dvr.Result, error) {
			return &dvr.Result{Connected: true}, nil
		})
	}
	e.server = api.NewServer(cfg, api.Deps{
		State:   e.store,
		Alerts:  e.buf,
		Cameras: e.selector,
		Catalog: e.catalog,
		DVR:     d,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  zap.NewNop(),
	})
	return e
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGetState(t *testing.T) {
	e := newEnv(t, api.Config{}, nil)
	e.store.SetChannelConnected(true)
	e.selector.On("Selected").Return(2)
	e.selector.On("Pending").Return(3, true)

	w := do(e.server, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, true, got["channel_connected"])
	assert.Equal(t, false, got["system_healthy"])
	assert.Equal(t, true, got["loading"])
	assert.Equal(t, float64(2), got["selected_camera"])
	assert.Equal(t, float64(3), got["pending_camera"])
}

func TestGetAlerts_NewestFirst(t *testing.T) {
	e := newEnv(t, api.Config{}, nil)
	e.buf.Push(alerts.Alert{ID: "a1", Severity: "low"})
	e.buf.Push(alerts.Alert{ID: "a2", Severity: "high"})

	w := do(e.server, http.MethodGet, "/api/v1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Alerts []alerts.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Alerts, 2)
	assert.Equal(t, alerts.ID("a2"), got.Alerts[0].ID)
}

func TestGetCameras(t *testing.T) {
	e := newEnv(t, api.Config{}, nil)
	e.selector.On("Selected").Return(1)

	w := do(e.server, http.MethodGet, "/api/v1/cameras", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Cameras  []backend.Camera `json:"cameras"`
		Selected int              `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got.Cameras, 2)
	assert.Equal(t, 1, got.Selected)
}

func TestSelectCamera_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown", cameras.ErrUnknownCamera, http.StatusNotFound},
		{"superseded", cameras.ErrSwitchSuperseded, http.StatusConflict},
		{"start failed", &cameras.SwitchError{From: 1, To: 2, ErrorCode: "STREAM_START_FAILED", SafeMessage: "Failed to start stream", Err: errors.New("500")}, http.StatusBadGateway},
		{"closed", cameras.ErrControllerClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, api.Config{RPS: 100, Burst: 100}, nil)
			e.selector.On("SelectCamera", mock.Anything, 2).Return(tt.err)
			e.selector.On("Selected").Return(1)
			e.selector.On("Pending").Return(0, false)

			w := do(e.server, http.MethodPost, "/api/v1/cameras/2/select", "")
			assert.Equal(t, tt.want, w.Code)
			e.selector.AssertCalled(t, "SelectCamera", mock.Anything, 2)
		})
	}
}

func TestSelectCamera_SwitchErrorBody(t *testing.T) {
	e := newEnv(t, api.Config{}, nil)
	e.selector.On("SelectCamera", mock.Anything, 2).Return(&cameras.SwitchError{
		From: 1, To: 2, ErrorCode: "STREAM_START_FAILED", SafeMessage: "Failed to start stream",
	})
	e.selector.On("Selected").Return(1)

	w := do(e.server, http.MethodPost, "/api/v1/cameras/2/select", "")
	require.Equal(t, http.StatusBadGateway, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "STREAM_START_FAILED", got["error_code"])
	assert.Equal(t, float64(1), got["selected"], "selection stays on the previous camera")
}

func TestSelectCamera_BadID(t *testing.T) {
	e := newEnv(t, api.Config{}, nil)
	w := do(e.server, http.MethodPost, "/api/v1/cameras/abc/select", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	e.selector.AssertNotCalled(t, "SelectCamera", mock.Anything, mock.Anything)
}

func TestIntentRoutesAreRateLimited(t *testing.T) {
	e := newEnv(t, api.Config{RPS: 0.001, Burst: 2}, nil)
	e.selector.On("SelectCamera", mock.Anything, 1).Return(nil)
	e.selector.On("Selected").Return(1)
	e.selector.On("Pending").Return(0, false)

	assert.Equal(t, http.StatusOK, do(e.server, http.MethodPost, "/api/v1/cameras/1/select", "").Code)
	assert.Equal(t, http.StatusOK, do(e.server, http.MethodPost, "/api/v1/cameras/1/select", "").Code)
	w := do(e.server, http.MethodPost, "/api/v1/cameras/1/select", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, do(e.server, http.MethodGet, "/api/v1/state", "").Code)
}

func TestConfigureDVR(t *testing.T) {
	var got dvr.Credentials
	e := newEnv(t, api.Config{}, dvrFunc(func(_ context.Context, c dvr.Credentials) (*dvr.Result, error) {
		got = c
		return &dvr.Result{Connected: true, Message: "ok"}, nil
	}))

	body, _ := json.Marshal(map[string]string{"ip": "10.0.0.5", "username": "admin", "password": "pw"})
	w := do(e.server, http.MethodPost, "/api/v1/dvr/configure", string(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.0.0.5", got.IP)
	assert.Equal(t, "pw", got.Password)
	assert.NotContains(t, w.Body.String(), "pw", "password is never echoed")
}

func TestConfigureDVR_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", "{", nil, http.StatusBadRequest},
		{"invalid creds", `{"ip":""}`, &dvr.ConfigError{Err: dvr.ErrInvalidCredentials}, http.StatusBadRequest},
		{"backend", `{"ip":"10.0.0.5","username":"a"}`, &dvr.ConfigError{IP: "10.0.0.5", Err: errors.New("timeout")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, api.Config{}, dvrFunc(func(context.Context, dvr.Credentials) (*dvr.Result, error) {
				return nil, tt.err
			}))
			w := do(e.server, http.MethodPost, "/api/v1/dvr/configure", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, api.Config{AllowedOrigins: []string{"http://localhost:3000"}}, nil)

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/state", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, r)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, api.Config{}, nil)
	e.selector.On("Selected").Return(0)
	e.selector.On("Pending").Return(0, false)
	do(e.server, http.MethodGet, "/api/v1/state", "")

	w := do(e.server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte(`theftguard_api_requests_total{code="200",route="/api/v1/state"}`)))
}
