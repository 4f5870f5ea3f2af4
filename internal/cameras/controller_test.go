package cameras

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/state"
)

type MockStreams struct {
	mock.Mock
}

func (m *MockStreams) StartStream(ctx context.Context, id int) (*backend.StreamResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*backend.StreamResult)
	return res, args.Error(1)
}

func (m *MockStreams) StopStream(ctx context.Context, id int) (*backend.StreamResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*backend.StreamResult)
	return res, args.Error(1)
}

var okResult = &backend.StreamResult{Status: "ok"}

func newController(t *testing.T, streams StreamControl, cams ...int) (*Controller, *state.Store) {
	t.Helper()
	catalog := NewCatalog("", zap.NewNop())
	var list []Camera
	for _, id := range cams {
		list = append(list, Camera{ID: id, Name: "cam"})
	}
	catalog.Replace(list)

	store := state.NewStore()
	ctrl := NewController(ControllerConfig{InitialSelection: 1, SwitchTimeout: 2 * time.Second}, streams, catalog, store, zap.NewNop(), nil)
	t.Cleanup(ctrl.Close)
	return ctrl, store
}

func selectAsync(ctrl *Controller, id int) <-chan error {
	out := make(chan error, 1)
	go func() { out <- ctrl.SelectCamera(context.Background(), id) }()
	return out
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("SelectCamera did not return")
		return nil
	}
}

func TestController_SwitchesAndClearsLoading(t *testing.T) {
	streams := new(MockStreams)
	streams.On("StopStream", mock.Anything, 1).Return(okResult, nil)
	streams.On("StartStream", mock.Anything, 2).Return(okResult, nil)

	ctrl, store := newController(t, streams, 1, 2, 3)
	require.NoError(t, ctrl.SelectCamera(context.Background(), 2))

	assert.Equal(t, 2, ctrl.Selected())
	_, pending := ctrl.Pending()
	assert.False(t, pending)
	require.Eventually(t, func() bool { return !store.Snapshot().Loading }, time.Second, time.Millisecond)
	streams.AssertExpectations(t)
}

func TestController_LatestPendingWins(t *testing.T) {
	for _, tc := range []struct {
		name      string
		startErr3 error
		want      int
	}{
		{name: "3 succeeds", want: 3},
		{name: "3 fails", startErr3: errors.New("camera offline"), want: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gate := make(chan struct{})
			started2 := make(chan struct{})

			streams := new(MockStreams)
			streams.On("StopStream", mock.Anything, mock.Anything).Return(okResult, nil)
			streams.On("StartStream", mock.Anything, 2).Run(func(mock.Arguments) {
				close(started2)
				<-gate
			}).Return(okResult, nil)
			if tc.startErr3 != nil {
				streams.On("StartStream", mock.Anything, 3).Return(nil, tc.startErr3)
			} else {
				streams.On("StartStream", mock.Anything, 3).Return(okResult, nil)
			}

			ctrl, store := newController(t, streams, 1, 2, 3)

			r2 := selectAsync(ctrl, 2)
			<-started2
			r3 := selectAsync(ctrl, 3)
			require.Eventually(t, func() bool {
				id, ok := ctrl.Pending()
				return ok && id == 3
			}, time.Second, time.Millisecond)
			assert.True(t, store.Snapshot().Loading)

			close(gate)
			assert.NoError(t, waitErr(t, r2))
			err3 := waitErr(t, r3)

			if tc.startErr3 != nil {
				var se *SwitchError
				require.True(t, errors.As(err3, &se))
				assert.Equal(t, 2, se.From)
				assert.Equal(t, 3, se.To)
				assert.ErrorIs(t, err3, tc.startErr3)
			} else {
				assert.NoError(t, err3)
			}

			assert.Equal(t, tc.want, ctrl.Selected())
			require.Eventually(t, func() bool { return !store.Snapshot().Loading }, time.Second, time.Millisecond)
			streams.AssertCalled(t, "StopStream", mock.Anything, 2)
		})
	}
}

func TestController_OlderPendingSuperseded(t *testing.T) {
	gate := make(chan struct{})
	started2 := make(chan struct{})

	streams := new(MockStreams)
	streams.On("StopStream", mock.Anything, mock.Anything).Return(okResult, nil)
	streams.On("StartStream", mock.Anything, 2).Run(func(mock.Arguments) {
		close(started2)
		<-gate
	}).Return(okResult, nil)
	streams.On("StartStream", mock.Anything, 4).Return(okResult, nil)

	ctrl, store := newController(t, streams, 1, 2, 3, 4)

	r2 := selectAsync(ctrl, 2)
	<-started2
	r3 := selectAsync(ctrl, 3)
	require.Eventually(t, func() bool { id, _ := ctrl.Pending(); return id == 3 }, time.Second, time.Millisecond)
	r4 := selectAsync(ctrl, 4)

	assert.ErrorIs(t, waitErr(t, r3), ErrSwitchSuperseded)
	close(gate)
	assert.NoError(t, waitErr(t, r2))
	assert.NoError(t, waitErr(t, r4))

	assert.Equal(t, 4, ctrl.Selected())
	streams.AssertNotCalled(t, "StartStream", mock.Anything, 3)
	require.Eventually(t, func() bool { return !store.Snapshot().Loading }, time.Second, time.Millisecond)
}

func TestController_StartFailureKeepsPreviousCamera(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stream/5/start":
			http.Error(w, "no signal", http.StatusInternalServerError)
		default:
			w.Write([]byte(`{"success":true}`))
		}
	}))
	defer srv.Close()

	client := backend.NewClient(backend.Config{BaseURL: srv.URL}, zap.NewNop(), nil)
	ctrl, store := newController(t, client)

	err := ctrl.SelectCamera(context.Background(), 5)
	require.Error(t, err)

	var se *SwitchError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "STREAM_START_FAILED", se.ErrorCode)
	var httpErr *backend.HTTPError
	assert.True(t, errors.As(err, &httpErr))

	assert.Equal(t, 1, ctrl.Selected())
	require.Eventually(t, func() bool { return !store.Snapshot().Loading }, time.Second, time.Millisecond)
}

func TestController_StopFailureIsBestEffort(t *testing.T) {
	streams := new(MockStreams)
	streams.On("StopStream", mock.Anything, 1).Return(nil, errors.New("already stopped"))
	streams.On("StartStream", mock.Anything, 2).Return(okResult, nil)

	ctrl, _ := newController(t, streams, 1, 2)
	require.NoError(t, ctrl.SelectCamera(context.Background(), 2))
	assert.Equal(t, 2, ctrl.Selected())
}

func TestController_UnknownCamera(t *testing.T) {
	streams := new(MockStreams)
	ctrl, store := newController(t, streams, 1, 2)

	for _, id := range []int{0, -1, 9} {
		err := ctrl.SelectCamera(context.Background(), id)
		assert.ErrorIs(t, err, ErrUnknownCamera, "id %d", id)
	}
	assert.Equal(t, 1, ctrl.Selected())
	assert.True(t, store.Snapshot().Loading, "rejected before touching loading")
	streams.AssertNotCalled(t, "StartStream", mock.Anything, mock.Anything)
}

func TestController_CloseFailsQueuedAndInFlight(t *testing.T) {
	started2 := make(chan struct{})
	streams := new(MockStreams)
	streams.On("StopStream", mock.Anything, mock.Anything).Return(okResult, nil)
	streams.On("StartStream", mock.Anything, 2).Run(func(args mock.Arguments) {
		close(started2)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled)

	ctrl, store := newController(t, streams, 1, 2, 3)

	r2 := selectAsync(ctrl, 2)
	<-started2
	r3 := selectAsync(ctrl, 3)
	require.Eventually(t, func() bool { id, _ := ctrl.Pending(); return id == 3 }, time.Second, time.Millisecond)

	ctrl.Close()

	assert.ErrorIs(t, waitErr(t, r2), ErrControllerClosed)
	assert.ErrorIs(t, waitErr(t, r3), ErrControllerClosed)
	assert.ErrorIs(t, ctrl.SelectCamera(context.Background(), 2), ErrControllerClosed)
	assert.Equal(t, 1, ctrl.Selected())
	assert.False(t, store.Snapshot().Loading)
}

func TestController_CallerContextStopsWaiting(t *testing.T) {
	gate := make(chan struct{})
	streams := new(MockStreams)
	streams.On("StopStream", mock.Anything, mock.Anything).Return(okResult, nil)
	streams.On("StartStream", mock.Anything, 2).Run(func(mock.Arguments) { <-gate }).Return(okResult, nil)

	ctrl, _ := newController(t, streams, 1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ctrl.SelectCamera(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.Eventually(t, func() bool { return ctrl.Selected() == 2 }, time.Second, time.Millisecond)
}
