package cameras

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const twoCameras = `
cameras:
  - id: 1
    name: Entrance
    status: active
    stream_url: rtsp://dvr/1
  - id: 2
    name: Aisle 4
`

func writeCatalog(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestCatalog_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	writeCatalog(t, path, twoCameras, time.Now())

	c := NewCatalog(path, zap.NewNop())
	require.NoError(t, c.Load())

	cams := c.List()
	require.Len(t, cams, 2)
	assert.Equal(t, Camera{ID: 1, Name: "Entrance", Status: "active", StreamURL: "rtsp://dvr/1"}, cams[0])
	assert.Equal(t, "active", cams[1].Status, "status defaults to active")

	assert.True(t, c.Known(2))
	assert.False(t, c.Known(3))
	cam, ok := c.Get(2)
	require.True(t, ok)
	assert.Equal(t, "Aisle 4", cam.Name)
}

func TestCatalog_LoadRejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"duplicate id": "cameras:\n  - id: 1\n  - id: 1\n",
		"zero id":      "cameras:\n  - id: 0\n",
		"bad status":   "cameras:\n  - id: 1\n    status: broken\n",
		"not yaml":     "cameras: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cameras.yaml")
			writeCatalog(t, path, body, time.Now())
			assert.Error(t, NewCatalog(path, zap.NewNop()).Load())
		})
	}

	assert.Error(t, NewCatalog(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop()).Load())
}

func TestCatalog_EmptyAcceptsAnyPositiveID(t *testing.T) {
	c := NewCatalog("", zap.NewNop())
	require.NoError(t, c.Load())
	assert.True(t, c.Known(42))
	assert.False(t, c.Known(0))
}

func TestCatalog_ReplaceDropsInvalidEntries(t *testing.T) {
	c := NewCatalog("", zap.NewNop())
	c.Replace([]Camera{{ID: 3, Name: "a"}, {ID: 3, Name: "dup"}, {ID: -1}, {ID: 4, Status: "inactive"}})

	cams := c.List()
	require.Len(t, cams, 2)
	assert.Equal(t, "a", cams[0].Name)
	assert.Equal(t, "inactive", cams[1].Status)
}

func TestCatalog_ReloadIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	base := time.Now().Add(-time.Hour)
	writeCatalog(t, path, twoCameras, base)

	c := NewCatalog(path, zap.NewNop())
	require.NoError(t, c.Load())

	changed, err := c.ReloadIfChanged()
	require.NoError(t, err)
	assert.False(t, changed)

	writeCatalog(t, path, "cameras:\n  - id: 7\n    name: Dock\n", base.Add(time.Minute))
	changed, err = c.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.Known(7))
	assert.False(t, c.Known(1))
}

func TestCatalog_WatchPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	base := time.Now().Add(-time.Hour)
	writeCatalog(t, path, twoCameras, base)

	c := NewCatalog(path, zap.NewNop())
	require.NoError(t, c.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Watch(ctx, 50*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeCatalog(t, path, "cameras:\n  - id: 9\n    name: Back door\n", base.Add(time.Minute))

	require.Eventually(t, func() bool { return c.Known(9) && !c.Known(1) }, 3*time.Second, 10*time.Millisecond)
}
