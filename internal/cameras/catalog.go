package cameras

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/theftguard/internal/backend"
)

type Camera = backend.Camera

type catalogFile struct {
	Cameras []Camera `yaml:"cameras"`
}

// Catalog is the set of cameras the console may select. An empty catalog
// does not restrict selection.
type Catalog struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	cameras []Camera
	byID    map[int]Camera
	modTime time.Time
}

func NewCatalog(path string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		path:   path,
		logger: logger.Named("catalog"),
		byID:   make(map[int]Camera),
	}
}

// Load reads the catalog file, replacing the current list.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("catalog %s: parse: %w", c.path, err)
	}
	if err := validate(f.Cameras); err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.modTime = info.ModTime()
	c.mu.Unlock()
	c.Replace(f.Cameras)
	c.logger.Info("camera catalog loaded", zap.String("path", c.path), zap.Int("cameras", len(f.Cameras)))
	return nil
}

// ReloadIfChanged reloads only when the file's mtime moved.
func (c *Catalog) ReloadIfChanged() (bool, error) {
	if c.path == "" {
		return false, nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return false, err
	}
	c.mu.RLock()
	same := info.ModTime().Equal(c.modTime)
	c.mu.RUnlock()
	if same {
		return false, nil
	}
	return true, c.Load()
}

// Replace swaps in a new camera list, e.g. one reported by the backend.
func (c *Catalog) Replace(cams []Camera) {
	byID := make(map[int]Camera, len(cams))
	list := make([]Camera, 0, len(cams))
	for _, cam := range cams {
		if _, dup := byID[cam.ID]; dup || cam.ID <= 0 {
			continue
		}
		if cam.Status == "" {
			cam.Status = "active"
		}
		byID[cam.ID] = cam
		list = append(list, cam)
	}

	c.mu.Lock()
	c.cameras = list
	c.byID = byID
	c.mu.Unlock()
}

func (c *Catalog) List() []Camera {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Camera, len(c.cameras))
	copy(out, c.cameras)
	return out
}

func (c *Catalog) Get(id int) (Camera, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cam, ok := c.byID[id]
	return cam, ok
}

// Known reports whether id may be selected.
func (c *Catalog) Known(id int) bool {
	if id <= 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.byID) == 0 {
		return true
	}
	_, ok := c.byID[id]
	return ok
}

// Watch reloads the catalog on file changes until ctx is done. It watches
// the containing directory so editors that replace the file are seen, and
// always polls at pollInterval as a safety net.
func (c *Catalog) Watch(ctx context.Context, pollInterval time.Duration) {
	if c.path == "" {
		return
	}
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(c.path)); err != nil {
			c.logger.Warn("cannot watch catalog directory, polling only", zap.String("path", c.path), zap.Error(err))
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(100 * time.Millisecond)
			c.reload()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("catalog watcher error", zap.Error(err))
		case <-ticker.C:
			c.reload()
		}
	}
}

func (c *Catalog) reload() {
	changed, err := c.ReloadIfChanged()
	switch {
	case err != nil && errors.Is(err, os.ErrNotExist):
		c.logger.Debug("catalog file missing, keeping current list", zap.String("path", c.path))
	case err != nil:
		c.logger.Warn("catalog reload failed, keeping current list", zap.Error(err))
	case changed:
		c.logger.Info("catalog reloaded", zap.String("path", c.path))
	}
}

func validate(cams []Camera) error {
	seen := make(map[int]bool, len(cams))
	for i, cam := range cams {
		if cam.ID <= 0 {
			return fmt.Errorf("camera %d: id must be positive", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("camera %d: duplicate id %d", i, cam.ID)
		}
		seen[cam.ID] = true
		switch cam.Status {
		case "", "active", "inactive":
		default:
			return fmt.Errorf("camera %d: unknown status %q", cam.ID, cam.Status)
		}
	}
	return nil
}
