package alerts

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup remembers recently accepted alert ids in a bounded LRU.
type Dedup struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) (*Dedup, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	c, err := lru.New[string, time.Time](maxKeys)
	if err != nil {
		return nil, err
	}
	return &Dedup{
		cache: c,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// IsDuplicate reports whether key was seen within the TTL and records it
// otherwise. Empty keys are never duplicates.
func (d *Dedup) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if addedAt, ok := d.cache.Get(key); ok {
		if d.ttl <= 0 || now.Sub(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, now)
	return false
}
