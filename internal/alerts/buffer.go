package alerts

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of alerts the console keeps on screen.
const DefaultCapacity = 10

// Buffer is a bounded, newest-first collection of alerts.
// len(Snapshot()) never exceeds capacity; index 0 is the latest push.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []Alert
	dedup    *Dedup
	now      func() time.Time

	subMu       sync.Mutex
	subscribers map[int]func(Alert)
	nextSubID   int
}

// BufferOption customizes a Buffer.
type BufferOption func(*Buffer)

// WithDedup drops alerts whose id was accepted within the dedup window.
func WithDedup(d *Dedup) BufferOption {
	return func(b *Buffer) { b.dedup = d }
}

func NewBuffer(capacity int, opts ...BufferOption) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{
		capacity:    capacity,
		items:       make([]Alert, 0, capacity+1),
		now:         time.Now,
		subscribers: make(map[int]func(Alert)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push inserts a at the head, evicting from the tail past capacity.
// It reports false only when dedup is enabled and a is a duplicate.
func (b *Buffer) Push(a Alert) bool {
	if b.dedup != nil && b.dedup.IsDuplicate(string(a.ID)) {
		return false
	}

	b.mu.Lock()
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = b.now()
	}
	b.items = append(b.items, Alert{})
	copy(b.items[1:], b.items)
	b.items[0] = a
	if len(b.items) > b.capacity {
		clear(b.items[b.capacity:])
		b.items = b.items[:b.capacity]
	}
	b.mu.Unlock()

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, fn := range b.subscribers {
		fn(a)
	}
	return true
}

// Snapshot returns a copy of the buffer, newest first.
func (b *Buffer) Snapshot() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) Capacity() int { return b.capacity }

// Subscribe registers fn for every accepted alert. fn runs on the pushing
// goroutine and must not block.
func (b *Buffer) Subscribe(fn func(Alert)) func() {
	b.subMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = fn
	b.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subscribers, id)
			b.subMu.Unlock()
		})
	}
}
