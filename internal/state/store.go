package state

import (
	"slices"
	"sync"
)

// ConnectionState is the externally observed view of the console.
// Each field is an independent signal with its own writer.
type ConnectionState struct {
	ChannelConnected bool `json:"channel_connected"`
	SystemHealthy    bool `json:"system_healthy"`
	Loading          bool `json:"loading"`
	DVRConnected     bool `json:"dvr_connected"`
}

// Listener receives the full snapshot after every field change.
type Listener func(ConnectionState)

// Store is the single point of truth for ConnectionState.
//
// Writers:
//   - realtime.Channel   -> ChannelConnected
//   - health.Monitor     -> SystemHealthy, Loading (clear only)
//   - cameras.Controller -> Loading
//   - dvr.Configurator   -> DVRConnected
//
// Listeners run on the writer's goroutine, in write order. They may read
// Snapshot but must not block, write back into the store or (un)subscribe.
type Store struct {
	mu    sync.Mutex
	state ConnectionState

	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int
}

func NewStore() *Store {
	return &Store{
		state:     ConnectionState{Loading: true},
		listeners: make(map[int]Listener),
	}
}

func (s *Store) Snapshot() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers l and returns a func that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.notifyMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			delete(s.listeners, id)
			s.notifyMu.Unlock()
		})
	}
}

func (s *Store) SetChannelConnected(v bool) {
	s.set(func(st *ConnectionState) *bool { return &st.ChannelConnected }, v)
}

func (s *Store) SetSystemHealthy(v bool) {
	s.set(func(st *ConnectionState) *bool { return &st.SystemHealthy }, v)
}

func (s *Store) SetLoading(v bool) {
	s.set(func(st *ConnectionState) *bool { return &st.Loading }, v)
}

func (s *Store) SetDVRConnected(v bool) {
	s.set(func(st *ConnectionState) *bool { return &st.DVRConnected }, v)
}

// set applies a single-field write. Writers are serialized on notifyMu so
// snapshots reach listeners in the same order the writes happened.
func (s *Store) set(field func(*ConnectionState) *bool, v bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	f := field(&s.state)
	if *f == v {
		s.mu.Unlock()
		return
	}
	*f = v
	snap := s.state
	s.mu.Unlock()

	for _, id := range s.sortedIDs() {
		s.listeners[id](snap)
	}
}

// sortedIDs returns listener ids in subscription order. Caller holds notifyMu.
func (s *Store) sortedIDs() []int {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
