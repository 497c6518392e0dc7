// Package connectivity is the single source of truth for online/offline
// state. Network-facing components consult it before issuing calls; an
// offline reading is a no-op branch, never an error.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Transition is delivered to subscribers when the observed state flips.
type Transition struct {
	Online     bool
	ObservedAt time.Time
}

// Oracle exposes the current connectivity state and its transitions.
type Oracle interface {
	// Online reports whether the remote API is currently reachable.
	Online() bool
	// Subscribe registers for transition events until ctx is done or the
	// returned cleanup runs. Slow subscribers drop events rather than
	// block the publisher.
	Subscribe(ctx context.Context) (<-chan Transition, func())
}

type subscriber struct {
	id     int64
	stream chan Transition
	done   chan struct{}
	once   sync.Once
}

// Monitor tracks connectivity and fans transitions out to subscribers.
// State changes arrive either from the periodic probe loop or from an
// explicit SetOnline call.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

// MonitorConfig carries the optional dependencies of a Monitor.
type MonitorConfig struct {
	// InitialOnline seeds the state before the first probe.
	InitialOnline bool
	Clock         func() time.Time
}

// NewMonitor returns a Monitor seeded with the configured state.
func NewMonitor(cfg MonitorConfig) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		online:      cfg.InitialOnline,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
		clock:       clock,
	}
}

// Online implements Oracle.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe implements Oracle.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	entry := &subscriber{
		stream: make(chan Transition, m.bufferSize),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.nextID++
	entry.id = m.nextID
	m.subscribers[entry.id] = entry
	m.mu.Unlock()

	// Closing done releases the context watcher even when ctx itself never
	// fires, such as context.Background.
	cleanup := func() {
		entry.once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, entry.id)
			m.mu.Unlock()
			close(entry.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-entry.done:
		}
	}()
	return entry.stream, cleanup
}

// SetOnline records an observed state. Subscribers are notified only when
// the state actually flips.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	copies := make([]*subscriber, 0, len(m.subscribers))
	for _, entry := range m.subscribers {
		copies = append(copies, entry)
	}
	m.mu.Unlock()

	transition := Transition{Online: online, ObservedAt: m.clock().UTC()}
	for _, entry := range copies {
		select {
		case entry.stream <- transition:
		default:
		}
	}
}

// Probe is the platform-level reachability check driving RunProbeLoop.
type Probe func(ctx context.Context) error

// RunProbeLoop drives the monitor from a periodic reachability probe until
// ctx is done. A nil probe error means online.
func (m *Monitor) RunProbeLoop(ctx context.Context, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(probe(ctx) == nil)
		}
	}
}
