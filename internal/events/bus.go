// Package events broadcasts MCP lifecycle events: servers connecting
// and dropping, tool lists changing, tool calls, breaker and health
// transitions. Publishing never blocks; a nil *Bus discards events so
// components need no guard checks.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event type.
type Kind string

// Event kinds published by the registry.
const (
	// Data: kind, endpoint, tools, session_id.
	KindServerConnected Kind = "server_connected"
	// Data: error.
	KindConnectFailed Kind = "connect_failed"
	// No data.
	KindServerDisconnected Kind = "server_disconnected"
	// Data: tools.
	KindToolsChanged Kind = "tools_changed"
	// Data: tool, ok, code, duration_ms.
	KindToolCall Kind = "tool_call"
	// Data: from, to.
	KindBreakerState Kind = "breaker_state"
	// Data: healthy, error.
	KindHealth Kind = "health"
)

// Event is one occurrence concerning a single server.
type Event struct {
	Time   time.Time      `json:"ts"`
	Kind   Kind           `json:"kind"`
	Server string         `json:"server"`
	Data   map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch    chan Event
	kinds []Kind
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// Bus fans events out to subscribers over buffered channels. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers e to every interested subscriber. A zero Time is
// set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for publishing an event stamped now.
func (b *Bus) Emit(kind Kind, server string, data map[string]any) {
	b.Publish(Event{Kind: kind, Server: server, Data: data})
}

// Subscribe registers a subscriber for the given kinds, or for every
// kind when none are given. The returned cancel func removes the
// subscription and closes the channel; calling it more than once is
// harmless.
func (b *Bus) Subscribe(bufSize int, kinds ...Kind) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, bufSize), kinds: kinds}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
