// Package events is the in-process publish/subscribe channel for plugin
// lifecycle notifications.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds published by the lifecycle manager and runtime drivers.
const (
	KindInstalled     = "plugin:installed"
	KindStarted       = "plugin:started"
	KindStopped       = "plugin:stopped"
	KindRestarted     = "plugin:restarted"
	KindUninstalled   = "plugin:uninstalled"
	KindUpdated       = "plugin:updated"
	KindRolledBack    = "plugin:rolled-back"
	KindHealthChanged = "plugin:health-changed"
)

// Event is a single lifecycle notification.
type Event struct {
	Kind        string                 `json:"kind"`
	PluginID    string                 `json:"pluginId"`
	ForgehookID string                 `json:"forgehookId"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// subscriberBuffer bounds how far a consumer may fall behind before it
// is dropped.
const subscriberBuffer = 64

// Bus fans events out to subscribers. Delivery is at-most-once; a
// subscriber whose buffer is full is closed and removed so it cannot
// back-pressure publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	log    zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new consumer. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that can accept it without
// blocking. Slow subscribers are disconnected.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, ch)
			close(ch)
			b.log.Warn().Str("kind", ev.Kind).Msg("dropping slow event subscriber")
		}
	}
}

// Close disconnects all subscribers. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
