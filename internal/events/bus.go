// Package events carries platform notifications between components that
// must not know about each other: the health prober publishes breaker
// transitions, the auth service publishes refresh-token replay sightings,
// and any number of consumers (alert mail, logging, none at all) listen.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind discriminates event payloads on the bus.
type Kind string

const (
	KindHealthChanged Kind = "health_changed"
	KindTokenReplay   Kind = "token_replay"
)

// HealthStatus is the last observed state of a downstream service.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// HealthEvent records a service health transition.
type HealthEvent struct {
	Service   string        `json:"service"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// TokenReplayEvent records an exchange attempt with an already-rotated
// refresh token. The strongest theft signal the platform produces.
type TokenReplayEvent struct {
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr"`
	SeenAt     time.Time `json:"seen_at"`
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Kind   Kind
	Health *HealthEvent
	Replay *TokenReplayEvent
}

// Bus fan-outs events to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking publishers.
		}
	}
}

// PublishHealth is a convenience wrapper for health transitions.
func (b *Bus) PublishHealth(evt HealthEvent) {
	b.Publish(Event{Kind: KindHealthChanged, Health: &evt})
}

// PublishReplay is a convenience wrapper for replay sightings.
func (b *Bus) PublishReplay(evt TokenReplayEvent) {
	b.Publish(Event{Kind: KindTokenReplay, Replay: &evt})
}
