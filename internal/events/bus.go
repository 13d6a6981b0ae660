package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/logging"
)

type Kind string

const (
	KindDeviceDiscovered  Kind = "device_discovered"
	KindDeviceLost        Kind = "device_lost"
	KindPairingUpdated    Kind = "pairing_updated"
	KindConnectionChanged Kind = "connection_changed"
	KindSessionUpdated    Kind = "session_updated"
	KindProgressUpdated   Kind = "progress_updated"
	KindConflictDetected  Kind = "conflict_detected"
)

type Event struct {
	Kind       Kind                  `json:"kind"`
	Time       time.Time             `json:"time"`
	Device     *domain.DeviceInfo    `json:"device,omitempty"`
	Pairing    *domain.DevicePairing `json:"pairing,omitempty"`
	Connection *domain.P2PConnection `json:"connection,omitempty"`
	Session    *domain.SyncSession   `json:"session,omitempty"`
	Progress   *domain.SyncProgress  `json:"progress,omitempty"`
	Conflict   *domain.SyncConflict  `json:"conflict,omitempty"`
}

// Publisher is the narrow side of the bus handed to components.
type Publisher interface {
	Publish(ev Event)
}

type Subscription struct {
	id     uint64
	C      <-chan Event
	ch     chan Event
	kinds  map[Kind]bool
	closed bool
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus fans events out to subscribers from one dispatcher goroutine, so every
// subscriber observes events in publish order.
type Bus struct {
	log        *slog.Logger
	publish    chan Event
	register   chan *Subscription
	unregister chan *Subscription
	done       chan struct{}
	stopOnce   sync.Once

	mu     sync.Mutex
	nextID uint64
}

func NewBus(log *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		log:        logging.Component(log, "events"),
		publish:    make(chan Event, buffer),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		done:       make(chan struct{}),
	}
}

func (b *Bus) Run(ctx context.Context) {
	subs := make(map[uint64]*Subscription)
	defer func() {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return

		case <-b.done:
			return

		case s := <-b.register:
			subs[s.id] = s

		case s := <-b.unregister:
			if existing, ok := subs[s.id]; ok {
				delete(subs, s.id)
				if !existing.closed {
					existing.closed = true
					close(existing.ch)
				}
			}

		case ev := <-b.publish:
			for id, s := range subs {
				if !s.wants(ev.Kind) {
					continue
				}
				select {
				case s.ch <- ev:
				default:
					b.log.Warn("subscriber buffer full, dropping event", "subscriber", id, "kind", ev.Kind)
				}
			}
		}
	}
}

func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case b.publish <- ev:
	case <-b.done:
	}
}

// Subscribe registers a subscriber. An empty kinds list receives everything.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	ch := make(chan Event, buffer)
	s := &Subscription{id: id, C: ch, ch: ch, kinds: make(map[Kind]bool, len(kinds))}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	select {
	case b.register <- s:
	case <-b.done:
		close(ch)
		s.closed = true
	}
	return s
}

func (b *Bus) Unsubscribe(s *Subscription) {
	select {
	case b.unregister <- s:
	case <-b.done:
	}
}

// Nop discards events; components fall back to it when built without a bus.
type Nop struct{}

func (Nop) Publish(Event) {}
