// Package websocket pushes engine events to control API clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
)

var (
	ErrTooManyClients = errors.New("too many event stream clients")
	ErrStopped        = errors.New("event stream stopped")
)

// Source is the subscribe side of the event bus.
type Source interface {
	Subscribe(buffer int, kinds ...events.Kind) *events.Subscription
	Unsubscribe(s *events.Subscription)
}

type Options struct {
	MaxClients     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

type Manager struct {
	log            *slog.Logger
	source         Source
	clients        map[string]*Client
	clientsMutex   sync.RWMutex
	register       chan registration
	unregister     chan *Client
	done           chan struct{}
	stopOnce       sync.Once
	maxClients     int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

type registration struct {
	client *Client
	result chan error
}

func NewManager(source Source, opts Options, log *slog.Logger) *Manager {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 8
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 << 10
	}
	return &Manager{
		log:            logging.Component(log, "eventstream"),
		source:         source,
		clients:        make(map[string]*Client),
		register:       make(chan registration),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		maxClients:     opts.MaxClients,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		maxMessageSize: opts.MaxMessageSize,
	}
}

// Run forwards bus events to registered clients until ctx ends or the bus
// closes the subscription.
func (m *Manager) Run(ctx context.Context) {
	sub := m.source.Subscribe(512)
	defer func() {
		m.source.Unsubscribe(sub)
		m.stopOnce.Do(func() { close(m.done) })
		m.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-m.register:
			reg.result <- m.registerClient(reg.client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			m.broadcast(ev)
		}
	}
}

// Add registers a client with the running manager.
func (m *Manager) Add(client *Client) error {
	reg := registration{client: client, result: make(chan error, 1)}
	select {
	case m.register <- reg:
		return <-reg.result
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) Remove(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) registerClient(client *Client) error {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if len(m.clients) >= m.maxClients {
		m.log.Warn("event stream client rejected", "client", client.ID, "clients", len(m.clients))
		return ErrTooManyClients
	}
	m.clients[client.ID] = client
	m.log.Debug("event stream client registered", "client", client.ID, "device", client.DeviceID)
	return nil
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		client.close()
		m.log.Debug("event stream client unregistered", "client", client.ID)
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	for id, client := range m.clients {
		delete(m.clients, id)
		client.close()
	}
}

func (m *Manager) broadcast(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("failed to encode event", "kind", ev.Kind, "error", err)
		return
	}
	data, err := json.Marshal(&Message{Type: TypeEvent, Timestamp: ev.Time, Payload: payload})
	if err != nil {
		return
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for _, client := range m.clients {
		if !client.wants(ev.Kind) {
			continue
		}
		if !client.enqueue(data) {
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		m.log.Warn("event stream client too slow, closing", "client", client.ID)
		m.unregisterClient(client)
	}
}

func (m *Manager) Clients() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
