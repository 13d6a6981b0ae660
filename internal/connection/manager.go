// Package connection owns authenticated channels to paired devices. A
// channel only becomes a connection after both sides prove possession of the
// pairing secret; from then on every frame is routed to the inbound stream.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/transport"
)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	AuthTimeout       time.Duration
	ProofTTL          time.Duration
	ErrorThreshold    int
	InboundBuffer     int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ProofTTL <= 0 {
		c.ProofTTL = 30 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
}

// TrustSource resolves the pairing secret shared with a device.
type TrustSource interface {
	Trust(ctx context.Context, deviceID string) (string, []byte, error)
}

// PairingHandler answers pairing hellos that arrive on unauthenticated
// channels.
type PairingHandler interface {
	HandleIncoming(ctx context.Context, ch transport.Channel, first *protocol.Message) error
}

// DeviceLookup resolves addressing for a device id.
type DeviceLookup interface {
	Get(deviceID string) (domain.DeviceInfo, error)
}

// Inbound is one verified message from a connected device. Lost is set
// instead of Message when the connection went away.
type Inbound struct {
	DeviceID string
	Message  *protocol.Message
	Lost     bool
}

type Manager struct {
	cfg     Config
	self    domain.DeviceInfo
	table   *transport.Table
	devices DeviceLookup
	trust   TrustSource
	pairing PairingHandler
	events  events.Publisher
	log     *slog.Logger

	conns      map[string]*conn
	connsMutex sync.RWMutex

	inbound  chan Inbound
	accepted chan transport.Channel
	done     chan struct{}
	once     sync.Once
}

func NewManager(cfg Config, self domain.DeviceInfo, table *transport.Table, devices DeviceLookup,
	trust TrustSource, pairing PairingHandler, pub events.Publisher, log *slog.Logger) *Manager {
	cfg.setDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		cfg:      cfg,
		self:     self,
		table:    table,
		devices:  devices,
		trust:    trust,
		pairing:  pairing,
		events:   pub,
		log:      logging.Component(log, "connection"),
		conns:    make(map[string]*conn),
		inbound:  make(chan Inbound, cfg.InboundBuffer),
		accepted: make(chan transport.Channel),
		done:     make(chan struct{}),
	}
}

func (m *Manager) SetPairingHandler(h PairingHandler) {
	m.pairing = h
}

// Inbound yields verified messages from every connection in arrival order
// per connection.
func (m *Manager) Inbound() <-chan Inbound {
	return m.inbound
}

// Run accepts channels from every registered transport until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for _, tr := range m.table.All() {
		go m.acceptFrom(ctx, tr)
	}

	for {
		select {
		case ch := <-m.accepted:
			go m.handleAccepted(ctx, ch)

		case <-ctx.Done():
			m.Close()
			return

		case <-m.done:
			return
		}
	}
}

func (m *Manager) acceptFrom(ctx context.Context, tr transport.Transport) {
	for {
		select {
		case ch := <-tr.Accept():
			if ch == nil {
				return
			}
			select {
			case m.accepted <- ch:
			case <-ctx.Done():
				ch.Close()
				return
			case <-m.done:
				ch.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// Dial opens a raw channel, trying the transports the device advertised
// first and every other registered transport after them.
func (m *Manager) Dial(ctx context.Context, hint domain.DeviceInfo) (transport.Channel, error) {
	info, order := m.route(hint)
	return m.open(ctx, info, order)
}

// route resolves what is known about a device and the order in which to try
// transports for it.
func (m *Manager) route(hint domain.DeviceInfo) (domain.DeviceInfo, []transport.Transport) {
	info := hint
	if known, err := m.devices.Get(hint.DeviceID); err == nil {
		info = mergeHint(known, hint)
	}

	var order []transport.Transport
	seen := make(map[domain.TransportType]bool)
	for _, typ := range info.Transports {
		if tr, ok := m.table.Get(typ); ok && !seen[typ] {
			order = append(order, tr)
			seen[typ] = true
		}
	}
	for _, tr := range m.table.All() {
		if !seen[tr.Type()] {
			order = append(order, tr)
			seen[tr.Type()] = true
		}
	}
	return info, order
}

func (m *Manager) open(ctx context.Context, info domain.DeviceInfo, order []transport.Transport) (transport.Channel, error) {
	var errs []error
	for _, tr := range order {
		ch, err := tr.Open(ctx, info)
		if err == nil {
			return ch, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", tr.Type(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, domain.E(domain.KindTransport, "connection.Dial",
		fmt.Errorf("%w: %s: %w", domain.ErrNoTransport, info.DeviceID, errors.Join(errs...)))
}

func mergeHint(known, hint domain.DeviceInfo) domain.DeviceInfo {
	out := known.Clone()
	for _, t := range hint.Transports {
		if !out.Supports(t) {
			out.Transports = append(out.Transports, t)
		}
	}
	for k, v := range hint.Metadata {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string)
		}
		out.Metadata[k] = v
	}
	return out
}

// Connect opens and authenticates a connection to a paired device. An
// already usable connection is returned as is.
func (m *Manager) Connect(ctx context.Context, deviceID string) (domain.P2PConnection, error) {
	if existing, ok := m.usable(deviceID); ok {
		return existing, nil
	}
	_, secret, err := m.trust.Trust(ctx, deviceID)
	if err != nil {
		return domain.P2PConnection{}, err
	}

	c := newConn(m, deviceID, true, domain.ConnectionDiscovering)
	m.notify(c.snapshot())

	info, order := m.route(domain.DeviceInfo{DeviceID: deviceID})
	c.setState(domain.ConnectionConnecting)
	ch, err := m.open(ctx, info, order)
	if err != nil {
		m.abandon(c, err)
		return domain.P2PConnection{}, err
	}
	c.attach(ch, secret)
	c.setState(domain.ConnectionAuthenticating)

	actx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()
	if err := m.authenticateOutbound(actx, c, secret); err != nil {
		ch.Close()
		if domain.IsKind(err, domain.KindTransport) {
			// The peer may have dropped this channel for one it dialed itself.
			if existing, ok := m.usable(deviceID); ok {
				m.notify(existing)
				return existing, nil
			}
		}
		m.abandon(c, err)
		return domain.P2PConnection{}, err
	}
	if err := m.install(c); err != nil {
		ch.Close()
		if errors.Is(err, errCrossedConnect) {
			if existing, ok := m.usable(deviceID); ok {
				m.log.Debug("crossed connect settled on inbound channel", "device", deviceID, "connection", existing.ID)
				m.notify(existing)
				return existing, nil
			}
		}
		m.abandon(c, err)
		return domain.P2PConnection{}, err
	}
	return c.snapshot(), nil
}

func (m *Manager) handleAccepted(ctx context.Context, ch transport.Channel) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	first, err := readMessage(actx, ch)
	if err != nil {
		m.log.Warn("dropping accepted channel", "channel", ch.ID(), "error", err)
		ch.Close()
		return
	}

	switch first.Type {
	case protocol.TypeHandshake:
		defer ch.Close()
		if m.pairing == nil {
			return
		}
		if err := m.pairing.HandleIncoming(ctx, ch, first); err != nil {
			m.log.Warn("inbound pairing failed", "device", first.SenderID, "error", err)
		}

	case protocol.TypeAuthenticationRequest:
		c := newConn(m, first.SenderID, false, domain.ConnectionConnecting)
		_, secret, err := m.trust.Trust(ctx, first.SenderID)
		if err != nil {
			reject(actx, ch, m.self.DeviceID, first.SenderID, err)
			ch.Close()
			m.log.Warn("rejected connection from unpaired device", "device", first.SenderID)
			return
		}
		c.attach(ch, secret)
		m.notify(c.snapshot())
		c.setState(domain.ConnectionAuthenticating)
		if err := m.authenticateInbound(actx, c, secret, first); err != nil {
			ch.Close()
			m.abandon(c, err)
			return
		}
		if err := m.install(c); err != nil {
			ch.Close()
			if errors.Is(err, errCrossedConnect) {
				m.log.Debug("crossed connect settled on outbound channel", "device", c.deviceID)
				if existing, ok := m.usable(c.deviceID); ok {
					m.notify(existing)
				}
				return
			}
			m.abandon(c, err)
		}

	default:
		m.log.Warn("unexpected first message on channel", "type", first.Type, "channel", ch.ID())
		ch.Close()
	}
}

// install makes c the live connection for its device. Two devices dialing
// each other at once keep the channel opened by the lower device id.
func (m *Manager) install(c *conn) error {
	m.connsMutex.Lock()
	old := m.conns[c.deviceID]
	if old != nil && old.outbound != c.outbound && old.state().IsUsable() && old.age() < m.cfg.AuthTimeout {
		if (old.outbound && m.self.DeviceID < c.deviceID) || (!old.outbound && c.deviceID < m.self.DeviceID) {
			m.connsMutex.Unlock()
			return domain.E(domain.KindTransport, "connection.install", fmt.Errorf("%w: %s", errCrossedConnect, c.deviceID))
		}
	}
	m.conns[c.deviceID] = c
	m.connsMutex.Unlock()

	if old != nil {
		m.log.Info("superseding connection", "device", c.deviceID, "old", old.id, "new", c.id)
		old.stop()
		old.setState(domain.ConnectionDisconnected)
	}

	c.markConnected()
	go c.run()
	m.log.Info("connection established", "device", c.deviceID, "transport", c.transport, "outbound", c.outbound)
	return nil
}

// abandon reports a connection that never became usable.
func (m *Manager) abandon(c *conn, err error) {
	c.fail(err)
	c.setState(domain.ConnectionDisconnected)
	m.log.Warn("connection attempt failed", "device", c.deviceID, "error", err)
}

// retire drives a lost connection to error, then disconnected, and removes
// it.
func (m *Manager) retire(c *conn, via domain.ConnectionState) {
	m.connsMutex.Lock()
	current := m.conns[c.deviceID] == c
	if current {
		delete(m.conns, c.deviceID)
	}
	m.connsMutex.Unlock()

	c.stop()
	if via == domain.ConnectionError {
		c.setState(domain.ConnectionError)
	}
	c.setState(domain.ConnectionDisconnected)
	if current {
		m.deliver(Inbound{DeviceID: c.deviceID, Lost: true})
	}
}

// Disconnect closes the connection to deviceID. Disconnecting a device with
// no connection is not an error.
func (m *Manager) Disconnect(deviceID string) error {
	m.connsMutex.Lock()
	c, ok := m.conns[deviceID]
	if ok {
		delete(m.conns, deviceID)
	}
	m.connsMutex.Unlock()
	if !ok {
		return nil
	}

	c.stop()
	c.setState(domain.ConnectionDisconnected)
	m.deliver(Inbound{DeviceID: deviceID, Lost: true})
	m.log.Info("disconnected", "device", deviceID)
	return nil
}

func (m *Manager) usable(deviceID string) (domain.P2PConnection, bool) {
	m.connsMutex.RLock()
	defer m.connsMutex.RUnlock()
	c, ok := m.conns[deviceID]
	if !ok || !c.state().IsUsable() {
		return domain.P2PConnection{}, false
	}
	return c.snapshot(), true
}

func (m *Manager) Get(deviceID string) (domain.P2PConnection, error) {
	m.connsMutex.RLock()
	defer m.connsMutex.RUnlock()
	c, ok := m.conns[deviceID]
	if !ok {
		return domain.P2PConnection{}, domain.E(domain.KindNotFound, "connection.Get", domain.ErrNotConnected)
	}
	return c.snapshot(), nil
}

// IsConnected reports whether deviceID has a usable connection.
func (m *Manager) IsConnected(deviceID string) bool {
	_, ok := m.usable(deviceID)
	return ok
}

func (m *Manager) List() []domain.P2PConnection {
	m.connsMutex.RLock()
	out := make([]domain.P2PConnection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.snapshot())
	}
	m.connsMutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteDeviceID < out[j].RemoteDeviceID })
	return out
}

// MarkSyncing flags a connection as carrying a sync session.
func (m *Manager) MarkSyncing(deviceID string, syncing bool) {
	m.connsMutex.RLock()
	c, ok := m.conns[deviceID]
	m.connsMutex.RUnlock()
	if !ok || !c.state().IsUsable() {
		return
	}
	if syncing {
		c.setState(domain.ConnectionSyncing)
	} else {
		c.setState(domain.ConnectionConnected)
	}
}

// Send signs and sends a message to a connected device. Heartbeats and
// acknowledgments go unsigned.
func (m *Manager) Send(ctx context.Context, deviceID string, msgType protocol.MessageType, payload interface{}) error {
	m.connsMutex.RLock()
	c, ok := m.conns[deviceID]
	m.connsMutex.RUnlock()
	if !ok || !c.state().IsUsable() {
		return domain.E(domain.KindTransport, "connection.Send", fmt.Errorf("%w: %s", domain.ErrNotConnected, deviceID))
	}
	return c.send(ctx, msgType, payload)
}

func (m *Manager) deliver(in Inbound) {
	select {
	case m.inbound <- in:
	case <-m.done:
	}
}

func (m *Manager) notify(snap domain.P2PConnection) {
	m.events.Publish(events.Event{Kind: events.KindConnectionChanged, Connection: &snap})
}

// Close tears down every connection and stops accepting.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.done)
		m.connsMutex.Lock()
		conns := m.conns
		m.conns = make(map[string]*conn)
		m.connsMutex.Unlock()
		for _, c := range conns {
			c.stop()
			c.setState(domain.ConnectionDisconnected)
		}
	})
}
