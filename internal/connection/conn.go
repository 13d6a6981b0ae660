package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/transport"
)

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errTooManyErrors    = errors.New("too many protocol errors")
	errCrossedConnect   = errors.New("crossed connect resolved in favour of the existing channel")
)

type conn struct {
	m        *Manager
	id       string
	deviceID string
	outbound bool

	ch        transport.Channel
	transport domain.TransportType
	signer    *protocol.Signer

	mu   sync.Mutex
	info domain.P2PConnection

	lastSeen       atomic.Int64
	heartbeatSeq   atomic.Int64
	protocolErrors int

	stopOnce sync.Once
	stopped  chan struct{}
}

func newConn(m *Manager, deviceID string, outbound bool, state domain.ConnectionState) *conn {
	id := uuid.New().String()
	return &conn{
		m:        m,
		id:       id,
		deviceID: deviceID,
		outbound: outbound,
		info: domain.P2PConnection{
			ID:             id,
			RemoteDeviceID: deviceID,
			State:          state,
			Outbound:       outbound,
		},
		stopped: make(chan struct{}),
	}
}

func (c *conn) attach(ch transport.Channel, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = ch
	c.transport = ch.Transport()
	c.signer = protocol.NewSigner(secret)
	c.info.Transport = c.transport
	c.info.Metadata = map[string]string{"channel": ch.ID()}
}

func (c *conn) snapshot() domain.P2PConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.info
	if c.info.ConnectedAt != nil {
		t := *c.info.ConnectedAt
		out.ConnectedAt = &t
	}
	if c.info.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.info.Metadata))
		for k, v := range c.info.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (c *conn) state() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.State
}

func (c *conn) age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info.ConnectedAt == nil {
		return 0
	}
	return time.Since(*c.info.ConnectedAt)
}

func (c *conn) setState(s domain.ConnectionState) {
	c.mu.Lock()
	if c.info.State == s {
		c.mu.Unlock()
		return
	}
	c.info.State = s
	if s == domain.ConnectionConnected && c.info.ConnectedAt == nil {
		now := time.Now()
		c.info.ConnectedAt = &now
	}
	c.mu.Unlock()
	c.m.notify(c.snapshot())
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	c.info.LastError = err.Error()
	c.mu.Unlock()
	c.setState(domain.ConnectionError)
}

func (c *conn) markConnected() {
	c.touch()
	c.setState(domain.ConnectionConnected)
}

func (c *conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *conn) stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.ch != nil {
			c.ch.Close()
		}
	})
}

func (c *conn) isStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

func (c *conn) send(ctx context.Context, msgType protocol.MessageType, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, c.m.self.DeviceID, c.deviceID, payload)
	if err != nil {
		return domain.E(domain.KindInternal, "connection.send", err)
	}
	if msgType != protocol.TypeHeartbeat && msgType != protocol.TypeAcknowledgment {
		c.signer.Sign(msg)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return domain.E(domain.KindInternal, "connection.send", err)
	}
	return c.ch.Send(ctx, data)
}

// run reads frames until the connection is stopped or lost. It also sends
// heartbeats and watches for the peer's.
func (c *conn) run() {
	interval := c.m.cfg.HeartbeatInterval
	deadline := interval * time.Duration(c.m.cfg.HeartbeatMisses)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopped:
			return

		case data, ok := <-c.ch.Receive():
			if !ok {
				c.lose(domain.E(domain.KindTransport, "connection", domain.ErrChannelClosed))
				return
			}
			c.touch()
			msg, err := protocol.Decode(data)
			if err == nil && msg.SenderID != c.deviceID {
				err = domain.Errorf(domain.KindProtocol, "connection", "sender %q on channel of %q", msg.SenderID, c.deviceID)
			}
			if err == nil && msg.Type != protocol.TypeHeartbeat {
				err = c.signer.Accept(msg)
			}
			if err != nil {
				if c.protocolError(err) {
					return
				}
				continue
			}
			if msg.Type == protocol.TypeHeartbeat {
				continue
			}
			select {
			case c.m.inbound <- Inbound{DeviceID: c.deviceID, Message: msg}:
			case <-c.stopped:
				return
			case <-c.m.done:
				return
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastSeen.Load())) > deadline {
				c.lose(domain.E(domain.KindTransport, "connection", errHeartbeatTimeout))
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.send(ctx, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Sequence: c.heartbeatSeq.Add(1)})
			cancel()
			if err != nil {
				c.m.log.Debug("heartbeat send failed", "device", c.deviceID, "error", err)
			}
		}
	}
}

// protocolError drops a bad frame and reports whether the connection was
// closed for crossing the threshold.
func (c *conn) protocolError(err error) bool {
	c.protocolErrors++
	c.m.log.Warn("dropping message", "device", c.deviceID, "error", err, "count", c.protocolErrors)
	if c.protocolErrors >= c.m.cfg.ErrorThreshold {
		c.lose(domain.E(domain.KindProtocol, "connection", errTooManyErrors))
		return true
	}
	return false
}

func (c *conn) lose(err error) {
	if c.isStopped() {
		return
	}
	c.mu.Lock()
	c.info.LastError = err.Error()
	c.mu.Unlock()
	c.m.log.Warn("connection lost", "device", c.deviceID, "error", err)
	c.m.retire(c, domain.ConnectionError)
}
