// Package memory is an in-process transport. A Hub plays the role of the
// shared medium; every device gets its own Transport attached to it.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/transport"
)

const inboxSize = 256

type advert struct {
	info domain.DeviceInfo
	node *Transport
}

type Hub struct {
	mu      sync.Mutex
	ads     map[string]*advert
	changed chan struct{}
	ends    map[*pipeEnd]struct{}
}

func NewHub() *Hub {
	return &Hub{
		ads:     make(map[string]*advert),
		changed: make(chan struct{}),
		ends:    make(map[*pipeEnd]struct{}),
	}
}

// signalLocked wakes every discovery round waiting on the hub.
func (h *Hub) signalLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// Transport attaches a device to the hub under the given transport type.
func (h *Hub) Transport(deviceID string, typ domain.TransportType) *Transport {
	return &Transport{
		hub:      h,
		typ:      typ,
		deviceID: deviceID,
		accept:   make(chan transport.Channel, 16),
		closed:   make(chan struct{}),
	}
}

// Sever drops every open channel between two devices, as a radio link loss
// would.
func (h *Hub) Sever(a, b string) {
	h.mu.Lock()
	var victims []*pipeEnd
	for end := range h.ends {
		if (end.local == a && end.remote == b) || (end.local == b && end.remote == a) {
			victims = append(victims, end)
		}
	}
	h.mu.Unlock()

	for _, end := range victims {
		end.Close()
	}
}

type Transport struct {
	hub       *Hub
	typ       domain.TransportType
	deviceID  string
	accept    chan transport.Channel
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *Transport) Type() domain.TransportType {
	return t.typ
}

func (t *Transport) Advertise(ctx context.Context, self domain.DeviceInfo) (transport.Advertisement, error) {
	select {
	case <-t.closed:
		return nil, domain.E(domain.KindTransport, "advertise", domain.ErrChannelClosed)
	default:
	}

	info := self.Clone()
	if !info.Supports(t.typ) {
		info.Transports = append(info.Transports, t.typ)
	}

	h := t.hub
	h.mu.Lock()
	h.ads[info.DeviceID] = &advert{info: info, node: t}
	h.signalLocked()
	h.mu.Unlock()

	return transport.AdvertisementFunc(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if ad, ok := h.ads[info.DeviceID]; ok && ad.node == t {
			delete(h.ads, info.DeviceID)
			h.signalLocked()
		}
		return nil
	}), nil
}

func (t *Transport) Discover(ctx context.Context, timeout time.Duration) (<-chan domain.DeviceInfo, error) {
	select {
	case <-t.closed:
		return nil, domain.E(domain.KindTransport, "discover", domain.ErrChannelClosed)
	default:
	}

	out := make(chan domain.DeviceInfo, 16)
	go func() {
		defer close(out)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		seen := make(map[string]bool)
		for {
			t.hub.mu.Lock()
			var fresh []domain.DeviceInfo
			for id, ad := range t.hub.ads {
				if ad.node == t || seen[id] {
					continue
				}
				seen[id] = true
				info := ad.info.Clone()
				info.LastSeen = time.Now()
				info.IsOnline = true
				fresh = append(fresh, info)
			}
			changed := t.hub.changed
			t.hub.mu.Unlock()

			for _, info := range fresh {
				select {
				case out <- info:
				case <-timer.C:
					return
				case <-ctx.Done():
					return
				case <-t.closed:
					return
				}
			}

			select {
			case <-changed:
			case <-timer.C:
				return
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			}
		}
	}()

	return out, nil
}

func (t *Transport) Open(ctx context.Context, device domain.DeviceInfo) (transport.Channel, error) {
	t.hub.mu.Lock()
	ad, ok := t.hub.ads[device.DeviceID]
	t.hub.mu.Unlock()
	if !ok {
		return nil, domain.E(domain.KindTransport, "open", fmt.Errorf("%w: %s not advertising on %s", domain.ErrNoTransport, device.DeviceID, t.typ))
	}

	local, remote := newPipe(t.hub, t.typ, t.deviceID, device.DeviceID)

	select {
	case ad.node.accept <- remote:
		return local, nil
	case <-ad.node.closed:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	return nil, domain.E(domain.KindTransport, "open", fmt.Errorf("%s did not accept channel", device.DeviceID))
}

func (t *Transport) Accept() <-chan transport.Channel {
	return t.accept
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		h := t.hub
		h.mu.Lock()
		for id, ad := range h.ads {
			if ad.node == t {
				delete(h.ads, id)
			}
		}
		h.signalLocked()
		var mine []*pipeEnd
		for end := range h.ends {
			if end.local == t.deviceID && end.typ == t.typ {
				mine = append(mine, end)
			}
		}
		h.mu.Unlock()

		for _, end := range mine {
			end.Close()
		}
	})
	return nil
}

type pipeEnd struct {
	id     string
	typ    domain.TransportType
	local  string
	remote string
	hub    *Hub

	inbox     chan []byte
	out       chan []byte
	done      chan struct{}
	lost      chan struct{}
	closeOnce sync.Once
	peer      *pipeEnd
}

func newPipe(h *Hub, typ domain.TransportType, a, b string) (*pipeEnd, *pipeEnd) {
	id := uuid.New().String()
	mk := func(local, remote string) *pipeEnd {
		return &pipeEnd{
			id:     id,
			typ:    typ,
			local:  local,
			remote: remote,
			hub:    h,
			inbox:  make(chan []byte, inboxSize),
			out:    make(chan []byte),
			done:   make(chan struct{}),
			lost:   make(chan struct{}),
		}
	}
	left, right := mk(a, b), mk(b, a)
	left.peer, right.peer = right, left

	h.mu.Lock()
	h.ends[left] = struct{}{}
	h.ends[right] = struct{}{}
	h.mu.Unlock()

	go left.pump()
	go right.pump()
	return left, right
}

func (c *pipeEnd) pump() {
	defer close(c.lost)
	defer close(c.out)

	deliver := func(b []byte) bool {
		select {
		case c.out <- b:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case b := <-c.inbox:
			if !deliver(b) {
				return
			}
		case <-c.done:
			return
		case <-c.peer.done:
			for {
				select {
				case b := <-c.inbox:
					if !deliver(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *pipeEnd) ID() string                     { return c.id }
func (c *pipeEnd) Transport() domain.TransportType { return c.typ }
func (c *pipeEnd) Receive() <-chan []byte         { return c.out }
func (c *pipeEnd) Done() <-chan struct{}          { return c.lost }

func (c *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.lost:
		return domain.E(domain.KindTransport, "send", domain.ErrChannelClosed)
	case <-c.peer.done:
		return domain.E(domain.KindTransport, "send", domain.ErrChannelClosed)
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.peer.inbox <- buf:
		return nil
	case <-c.lost:
		return domain.E(domain.KindTransport, "send", domain.ErrChannelClosed)
	case <-c.peer.done:
		return domain.E(domain.KindTransport, "send", domain.ErrChannelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeEnd) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.ends, c)
		c.hub.mu.Unlock()
	})
	return nil
}
