// Package lan implements the TCP transport: websocket channels served by a
// small mux router, and UDP multicast beacons for discovery.
package lan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/net/ipv4"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/transport"
	"bizsync-p2p/pkg/response"
)

// MetaAddr is the DeviceInfo metadata key holding a peer's host:port.
const MetaAddr = "lan.addr"

const (
	channelPath = "/p2p/v1/ws"
	infoPath    = "/p2p/v1/info"
	beaconMax   = 8192
)

type Options struct {
	ListenAddr     string
	Group          string
	BeaconInterval time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (o *Options) setDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = ":0"
	}
	if o.Group == "" {
		o.Group = "239.255.42.99:42424"
	}
	if o.BeaconInterval <= 0 {
		o.BeaconInterval = 2 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 10 << 20
	}
}

type beacon struct {
	Version int               `json:"v"`
	Port    int               `json:"port"`
	Device  domain.DeviceInfo `json:"device"`
}

type Transport struct {
	opts     Options
	log      *slog.Logger
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	accept   chan transport.Channel

	mu       sync.Mutex
	self     *domain.DeviceInfo
	channels map[*wsChannel]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New starts the channel listener right away so the bound address is known
// before the first advertisement.
func New(opts Options, log *slog.Logger) (*Transport, error) {
	opts.setDefaults()

	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "listen", err)
	}

	t := &Transport{
		opts:     opts,
		log:      logging.Component(log, "lan"),
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		accept:   make(chan transport.Channel, 16),
		channels: make(map[*wsChannel]struct{}),
		closed:   make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc(channelPath, t.handleChannel).Methods(http.MethodGet)
	r.HandleFunc(infoPath, t.handleInfo).Methods(http.MethodGet)
	t.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("lan listener stopped", "error", err)
		}
	}()

	t.log.Info("lan transport listening", "addr", ln.Addr().String())
	return t, nil
}

func (t *Transport) Type() domain.TransportType {
	return domain.TransportTCP
}

// Addr is the bound channel listener address.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

func (t *Transport) port() int {
	if tcp, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (t *Transport) Advertise(ctx context.Context, self domain.DeviceInfo) (transport.Advertisement, error) {
	info := self.Clone()
	if info.Metadata == nil {
		info.Metadata = make(map[string]string)
	}
	info.Metadata[MetaAddr] = t.Addr()
	if !info.Supports(domain.TransportTCP) {
		info.Transports = append(info.Transports, domain.TransportTCP)
	}

	t.mu.Lock()
	t.self = &info
	t.mu.Unlock()

	group, err := net.ResolveUDPAddr("udp4", t.opts.Group)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "advertise", err)
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, domain.E(domain.KindTransport, "advertise", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(1); err != nil {
		t.log.Debug("multicast ttl not set", "error", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		t.log.Debug("multicast loopback not set", "error", err)
	}

	payload, err := json.Marshal(beacon{Version: 1, Port: t.port(), Device: info})
	if err != nil {
		conn.Close()
		return nil, err
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		defer conn.Close()
		ticker := time.NewTicker(t.opts.BeaconInterval)
		defer ticker.Stop()

		for {
			if _, err := pc.WriteTo(payload, nil, group); err != nil {
				t.log.Debug("beacon send failed", "error", err)
			}
			select {
			case <-ticker.C:
			case <-stop:
				return
			case <-t.closed:
				return
			}
		}
	}()

	return transport.AdvertisementFunc(func() error {
		stopOnce.Do(func() { close(stop) })
		return nil
	}), nil
}

func (t *Transport) Discover(ctx context.Context, timeout time.Duration) (<-chan domain.DeviceInfo, error) {
	group, err := net.ResolveUDPAddr("udp4", t.opts.Group)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "discover", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "discover", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	// Unblock the read as soon as the round is abandoned.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })

	out := make(chan domain.DeviceInfo, 16)
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()

		selfID := t.selfID()
		seen := make(map[string]bool)
		buf := make([]byte, beaconMax)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			info, err := decodeBeacon(buf[:n], src)
			if err != nil {
				t.log.Debug("ignoring malformed beacon", "from", src, "error", err)
				continue
			}
			if info.DeviceID == selfID || seen[info.DeviceID] {
				continue
			}
			seen[info.DeviceID] = true

			select {
			case out <- info:
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			}
		}
	}()

	return out, nil
}

func (t *Transport) selfID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.self == nil {
		return ""
	}
	return t.self.DeviceID
}

// decodeBeacon rebuilds the advertised address from the packet source, since
// advertisers usually bind the wildcard address.
func decodeBeacon(data []byte, src *net.UDPAddr) (domain.DeviceInfo, error) {
	var b beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.DeviceInfo{}, err
	}
	if b.Version != 1 || b.Device.DeviceID == "" || b.Port <= 0 {
		return domain.DeviceInfo{}, fmt.Errorf("unsupported beacon")
	}

	info := b.Device.Clone()
	if info.Metadata == nil {
		info.Metadata = make(map[string]string)
	}
	info.Metadata[MetaAddr] = net.JoinHostPort(src.IP.String(), strconv.Itoa(b.Port))
	info.LastSeen = time.Now()
	info.IsOnline = true
	if !info.Supports(domain.TransportTCP) {
		info.Transports = append(info.Transports, domain.TransportTCP)
	}
	return info, nil
}

func (t *Transport) Open(ctx context.Context, device domain.DeviceInfo) (transport.Channel, error) {
	addr := device.Metadata[MetaAddr]
	if addr == "" {
		return nil, domain.E(domain.KindTransport, "open", fmt.Errorf("%w: %s has no lan address", domain.ErrNoTransport, device.DeviceID))
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.WriteWait}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+channelPath, nil)
	if err != nil {
		return nil, domain.E(domain.KindTransport, "open", err)
	}
	return t.track(conn), nil
}

func (t *Transport) track(conn *websocket.Conn) *wsChannel {
	var ch *wsChannel
	ch = newChannel(conn, t.opts, t.log, func() {
		t.mu.Lock()
		delete(t.channels, ch)
		t.mu.Unlock()
	})
	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

func (t *Transport) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("channel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ch := t.track(conn)
	select {
	case t.accept <- ch:
	case <-t.closed:
		ch.Close()
	case <-time.After(t.opts.WriteWait):
		t.log.Warn("accept queue full, dropping channel", "remote", r.RemoteAddr)
		ch.Close()
	}
}

func (t *Transport) handleInfo(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	self := t.self
	t.mu.Unlock()

	if self == nil {
		response.NotFound(w, "not advertising")
		return
	}
	response.Success(w, self)
}

func (t *Transport) Accept() <-chan transport.Channel {
	return t.accept
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		ctx, cancel := context.WithTimeout(context.Background(), t.opts.WriteWait)
		defer cancel()
		err = t.server.Shutdown(ctx)

		t.mu.Lock()
		open := make([]*wsChannel, 0, len(t.channels))
		for ch := range t.channels {
			open = append(open, ch)
		}
		t.mu.Unlock()
		for _, ch := range open {
			ch.Close()
		}
	})
	return err
}
