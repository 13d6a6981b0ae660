package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/transport"
	"bizsync-p2p/internal/transport/memory"
)

type trustMap map[string][]byte

func (t trustMap) Trust(_ context.Context, deviceID string) (string, []byte, error) {
	secret, ok := t[deviceID]
	if !ok {
		return "", nil, domain.E(domain.KindAuthentication, "trust", domain.ErrNotPaired)
	}
	return "pairing-" + deviceID, secret, nil
}

type noDevices struct{}

func (noDevices) Get(string) (domain.DeviceInfo, error) {
	return domain.DeviceInfo{}, domain.ErrDeviceNotFound
}

type stateLog struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (s *stateLog) Publish(ev events.Event) {
	if ev.Kind != events.KindConnectionChanged {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, ev.Connection.State)
}

func (s *stateLog) seen() []domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConnectionState(nil), s.states...)
}

type node struct {
	m      *Manager
	states *stateLog
}

var secret = []byte("0123456789abcdef0123456789abcdef")

func newNode(t *testing.T, hub *memory.Hub, id string, trust trustMap, cfg Config) *node {
	t.Helper()
	tr := hub.Transport(id, domain.TransportNearby)
	_, err := tr.Advertise(context.Background(), domain.DeviceInfo{DeviceID: id})
	require.NoError(t, err)
	table := transport.NewTable(logging.Discard())
	require.NoError(t, table.Register(tr))

	states := &stateLog{}
	m := NewManager(cfg, domain.DeviceInfo{DeviceID: id, Name: id}, table, noDevices{}, trust, nil, states, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		m.Close()
		tr.Close()
	})
	return &node{m: m, states: states}
}

func pair(t *testing.T, cfg Config) (*memory.Hub, *node, *node) {
	t.Helper()
	hub := memory.NewHub()
	a := newNode(t, hub, "dev-a", trustMap{"dev-b": secret}, cfg)
	b := newNode(t, hub, "dev-b", trustMap{"dev-a": secret}, cfg)
	return hub, a, b
}

func nextInbound(t *testing.T, m *Manager) Inbound {
	t.Helper()
	select {
	case in := <-m.Inbound():
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
		return Inbound{}
	}
}

func TestConnect_AuthenticatesBothSides(t *testing.T) {
	_, a, b := pair(t, Config{})
	ctx := context.Background()

	conn, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, conn.State)
	assert.Equal(t, domain.TransportNearby, conn.Transport)
	assert.True(t, conn.Outbound)
	require.NotNil(t, conn.ConnectedAt)

	require.Eventually(t, func() bool { return b.m.IsConnected("dev-a") }, 2*time.Second, 5*time.Millisecond)

	again, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)

	assert.Equal(t, []domain.ConnectionState{
		domain.ConnectionDiscovering,
		domain.ConnectionConnecting,
		domain.ConnectionAuthenticating,
		domain.ConnectionConnected,
	}, a.states.seen())
}

func TestConnect_CrossedDialsBothSucceed(t *testing.T) {
	for i := 0; i < 10; i++ {
		_, a, b := pair(t, Config{})
		ctx := context.Background()

		start := make(chan struct{})
		var wg sync.WaitGroup
		var errA, errB error
		var connA, connB domain.P2PConnection
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			connA, errA = a.m.Connect(ctx, "dev-b")
		}()
		go func() {
			defer wg.Done()
			<-start
			connB, errB = b.m.Connect(ctx, "dev-a")
		}()
		close(start)
		wg.Wait()

		require.NoError(t, errA, "round %d", i)
		require.NoError(t, errB, "round %d", i)
		assert.True(t, connA.State.IsUsable())
		assert.True(t, connB.State.IsUsable())
		require.Eventually(t, func() bool {
			return a.m.IsConnected("dev-b") && b.m.IsConnected("dev-a")
		}, 2*time.Second, 5*time.Millisecond)
		assert.Len(t, a.m.List(), 1)
		assert.Len(t, b.m.List(), 1)
	}
}

func TestSend_DeliversSignedMessages(t *testing.T) {
	_, a, b := pair(t, Config{})
	ctx := context.Background()

	_, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.m.IsConnected("dev-a") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.m.Send(ctx, "dev-b", protocol.TypeSyncResponse, protocol.SyncResponsePayload{SessionID: "s1", Accepted: true}))
	require.NoError(t, b.m.Send(ctx, "dev-a", protocol.TypeAcknowledgment, protocol.AckPayload{SessionID: "s1", Success: true}))

	in := nextInbound(t, b.m)
	assert.Equal(t, "dev-a", in.DeviceID)
	require.NotNil(t, in.Message)
	assert.Equal(t, protocol.TypeSyncResponse, in.Message.Type)
	assert.NotEmpty(t, in.Message.Signature)

	in = nextInbound(t, a.m)
	assert.Equal(t, protocol.TypeAcknowledgment, in.Message.Type)
	assert.Empty(t, in.Message.Signature)

	err = a.m.Send(ctx, "dev-z", protocol.TypeSyncRequest, nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestConnect_RequiresPairing(t *testing.T) {
	hub := memory.NewHub()
	a := newNode(t, hub, "dev-a", trustMap{}, Config{})
	newNode(t, hub, "dev-b", trustMap{"dev-a": secret}, Config{})

	_, err := a.m.Connect(context.Background(), "dev-b")
	assert.ErrorIs(t, err, domain.ErrNotPaired)
	assert.True(t, domain.IsKind(err, domain.KindAuthentication))
}

func TestConnect_RejectsMismatchedSecret(t *testing.T) {
	hub := memory.NewHub()
	a := newNode(t, hub, "dev-a", trustMap{"dev-b": secret}, Config{})
	b := newNode(t, hub, "dev-b", trustMap{"dev-a": []byte("another secret entirely")}, Config{})

	_, err := a.m.Connect(context.Background(), "dev-b")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindAuthentication))
	assert.Empty(t, a.m.List())
	assert.False(t, b.m.IsConnected("dev-a"))
}

func TestConnect_PeerWithoutTrustRefuses(t *testing.T) {
	hub := memory.NewHub()
	a := newNode(t, hub, "dev-a", trustMap{"dev-b": secret}, Config{})
	newNode(t, hub, "dev-b", trustMap{}, Config{})

	_, err := a.m.Connect(context.Background(), "dev-b")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindAuthentication))
}

func TestChannelLoss_DrivesErrorThenDisconnected(t *testing.T) {
	hub, a, b := pair(t, Config{})
	ctx := context.Background()

	_, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.m.IsConnected("dev-a") }, 2*time.Second, 5*time.Millisecond)

	hub.Sever("dev-a", "dev-b")

	in := nextInbound(t, a.m)
	assert.True(t, in.Lost)
	assert.Equal(t, "dev-b", in.DeviceID)
	_, err = a.m.Get("dev-b")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	states := a.states.seen()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []domain.ConnectionState{domain.ConnectionError, domain.ConnectionDisconnected}, states[len(states)-2:])
}

func TestHeartbeatTimeout(t *testing.T) {
	_, a, b := pair(t, Config{HeartbeatInterval: 20 * time.Millisecond, HeartbeatMisses: 2})
	ctx := context.Background()

	_, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.m.IsConnected("dev-a") }, 2*time.Second, 5*time.Millisecond)

	// Silence dev-b without closing its channel.
	b.m.connsMutex.RLock()
	silent := b.m.conns["dev-a"]
	b.m.connsMutex.RUnlock()
	silent.stopOnce.Do(func() { close(silent.stopped) })

	in := nextInbound(t, a.m)
	assert.True(t, in.Lost)
	assert.False(t, a.m.IsConnected("dev-b"))
}

func TestProtocolErrorThreshold(t *testing.T) {
	_, a, b := pair(t, Config{ErrorThreshold: 3})
	ctx := context.Background()

	_, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.m.IsConnected("dev-a") }, 2*time.Second, 5*time.Millisecond)

	b.m.connsMutex.RLock()
	raw := b.m.conns["dev-a"].ch
	b.m.connsMutex.RUnlock()

	unsigned, err := protocol.NewMessage(protocol.TypeDataChunk, "dev-b", "dev-a", protocol.DataChunkPayload{SessionID: "s"})
	require.NoError(t, err)
	frame, err := protocol.Encode(unsigned)
	require.NoError(t, err)

	require.NoError(t, raw.Send(ctx, []byte("not json")))
	require.NoError(t, raw.Send(ctx, frame))
	assert.True(t, a.m.IsConnected("dev-b"), "below threshold the connection survives")
	require.NoError(t, raw.Send(ctx, frame))

	in := nextInbound(t, a.m)
	assert.True(t, in.Lost, "unsigned chunks are dropped, never delivered")
	assert.False(t, a.m.IsConnected("dev-b"))
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	_, a, b := pair(t, Config{})
	ctx := context.Background()

	_, err := a.m.Connect(ctx, "dev-b")
	require.NoError(t, err)

	require.NoError(t, a.m.Disconnect("dev-b"))
	require.NoError(t, a.m.Disconnect("dev-b"))
	assert.Empty(t, a.m.List())
	assert.Equal(t, domain.ConnectionDisconnected, a.states.seen()[len(a.states.seen())-1])

	require.Eventually(t, func() bool { return !b.m.IsConnected("dev-a") }, 2*time.Second, 5*time.Millisecond)
}

func TestMarkSyncing(t *testing.T) {
	_, a, _ := pair(t, Config{})
	_, err := a.m.Connect(context.Background(), "dev-b")
	require.NoError(t, err)

	a.m.MarkSyncing("dev-b", true)
	got, err := a.m.Get("dev-b")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionSyncing, got.State)
	assert.True(t, a.m.IsConnected("dev-b"))

	a.m.MarkSyncing("dev-b", false)
	got, err = a.m.Get("dev-b")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, got.State)
}
