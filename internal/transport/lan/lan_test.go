package lan

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/logging"
)

func newLoopback(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Options{ListenAddr: "127.0.0.1:0", PongWait: 2 * time.Second}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestChannelRoundTrip(t *testing.T) {
	a := newLoopback(t)
	b := newLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer := domain.DeviceInfo{DeviceID: "dev-b", Metadata: map[string]string{MetaAddr: b.Addr()}}
	local, err := a.Open(ctx, peer)
	require.NoError(t, err)
	defer local.Close()

	var remote interface {
		Send(context.Context, []byte) error
		Receive() <-chan []byte
	}
	select {
	case ch := <-b.Accept():
		remote = ch
	case <-ctx.Done():
		t.Fatal("no inbound channel")
	}

	require.NoError(t, local.Send(ctx, []byte("ping")))
	require.NoError(t, local.Send(ctx, []byte("pong?")))
	assert.Equal(t, "ping", string(<-remote.Receive()))
	assert.Equal(t, "pong?", string(<-remote.Receive()))

	require.NoError(t, remote.Send(ctx, []byte("pong")))
	assert.Equal(t, "pong", string(<-local.Receive()))
}

func TestChannelCloseIsObserved(t *testing.T) {
	a := newLoopback(t)
	b := newLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, err := a.Open(ctx, domain.DeviceInfo{DeviceID: "dev-b", Metadata: map[string]string{MetaAddr: b.Addr()}})
	require.NoError(t, err)
	remote := <-b.Accept()

	require.NoError(t, local.Close())

	select {
	case <-remote.Done():
	case <-ctx.Done():
		t.Fatal("remote did not observe close")
	}
	assert.Error(t, local.Send(ctx, []byte("late")))
}

func TestOpenWithoutAddress(t *testing.T) {
	a := newLoopback(t)

	_, err := a.Open(context.Background(), domain.DeviceInfo{DeviceID: "dev-x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoTransport)
}

func TestDecodeBeacon(t *testing.T) {
	data, err := json.Marshal(beacon{
		Version: 1,
		Port:    42425,
		Device:  domain.DeviceInfo{DeviceID: "dev-a", Name: "Front desk"},
	})
	require.NoError(t, err)

	info, err := decodeBeacon(data, &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 5353})
	require.NoError(t, err)
	assert.Equal(t, "dev-a", info.DeviceID)
	assert.Equal(t, "192.168.1.20:42425", info.Metadata[MetaAddr])
	assert.True(t, info.Supports(domain.TransportTCP))
	assert.True(t, info.IsOnline)

	_, err = decodeBeacon([]byte(`{"v":2,"port":1,"device":{"device_id":"x"}}`), &net.UDPAddr{IP: net.IPv4zero})
	assert.Error(t, err)
	_, err = decodeBeacon([]byte(`garbage`), &net.UDPAddr{IP: net.IPv4zero})
	assert.Error(t, err)
}
