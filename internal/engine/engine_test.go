package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/pairing"
	"bizsync-p2p/internal/recordstore"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/secretstore"
	"bizsync-p2p/internal/session"
	"bizsync-p2p/internal/transport"
	"bizsync-p2p/internal/transport/memory"
)

type testDevice struct {
	*Engine
	records *recordstore.Memory
	repos   *repository.Repositories
	secrets *secretstore.Memory
}

func newDevice(t *testing.T, id string, hubs map[domain.TransportType]*memory.Hub) *testDevice {
	t.Helper()
	table := transport.NewTable(logging.Discard())
	for typ, hub := range hubs {
		require.NoError(t, table.Register(hub.Transport(id, typ)))
	}

	d := &testDevice{
		records: recordstore.NewMemory(),
		repos:   repository.NewMemory(),
		secrets: secretstore.NewMemory(),
	}
	e, err := New(Options{
		Self:              domain.DeviceInfo{DeviceID: id, Name: "till " + id, Type: domain.DeviceTypeTablet},
		Table:             table,
		Repos:             d.repos,
		Secrets:           d.secrets,
		Records:           d.records,
		DiscoveryTimeout:  200 * time.Millisecond,
		DiscoveryInterval: 100 * time.Millisecond,
		Pairing:           pairing.Config{StepTimeout: 3 * time.Second, PINKDF: pairing.KDFParams{Time: 1, Memory: 1024, Threads: 1}},
		Session:           session.Config{ChunkSize: 20, AckTimeout: 3 * time.Second, ResponseTimeout: 3 * time.Second},
		Log:               logging.Discard(),
	})
	require.NoError(t, err)
	d.Engine = e

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Stop(ctx))
		table.Close()
	})
	return d
}

func twoHubs() map[domain.TransportType]*memory.Hub {
	return map[domain.TransportType]*memory.Hub{
		domain.TransportNearby:    memory.NewHub(),
		domain.TransportBluetooth: memory.NewHub(),
	}
}

func pairWithPIN(t *testing.T, a, b *testDevice) {
	t.Helper()
	ctx := context.Background()
	code, err := b.Pairing.GeneratePIN(ctx)
	require.NoError(t, err)
	require.Len(t, code.PIN, 6)

	got, err := a.Pairing.EnterPIN(ctx, b.Self().DeviceID, code.PIN)
	require.NoError(t, err)
	require.Equal(t, domain.PairingCompleted, got.State)

	require.Eventually(t, func() bool {
		p, err := b.Pairing.Get(code.ID)
		return err == nil && p.State == domain.PairingCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_DiscoveryMergesTransports(t *testing.T) {
	hubs := twoHubs()
	a := newDevice(t, "dev-a", hubs)
	newDevice(t, "dev-b", hubs)

	found := a.Discover(context.Background(), 300*time.Millisecond)
	require.Len(t, found, 1)
	assert.Equal(t, "dev-b", found[0].DeviceID)
	assert.ElementsMatch(t, []domain.TransportType{domain.TransportBluetooth, domain.TransportNearby}, found[0].Transports)
	assert.True(t, found[0].IsOnline)
	assert.False(t, found[0].IsPaired)

	assert.Len(t, a.Registry.ListDiscovered(), 1)
}

func TestEngine_PairConnectAndSync(t *testing.T) {
	hubs := twoHubs()
	a := newDevice(t, "dev-a", hubs)
	b := newDevice(t, "dev-b", hubs)
	ctx := context.Background()

	require.Len(t, a.Discover(ctx, 300*time.Millisecond), 1)
	pairWithPIN(t, a, b)

	paired := a.Registry.ListPaired()
	require.Len(t, paired, 1)
	assert.Equal(t, "dev-b", paired[0].DeviceID)
	assert.Equal(t, 1, b.secrets.Len())

	conn, err := a.Connect(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, conn.State)
	require.Eventually(t, func() bool { return b.Connections.IsConnected("dev-a") }, 3*time.Second, 10*time.Millisecond)

	back, err := b.Connect(ctx, "dev-a")
	require.NoError(t, err)
	assert.True(t, back.State.IsUsable())

	for i := 0; i < 100; i++ {
		require.NoError(t, a.records.Put(ctx, domain.Record{
			Category: domain.CategoryInvoices, ID: fmt.Sprintf("inv-%03d", i),
			Data: json.RawMessage(fmt.Sprintf(`{"number":%d,"total":%d}`, i, i*7)), ModifiedAt: time.Now().Add(-time.Hour),
		}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, b.records.Put(ctx, domain.Record{
			Category: domain.CategoryInvoices, ID: fmt.Sprintf("inv-%03d", i),
			Data: json.RawMessage(fmt.Sprintf(`{"number":%d,"total":0,"voided":true}`, i)), ModifiedAt: time.Now().Add(-time.Minute),
		}))
	}

	sub := a.Bus.Subscribe(1024, events.KindProgressUpdated)
	defer a.Bus.Unsubscribe(sub)

	s, err := a.StartSync(ctx, []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got, err := a.Sessions.Wait(wctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.State, got.Error)
	assert.Len(t, got.UnresolvedConflicts(), 3)
	assert.Equal(t, domain.OutcomeCompletedWithConflicts, got.Outcome())
	assert.Equal(t, 100, b.records.Count(domain.CategoryInvoices))

	last := -1.0
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			require.GreaterOrEqual(t, ev.Progress.Percentage, last)
			last = ev.Progress.Percentage
		case <-time.After(300 * time.Millisecond):
			drained = true
		}
	}
	assert.Equal(t, float64(100), last)

	st, err := a.Stats.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, st.SessionsSucceeded)
	assert.Equal(t, 1, st.ByTransport[conn.Transport.String()])
}

func TestEngine_SyncRequiresPairing(t *testing.T) {
	hubs := twoHubs()
	a := newDevice(t, "dev-a", hubs)
	newDevice(t, "dev-b", hubs)
	ctx := context.Background()
	require.Len(t, a.Discover(ctx, 300*time.Millisecond), 1)

	_, err := a.StartSync(ctx, []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotPaired)
	_, active := a.Sessions.Active()
	assert.False(t, active)
}

func TestEngine_ForgetDropsTrustAndConnection(t *testing.T) {
	hubs := map[domain.TransportType]*memory.Hub{domain.TransportNearby: memory.NewHub()}
	a := newDevice(t, "dev-a", hubs)
	b := newDevice(t, "dev-b", hubs)
	ctx := context.Background()

	require.Len(t, a.Discover(ctx, 300*time.Millisecond), 1)
	pairWithPIN(t, a, b)
	_, err := a.Connect(ctx, "dev-b")
	require.NoError(t, err)

	require.NoError(t, a.Forget(ctx, "dev-b"))
	assert.False(t, a.Connections.IsConnected("dev-b"))
	assert.Empty(t, a.Registry.ListPaired())
	assert.Equal(t, 0, a.secrets.Len())

	_, _, err = a.Pairing.Trust(ctx, "dev-b")
	assert.ErrorIs(t, err, domain.ErrNotPaired)
}

func TestEngine_NewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
