package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
)

func TestMemoryDevices(t *testing.T) {
	repos := NewMemory()
	ctx := context.Background()

	dev := &domain.DeviceInfo{DeviceID: "dev-a", Metadata: map[string]string{"k": "v"}}
	require.NoError(t, repos.Devices.Save(ctx, dev))
	dev.Metadata["k"] = "changed"

	got, err := repos.Devices.FindByID(ctx, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])

	require.NoError(t, repos.Devices.Delete(ctx, "dev-a"))
	_, err = repos.Devices.FindByID(ctx, "dev-a")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestMemoryTrust(t *testing.T) {
	repos := NewMemory()
	ctx := context.Background()

	_, err := repos.Trust.FindByDevice(ctx, "dev-b")
	assert.ErrorIs(t, err, domain.ErrNotPaired)

	require.NoError(t, repos.Trust.Save(ctx, &domain.TrustRecord{PairingID: "p1", DeviceID: "dev-b"}))
	require.NoError(t, repos.Trust.Save(ctx, &domain.TrustRecord{PairingID: "p2", DeviceID: "dev-b"}))

	all, err := repos.Trust.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p2", all[0].PairingID)
}

func TestMemoryStatsAndSyncState(t *testing.T) {
	repos := NewMemory()
	ctx := context.Background()

	stats, err := repos.Stats.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.Zero(t, stats.SessionsAttempted)
	stats.SessionsAttempted = 2
	stats.ByTransport["nearby"] = 2
	require.NoError(t, repos.Stats.Save(ctx, stats))

	again, err := repos.Stats.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, 2, again.SessionsAttempted)
	assert.Equal(t, 2, again.ByTransport["nearby"])

	state, err := repos.SyncState.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.True(t, state.LastSyncAt.IsZero())

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repos.SyncState.Save(ctx, &domain.SyncState{PeerDeviceID: "dev-b", LastSyncAt: at}))
	state, err = repos.SyncState.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, at, state.LastSyncAt)
}
