package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, 60*time.Second, cfg.Engine.DiscoveryTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Engine.PairingTTL)
	assert.Equal(t, 50, cfg.Engine.ChunkSize)
	assert.Equal(t, 15*time.Minute, cfg.JWT.Expiration)
	assert.Equal(t, filepath.Join(dir, "secrets.db"), cfg.Storage.SecretDBPath)
	assert.NotEmpty(t, cfg.Device.ID)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9191")
	t.Setenv("DEVICE_ID", "till-7")
	t.Setenv("DEVICE_TYPE", "tablet")
	t.Setenv("HEARTBEAT_INTERVAL", "750ms")
	t.Setenv("CHUNK_SIZE", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, "till-7", cfg.Device.ID)
	assert.Equal(t, domain.DeviceTypeTablet, cfg.Device.Type)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.HeartbeatInterval)
	assert.Equal(t, 10, cfg.Engine.ChunkSize)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown device type", map[string]string{"DEVICE_TYPE": "toaster"}},
		{"unknown backend", map[string]string{"DB_BACKEND": "mongo"}},
		{"zero chunk size", map[string]string{"CHUNK_SIZE": "0"}},
		{"default secret in production", map[string]string{"ENV": EnvProduction, "SECRET_PASSPHRASE": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATA_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDeviceID_StableAcrossRestarts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := DeviceID(dir)
	require.NoError(t, err)
	second, err := DeviceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), first)
}

func TestLoadSyncProfile(t *testing.T) {
	cfg, err := LoadSyncProfile("")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSyncConfiguration(), cfg)

	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
syncInvoices: true
syncCustomers: false
syncProducts: false
syncPayments: false
syncReports: true
maxBandwidthKbps: 256
conflictPolicy: merge
excludedTables: [reports]
syncFromDate: 2024-01-01T00:00:00Z
`), 0o600))

	cfg, err = LoadSyncProfile(path)
	require.NoError(t, err)
	assert.Equal(t, []domain.Category{domain.CategoryInvoices}, cfg.Categories())
	assert.Equal(t, 256, cfg.MaxBandwidthKbps)
	assert.Equal(t, domain.ResolutionMerge, cfg.ConflictPolicy)
	require.NotNil(t, cfg.SyncFromDate)
	assert.Equal(t, 2024, cfg.SyncFromDate.Year())
	assert.True(t, cfg.CompressData, "unset fields keep their defaults")

	require.NoError(t, os.WriteFile(path, []byte("syncInvoices: false\nsyncCustomers: false\nsyncProducts: false\nsyncPayments: false\n"), 0o600))
	_, err = LoadSyncProfile(path)
	assert.Error(t, err)
}
