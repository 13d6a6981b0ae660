package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
)

func NewMemory() *Repositories {
	return &Repositories{
		Devices:   &memoryDevices{items: make(map[string]domain.DeviceInfo)},
		Trust:     &memoryTrust{items: make(map[string]domain.TrustRecord)},
		Stats:     &memoryStats{items: make(map[string]*domain.SyncStats)},
		SyncState: &memorySyncState{items: make(map[string]domain.SyncState)},
	}
}

type memoryDevices struct {
	mu    sync.RWMutex
	items map[string]domain.DeviceInfo
}

func (m *memoryDevices) Save(_ context.Context, device *domain.DeviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[device.DeviceID] = device.Clone()
	return nil
}

func (m *memoryDevices) FindByID(_ context.Context, deviceID string) (*domain.DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.items[deviceID]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	out := d.Clone()
	return &out, nil
}

func (m *memoryDevices) List(_ context.Context) ([]*domain.DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.DeviceInfo, 0, len(m.items))
	for _, d := range m.items {
		c := d.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memoryDevices) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, deviceID)
	return nil
}

type memoryTrust struct {
	mu    sync.RWMutex
	items map[string]domain.TrustRecord
}

func (m *memoryTrust) Save(_ context.Context, trust *domain.TrustRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[trust.DeviceID] = *trust
	return nil
}

func (m *memoryTrust) FindByDevice(_ context.Context, deviceID string) (*domain.TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.items[deviceID]
	if !ok {
		return nil, domain.ErrNotPaired
	}
	return &t, nil
}

func (m *memoryTrust) List(_ context.Context) ([]*domain.TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.TrustRecord, 0, len(m.items))
	for _, t := range m.items {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memoryTrust) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, deviceID)
	return nil
}

type memoryStats struct {
	mu    sync.Mutex
	items map[string]*domain.SyncStats
}

func (m *memoryStats) Get(_ context.Context, deviceID string) (*domain.SyncStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[deviceID]
	if !ok {
		return &domain.SyncStats{
			DeviceID:    deviceID,
			ByTransport: make(map[string]int),
			ByCategory:  make(map[domain.Category]int),
			UpdatedAt:   time.Now(),
		}, nil
	}
	return cloneStats(s), nil
}

func (m *memoryStats) Save(_ context.Context, stats *domain.SyncStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[stats.DeviceID] = cloneStats(stats)
	return nil
}

func cloneStats(s *domain.SyncStats) *domain.SyncStats {
	out := *s
	out.ByTransport = make(map[string]int, len(s.ByTransport))
	for k, v := range s.ByTransport {
		out.ByTransport[k] = v
	}
	out.ByCategory = make(map[domain.Category]int, len(s.ByCategory))
	for k, v := range s.ByCategory {
		out.ByCategory[k] = v
	}
	out.RecentErrors = append([]string(nil), s.RecentErrors...)
	return &out
}

type memorySyncState struct {
	mu    sync.Mutex
	items map[string]domain.SyncState
}

func (m *memorySyncState) Get(_ context.Context, peerDeviceID string) (*domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[peerDeviceID]
	if !ok {
		return &domain.SyncState{PeerDeviceID: peerDeviceID}, nil
	}
	return &s, nil
}

func (m *memorySyncState) Save(_ context.Context, state *domain.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[state.PeerDeviceID] = *state
	return nil
}
