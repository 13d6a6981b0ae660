package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kivik/kivik/v4"

	"bizsync-p2p/internal/domain"
)

type statsRepository struct {
	client *kivik.Client
	dbName string
}

func NewStatsRepository(client *kivik.Client, dbName string) StatsRepository {
	return &statsRepository{
		client: client,
		dbName: dbName,
	}
}

// Get returns zeroed stats for a device that has never synced.
func (r *statsRepository) Get(ctx context.Context, deviceID string) (*domain.SyncStats, error) {
	db := r.client.DB(r.dbName)

	var stats domain.SyncStats
	found, err := getDoc(ctx, db, fmt.Sprintf("stats:%s", deviceID), &stats)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if !found {
		return &domain.SyncStats{
			DeviceID:    deviceID,
			ByTransport: make(map[string]int),
			ByCategory:  make(map[domain.Category]int),
			UpdatedAt:   time.Now(),
		}, nil
	}

	return &stats, nil
}

func (r *statsRepository) Save(ctx context.Context, stats *domain.SyncStats) error {
	db := r.client.DB(r.dbName)

	if err := putDoc(ctx, db, fmt.Sprintf("stats:%s", stats.DeviceID), "stats", stats); err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}

	return nil
}

type syncStateRepository struct {
	client *kivik.Client
	dbName string
}

func NewSyncStateRepository(client *kivik.Client, dbName string) SyncStateRepository {
	return &syncStateRepository{
		client: client,
		dbName: dbName,
	}
}

// Get returns a zero sync point for a peer never synced with, which makes the
// next run a full sync.
func (r *syncStateRepository) Get(ctx context.Context, peerDeviceID string) (*domain.SyncState, error) {
	db := r.client.DB(r.dbName)

	var state domain.SyncState
	found, err := getDoc(ctx, db, fmt.Sprintf("sync:%s", peerDeviceID), &state)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	if !found {
		return &domain.SyncState{PeerDeviceID: peerDeviceID}, nil
	}

	return &state, nil
}

func (r *syncStateRepository) Save(ctx context.Context, state *domain.SyncState) error {
	db := r.client.DB(r.dbName)

	if err := putDoc(ctx, db, fmt.Sprintf("sync:%s", state.PeerDeviceID), "sync_state", state); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	return nil
}
