package domain

import "time"

const MaxRecentErrors = 20

type SyncStats struct {
	DeviceID          string           `json:"device_id"`
	SessionsAttempted int              `json:"sessions_attempted"`
	SessionsSucceeded int              `json:"sessions_succeeded"`
	SessionsFailed    int              `json:"sessions_failed"`
	ItemsSynced       int64            `json:"items_synced"`
	BytesTransferred  int64            `json:"bytes_transferred"`
	AverageDuration   time.Duration    `json:"average_duration"`
	ByTransport       map[string]int   `json:"by_transport"`
	ByCategory        map[Category]int `json:"by_category"`
	RecentErrors      []string         `json:"recent_errors"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// SyncState is the last common sync point with one peer.
type SyncState struct {
	PeerDeviceID string    `json:"peer_device_id"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	SessionID    string    `json:"session_id"`
}
