package domain

import "time"

type ConnectionState string

const (
	ConnectionDisconnected   ConnectionState = "disconnected"
	ConnectionDiscovering    ConnectionState = "discovering"
	ConnectionConnecting     ConnectionState = "connecting"
	ConnectionAuthenticating ConnectionState = "authenticating"
	ConnectionConnected      ConnectionState = "connected"
	ConnectionSyncing        ConnectionState = "syncing"
	ConnectionError          ConnectionState = "error"
)

// IsUsable reports whether messages may flow over a connection in this state.
func (s ConnectionState) IsUsable() bool {
	return s == ConnectionConnected || s == ConnectionSyncing
}

type P2PConnection struct {
	ID             string            `json:"id"`
	RemoteDeviceID string            `json:"remote_device_id"`
	Transport      TransportType     `json:"transport"`
	State          ConnectionState   `json:"state"`
	Outbound       bool              `json:"outbound"`
	ConnectedAt    *time.Time        `json:"connected_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
