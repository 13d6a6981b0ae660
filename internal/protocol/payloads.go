package protocol

import (
	"time"

	"bizsync-p2p/internal/domain"
)

// Pairing steps carried inside handshake messages before any trust exists.
const (
	PairStepHello   = "hello"
	PairStepReply   = "reply"
	PairStepConfirm = "confirm"
	PairStepDone    = "done"
	PairStepFail    = "fail"
)

type PairingPayload struct {
	Step      string               `json:"step"`
	PairingID string               `json:"pairingId,omitempty"`
	Method    domain.PairingMethod `json:"method"`
	Device    *domain.DeviceInfo   `json:"device,omitempty"`
	PublicKey []byte               `json:"publicKey,omitempty"`
	Proof     []byte               `json:"proof,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// HandshakePayload confirms an authenticated channel and exchanges device info.
type HandshakePayload struct {
	ProtocolVersion int               `json:"protocolVersion"`
	Device          domain.DeviceInfo `json:"device"`
}

type AuthRequestPayload struct {
	Device    domain.DeviceInfo `json:"device"`
	Challenge string            `json:"challenge"`
}

type AuthResponsePayload struct {
	Proof     string `json:"proof"`
	Challenge string `json:"challenge,omitempty"`
}

type SyncRequestPayload struct {
	SessionID    string                   `json:"sessionId"`
	Config       domain.SyncConfiguration `json:"configuration"`
	Participants []string                 `json:"participants"`
	Since        time.Time                `json:"since"`
	TotalItems   int                      `json:"totalItems"`
	TotalBytes   int64                    `json:"totalBytes"`
}

type SyncResponsePayload struct {
	SessionID  string    `json:"sessionId"`
	Accepted   bool      `json:"accepted"`
	Reason     string    `json:"reason,omitempty"`
	TotalItems int       `json:"totalItems"`
	TotalBytes int64     `json:"totalBytes"`
	Since      time.Time `json:"since"`
}

type DataChunkPayload struct {
	SessionID  string          `json:"sessionId"`
	Sequence   int             `json:"sequence"`
	Category   domain.Category `json:"category"`
	ItemCount  int             `json:"itemCount"`
	Data       []byte          `json:"data,omitempty"`
	Compressed bool            `json:"compressed"`
	Encrypted  bool            `json:"encrypted"`
	Final      bool            `json:"final"`
}

type AckPayload struct {
	SessionID string `json:"sessionId"`
	Sequence  int    `json:"sequence"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Conflicts int    `json:"conflicts"`
}

type ConflictNotificationPayload struct {
	SessionID string                `json:"sessionId"`
	Conflicts []domain.SyncConflict `json:"conflicts"`
}

type ProgressPayload struct {
	SessionID string              `json:"sessionId"`
	State     domain.SessionState `json:"state"`
	Progress  domain.SyncProgress `json:"progress"`
	Error     string              `json:"error,omitempty"`
}

// Error codes carried in error messages.
const (
	CodeCancelled      = "cancelled"
	CodeRejected       = "rejected"
	CodeProtocol       = "protocol"
	CodeSessionFailure = "session_failure"
	CodeUnauthorized   = "unauthorized"
)

type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type HeartbeatPayload struct {
	Sequence int64 `json:"sequence"`
}
