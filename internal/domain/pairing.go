package domain

import "time"

type PairingMethod string

const (
	PairingMethodQR        PairingMethod = "qr"
	PairingMethodPIN       PairingMethod = "pin"
	PairingMethodNFC       PairingMethod = "nfc"
	PairingMethodAutomatic PairingMethod = "automatic"
)

type PairingState string

const (
	PairingInitiated      PairingState = "initiated"
	PairingCodeGenerated  PairingState = "codeGenerated"
	PairingCodeScanned    PairingState = "codeScanned"
	PairingAuthenticating PairingState = "authenticating"
	PairingCompleted      PairingState = "completed"
	PairingFailed         PairingState = "failed"
	PairingExpired        PairingState = "expired"
)

func (s PairingState) IsTerminal() bool {
	return s == PairingCompleted || s == PairingFailed || s == PairingExpired
}

// pairingTransitions lists the forward moves; failed and expired are
// reachable from every non-terminal state and are not repeated here.
var pairingTransitions = map[PairingState][]PairingState{
	PairingInitiated:      {PairingCodeGenerated, PairingCodeScanned},
	PairingCodeGenerated:  {PairingCodeScanned},
	PairingCodeScanned:    {PairingAuthenticating},
	PairingAuthenticating: {PairingCompleted},
}

func (s PairingState) CanTransitionTo(next PairingState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == PairingFailed || next == PairingExpired {
		return true
	}
	for _, allowed := range pairingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type DevicePairing struct {
	ID             string        `json:"id"`
	LocalDeviceID  string        `json:"local_device_id"`
	RemoteDeviceID string        `json:"remote_device_id,omitempty"`
	Method         PairingMethod `json:"method"`
	State          PairingState  `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	QRPayload      string        `json:"qr_payload,omitempty"`
	PIN            string        `json:"pin,omitempty"`
	SharedSecret   []byte        `json:"-"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// TrustRecord is the durable, secret-free half of a completed pairing.
type TrustRecord struct {
	PairingID   string        `json:"pairing_id"`
	DeviceID    string        `json:"device_id"`
	Method      PairingMethod `json:"method"`
	CompletedAt time.Time     `json:"completed_at"`
}
