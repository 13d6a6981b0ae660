package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"bizsync-p2p/internal/domain"
)

const (
	qrPrefix   = "BZS1."
	qrKeySize  = 32
	qrNonceLen = 16
	pinDigits  = 6
)

// QRPayload is what the code owner shows and the scanner reads. The compact
// json keys keep the barcode small.
type QRPayload struct {
	Version    int                    `json:"v"`
	PairingID  string                 `json:"p"`
	DeviceID   string                 `json:"d"`
	Name       string                 `json:"n,omitempty"`
	PublicKey  []byte                 `json:"k"`
	Nonce      []byte                 `json:"c"`
	Transports []domain.TransportType `json:"t,omitempty"`
	Metadata   map[string]string      `json:"m,omitempty"`
}

// Encode renders the payload as base64url text, which every 2D barcode
// symbology can carry in byte or alphanumeric mode.
func (q QRPayload) Encode() (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return qrPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeQR(s string) (QRPayload, error) {
	var q QRPayload
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, qrPrefix) {
		return q, domain.Errorf(domain.KindAuthentication, "DecodeQR", "not a pairing code")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, qrPrefix))
	if err != nil {
		return q, domain.Errorf(domain.KindAuthentication, "DecodeQR", "malformed pairing code")
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return q, domain.Errorf(domain.KindAuthentication, "DecodeQR", "malformed pairing code")
	}
	switch {
	case q.Version != 1:
		return q, domain.Errorf(domain.KindAuthentication, "DecodeQR", "unsupported pairing code version %d", q.Version)
	case q.PairingID == "" || q.DeviceID == "":
		return q, domain.Errorf(domain.KindAuthentication, "DecodeQR", "pairing code missing identity")
	case len(q.PublicKey) != qrKeySize || len(q.Nonce) != qrNonceLen:
		return q, domain.Errorf(domain.KindAuthentication, "DecodeQR", "pairing code key material malformed")
	}
	return q, nil
}

func (q QRPayload) device() domain.DeviceInfo {
	return domain.DeviceInfo{
		DeviceID:   q.DeviceID,
		Name:       q.Name,
		Transports: q.Transports,
		Metadata:   q.Metadata,
	}
}

func randomPIN() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < pinDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}

func validPIN(pin string) bool {
	if len(pin) != pinDigits {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
