package pairing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/argon2"

	"bizsync-p2p/internal/cryptoutil"
)

const (
	roleInitiator = "initiator"
	roleResponder = "responder"
)

// KDFParams tunes the argon2id stretch of the PIN into the SPAKE2 password
// scalar.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

var DefaultPINKDF = KDFParams{Time: 1, Memory: 32 * 1024, Threads: 2}

// transcript length-prefixes every field so no two field lists collide.
func transcript(fields ...[]byte) []byte {
	var out []byte
	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		out = append(out, n[:]...)
		out = append(out, f...)
	}
	return out
}

type sessionKeys struct {
	secret  []byte
	confirm []byte
	th      []byte
}

func deriveKeys(ikm, tr []byte) sessionKeys {
	th := sha256.Sum256(tr)
	return sessionKeys{
		secret:  cryptoutil.Derive(ikm, cryptoutil.PurposeSecret, th[:]),
		confirm: cryptoutil.Derive(ikm, cryptoutil.PurposeConfirm, th[:]),
		th:      th[:],
	}
}

func (k sessionKeys) mac(role string) []byte {
	h := hmac.New(sha256.New, k.confirm)
	h.Write([]byte(role))
	h.Write(k.th)
	return h.Sum(nil)
}

func (k sessionKeys) check(role string, proof []byte) bool {
	return hmac.Equal(k.mac(role), proof)
}

// pinScalar stretches the PIN, salted with both identities, into w.
func pinScalar(pin, initiatorID, responderID string, p KDFParams) (*edwards25519.Scalar, []byte, error) {
	salt := sha256.Sum256(transcript([]byte("bizsync pin v1"), []byte(initiatorID), []byte(responderID)))
	wb := argon2.IDKey([]byte(pin), salt[:], p.Time, p.Memory, p.Threads, 64)
	w, err := edwards25519.NewScalar().SetUniformBytes(wb)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive pin scalar: %w", err)
	}
	return w, w.Bytes(), nil
}

// qrHelloMAC proves the scanner read the code: only the QR carries the nonce.
func qrHelloMAC(nonce []byte, pairingID, scannerID string, scannerPub []byte) []byte {
	h := hmac.New(sha256.New, cryptoutil.Derive(nonce, cryptoutil.PurposeQRHelloMAC, nil))
	h.Write(transcript([]byte(pairingID), []byte(scannerID), scannerPub))
	return h.Sum(nil)
}
