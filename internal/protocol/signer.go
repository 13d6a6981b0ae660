package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"bizsync-p2p/internal/cryptoutil"
	"bizsync-p2p/internal/domain"
)

// Signer signs and verifies envelopes with a key derived from a pairing's
// shared secret.
type Signer struct {
	key []byte
}

func NewSigner(sharedSecret []byte) *Signer {
	return &Signer{key: cryptoutil.Derive(sharedSecret, cryptoutil.PurposeSigning, nil)}
}

func (s *Signer) mac(m *Message) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(CanonicalBytes(m))
	return h.Sum(nil)
}

func (s *Signer) Sign(m *Message) {
	m.Signature = base64.StdEncoding.EncodeToString(s.mac(m))
}

func (s *Signer) Verify(m *Message) error {
	if m.Signature == "" {
		return domain.E(domain.KindProtocol, "verify", fmt.Errorf("%w: unsigned %s", domain.ErrSignatureInvalid, m.Type))
	}
	got, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return domain.E(domain.KindProtocol, "verify", fmt.Errorf("%w: bad encoding", domain.ErrSignatureInvalid))
	}
	if !hmac.Equal(got, s.mac(m)) {
		return domain.E(domain.KindProtocol, "verify", domain.ErrSignatureInvalid)
	}
	return nil
}

// Accept applies the receive-side policy: types that require a signature must
// verify, and any other message that carries one must verify too.
func (s *Signer) Accept(m *Message) error {
	if m.Type.RequiresSignature() || m.Signature != "" {
		return s.Verify(m)
	}
	return nil
}
