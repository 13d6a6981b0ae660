package pairing

import (
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"

	"bizsync-p2p/internal/cryptoutil"
)

// SPAKE2 over edwards25519. The party that enters the PIN masks its share
// with M, the party that displays it with N. Neither mask has a known
// discrete log: both come from hashing a fixed label onto the curve.
var (
	pointM = hashToPoint("bizsync spake2 M")
	pointN = hashToPoint("bizsync spake2 N")
)

var errLowOrder = errors.New("peer share has low order")

func hashToPoint(label string) *edwards25519.Point {
	for i := 0; i < 256; i++ {
		h := sha512.Sum512(append([]byte(label), byte(i)))
		p, err := new(edwards25519.Point).SetBytes(h[:32])
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
			continue
		}
		return p
	}
	panic("spake2: no curve point for " + label)
}

func randomScalar() (*edwards25519.Scalar, error) {
	b, err := cryptoutil.RandomBytes(64)
	if err != nil {
		return nil, err
	}
	return edwards25519.NewScalar().SetUniformBytes(b)
}

type spake struct {
	w      *edwards25519.Scalar
	x      *edwards25519.Scalar
	other  *edwards25519.Point
	public *edwards25519.Point
}

// newSPAKE prepares one side. own is this side's mask, other the peer's.
func newSPAKE(w *edwards25519.Scalar, own, other *edwards25519.Point) (*spake, error) {
	x, err := randomScalar()
	if err != nil {
		return nil, err
	}
	mask := new(edwards25519.Point).ScalarMult(w, own)
	public := new(edwards25519.Point).ScalarBaseMult(x)
	public.Add(public, mask)
	return &spake{w: w, x: x, other: other, public: public}, nil
}

func (s *spake) Public() []byte {
	return s.public.Bytes()
}

// Shared unmasks the peer share and returns the cofactor-cleared key point.
func (s *spake) Shared(peer []byte) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(peer)
	if err != nil {
		return nil, err
	}
	mask := new(edwards25519.Point).ScalarMult(s.w, s.other)
	p.Subtract(p, mask)
	p.MultByCofactor(p)

	k := new(edwards25519.Point).ScalarMult(s.x, p)
	if k.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, errLowOrder
	}
	return k.Bytes(), nil
}
