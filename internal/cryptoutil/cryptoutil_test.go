package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_IsDeterministicAndPurposeBound(t *testing.T) {
	secret := []byte("shared-secret")

	a := Derive(secret, PurposeSigning, nil)
	b := Derive(secret, PurposeSigning, nil)
	c := Derive(secret, PurposeChunk, nil)

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSealOpen(t *testing.T) {
	key := Derive([]byte("k"), PurposeChunk, nil)

	sealed, err := Seal(key, []byte("invoice rows"), []byte("session-1"))
	require.NoError(t, err)

	plain, err := Open(key, sealed, []byte("session-1"))
	require.NoError(t, err)
	assert.Equal(t, "invoice rows", string(plain))

	_, err = Open(key, sealed, []byte("session-2"))
	assert.Error(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(key, sealed, []byte("session-1"))
	assert.Error(t, err)

	_, err = Open(key, []byte{1, 2}, nil)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}
