package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var algorithms = []Algorithm{AlgorithmAES256GCM, AlgorithmChaCha20Poly1305}

func TestSealOpen_RoundTrip(t *testing.T) {
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			key, err := GenerateKey()
			require.NoError(t, err)
			defer key.Destroy()

			nonce, err := GenerateNonce()
			require.NoError(t, err)
			aad := AssociatedData("item-1", "form")

			for _, plaintext := range [][]byte{
				[]byte(`{"first_name":"Ada"}`),
				{},
				bytes.Repeat([]byte{0xAB}, 1<<20),
			} {
				ciphertext, err := Seal(alg, key.Bytes(), nonce, plaintext, aad)
				require.NoError(t, err)
				assert.Len(t, ciphertext, len(plaintext)+TagSize)

				got, err := Open(alg, key.Bytes(), nonce, ciphertext, aad)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(plaintext, got))
			}
		})
	}
}

func TestOpen_RejectsTampering(t *testing.T) {
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			key, err := GenerateKey()
			require.NoError(t, err)
			nonce, err := GenerateNonce()
			require.NoError(t, err)
			aad := AssociatedData("item-1", "form")

			ciphertext, err := Seal(alg, key.Bytes(), nonce, []byte("secret payload"), aad)
			require.NoError(t, err)

			// Every single-bit flip must be detected.
			for i := range ciphertext {
				tampered := bytes.Clone(ciphertext)
				tampered[i] ^= 0x01
				_, err := Open(alg, key.Bytes(), nonce, tampered, aad)
				require.ErrorIs(t, err, ErrAuthenticationFailed, "flip at byte %d", i)
			}

			_, err = Open(alg, key.Bytes(), nonce, ciphertext[:len(ciphertext)-1], aad)
			assert.ErrorIs(t, err, ErrAuthenticationFailed, "truncated")

			_, err = Open(alg, key.Bytes(), nonce, ciphertext[:TagSize-1], aad)
			assert.ErrorIs(t, err, ErrAuthenticationFailed, "shorter than tag")

			_, err = Open(alg, key.Bytes(), nonce, ciphertext, AssociatedData("item-2", "form"))
			assert.ErrorIs(t, err, ErrAuthenticationFailed, "wrong item binding")

			other, err := GenerateKey()
			require.NoError(t, err)
			_, err = Open(alg, other.Bytes(), nonce, ciphertext, aad)
			assert.ErrorIs(t, err, ErrAuthenticationFailed, "wrong key")

			otherNonce, err := GenerateNonce()
			require.NoError(t, err)
			_, err = Open(alg, key.Bytes(), otherNonce, ciphertext, aad)
			assert.ErrorIs(t, err, ErrAuthenticationFailed, "wrong nonce")
		})
	}
}

func TestSeal_ValidatesSizes(t *testing.T) {
	nonce := make([]byte, NonceSize)

	_, err := Seal(AlgorithmAES256GCM, make([]byte, 16), nonce, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = Seal(AlgorithmChaCha20Poly1305, make([]byte, 31), nonce, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = Seal(AlgorithmAES256GCM, make([]byte, KeySize), make([]byte, 8), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidNonceSize)

	_, err = Open(AlgorithmAES256GCM, make([]byte, KeySize), make([]byte, 16), make([]byte, 32), nil)
	assert.ErrorIs(t, err, ErrInvalidNonceSize)

	_, err = Seal(Algorithm("XTEA"), make([]byte, KeySize), nonce, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestGenerateNonce_Unique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		nonce, err := GenerateNonce()
		require.NoError(t, err)
		require.Len(t, nonce, NonceSize)
		_, dup := seen[string(nonce)]
		require.False(t, dup, "duplicate nonce after %d draws", i)
		seen[string(nonce)] = struct{}{}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestRandomSourceFailure(t *testing.T) {
	orig := randReader
	randReader = failingReader{}
	t.Cleanup(func() { randReader = orig })

	_, err := GenerateNonce()
	assert.ErrorIs(t, err, ErrRandomSource)

	_, err = GenerateKey()
	assert.ErrorIs(t, err, ErrRandomSource)
}

func TestKey_Destroy(t *testing.T) {
	raw := bytes.Repeat([]byte{0x7F}, KeySize)
	key, err := NewKey(raw)
	require.NoError(t, err)

	key.Destroy()
	assert.Nil(t, key.Bytes())
	assert.Equal(t, make([]byte, KeySize), raw, "backing array must be zeroed")

	// Second destroy and nil receiver are no-ops.
	key.Destroy()
	var nilKey *Key
	nilKey.Destroy()
	assert.Nil(t, nilKey.Bytes())
}

func TestNewKey_RejectsWrongSize(t *testing.T) {
	raw := []byte{1, 2, 3}
	_, err := NewKey(raw)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
	assert.Equal(t, []byte{0, 0, 0}, raw)
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("aes-256-gcm")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmAES256GCM, alg)

	alg, err = ParseAlgorithm("ChaCha20-Poly1305")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmChaCha20Poly1305, alg)

	_, err = ParseAlgorithm("aes-128-cbc")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
