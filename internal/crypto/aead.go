package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the data key length in bytes (256 bits).
	KeySize = 32
	// NonceSize is the AEAD nonce length in bytes (96 bits).
	NonceSize = 12
	// TagSize is the authentication tag appended to every ciphertext.
	TagSize = 16
)

// Algorithm identifies an AEAD construction. Both supported algorithms take a
// 256-bit key and a 96-bit nonce.
type Algorithm string

const (
	AlgorithmAES256GCM        Algorithm = "AES-256-GCM"
	AlgorithmChaCha20Poly1305 Algorithm = "ChaCha20-Poly1305"
)

var (
	ErrInvalidKeySize       = errors.New("crypto: invalid key size")
	ErrInvalidNonceSize     = errors.New("crypto: invalid nonce size")
	ErrAuthenticationFailed = errors.New("crypto: message authentication failed")
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")
	ErrRandomSource         = errors.New("crypto: random source failure")
)

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// ParseAlgorithm maps a configured name to an Algorithm. Matching is case-insensitive.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case strings.ToLower(string(AlgorithmAES256GCM)), "aes-gcm", "aes256gcm":
		return AlgorithmAES256GCM, nil
	case strings.ToLower(string(AlgorithmChaCha20Poly1305)), "chacha20":
		return AlgorithmChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// GenerateNonce returns a fresh random 96-bit nonce. Each call reads
// independently from the system CSPRNG; nonces are never derived or counted.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return nonce, nil
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	switch alg {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Seal encrypts plaintext under key and nonce, authenticating aad as well.
// The result is ciphertext with the tag appended.
func Seal(alg Algorithm, key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidNonceSize, len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext. Any tag mismatch, including
// truncated input, a wrong key or a wrong nonce, yields ErrAuthenticationFailed
// and no plaintext.
func Open(alg Algorithm, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidNonceSize, len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// AssociatedData binds a ciphertext to the item that owns it and the slot it
// occupies within that item.
func AssociatedData(itemID, purpose string) []byte {
	return []byte("document-vault/v1|" + itemID + "|" + purpose)
}
