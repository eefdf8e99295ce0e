package crypto

import (
	"fmt"
	"io"
)

// Key holds plaintext data key material for the duration of one operation.
// Callers must Destroy it as soon as the operation completes.
type Key struct {
	b []byte
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() (*Key, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return &Key{b: b}, nil
}

// NewKey takes ownership of b, which must be exactly KeySize bytes. The
// caller must not retain or modify b afterwards.
func NewKey(b []byte) (*Key, error) {
	if len(b) != KeySize {
		Zeroize(b)
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(b), KeySize)
	}
	return &Key{b: b}, nil
}

// Bytes exposes the key material. The slice is invalid after Destroy.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.b
}

// Destroy zeroes the key material. It is safe to call more than once.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	Zeroize(k.b)
	k.b = nil
}

// Zeroize overwrites buf with zeros.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
