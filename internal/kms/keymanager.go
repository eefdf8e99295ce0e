package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Key service failures. Only ErrUnavailable is worth retrying.
var (
	ErrUnavailable       = errors.New("kms: key service unavailable")
	ErrGenerationFailed  = errors.New("kms: data key generation failed")
	ErrAccessDenied      = errors.New("kms: access denied")
	ErrInvalidWrappedKey = errors.New("kms: invalid wrapped key")
)

// KeyManager abstracts external Key Management Systems (KMS) that produce and
// unwrap per-item data encryption keys (DEKs).
//
// Implementations must never expose master keys; all wrapping happens inside
// the key service (KMIP, AWS KMS).
type KeyManager interface {
	// Provider returns a short identifier (e.g. "kmip") recorded on every
	// wrapped key.
	Provider() string

	// GenerateDataKey returns a fresh 256-bit data key in plaintext together
	// with its wrapped form.
	GenerateDataKey(ctx context.Context) ([]byte, *WrappedKey, error)

	// UnwrapDataKey asks the key service to decrypt a previously wrapped key.
	UnwrapDataKey(ctx context.Context, wrapped *WrappedKey) ([]byte, error)

	// HealthCheck verifies that the KMS is accessible and operational.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// WrappedKey captures the information required to unwrap a DEK.
type WrappedKey struct {
	Provider   string `json:"provider"`
	KeyID      string `json:"key_id,omitempty"`
	KeyVersion int    `json:"key_version,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// Marshal encodes the envelope for storage on an item.
func (w *WrappedKey) Marshal() ([]byte, error) {
	if w == nil || len(w.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrGenerationFailed)
	}
	return json.Marshal(w)
}

// ParseWrappedKey decodes a stored envelope.
func ParseWrappedKey(b []byte) (*WrappedKey, error) {
	var w WrappedKey
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWrappedKey, err)
	}
	if w.Provider == "" || len(w.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: incomplete envelope", ErrInvalidWrappedKey)
	}
	return &w, nil
}
