// Package kmstest provides an in-process key manager for tests.
package kmstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/kms"
)

const ProviderName = "fake"

// KeyManager wraps data keys with a random in-memory master key. Faults can
// be injected per operation.
type KeyManager struct {
	master []byte

	mu          sync.Mutex
	generateErr error
	unwrapErr   error
	delay       time.Duration
	generated   int
	unwrapped   int
}

var _ kms.KeyManager = (*KeyManager)(nil)

func New() *KeyManager {
	master, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &KeyManager{master: master.Bytes()}
}

// FailGenerate makes subsequent GenerateDataKey calls return err. Pass nil to clear.
func (f *KeyManager) FailGenerate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateErr = err
}

// FailUnwrap makes subsequent UnwrapDataKey calls return err. Pass nil to clear.
func (f *KeyManager) FailUnwrap(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwrapErr = err
}

// SetDelay makes every call block for d or until its context ends.
func (f *KeyManager) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Counts returns how many keys were generated and unwrapped.
func (f *KeyManager) Counts() (generated, unwrapped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generated, f.unwrapped
}

func (f *KeyManager) Provider() string { return ProviderName }

func (f *KeyManager) GenerateDataKey(ctx context.Context) ([]byte, *kms.WrappedKey, error) {
	if err := f.wait(ctx); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	failErr := f.generateErr
	f.mu.Unlock()
	if failErr != nil {
		return nil, nil, failErr
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, nil, err
	}
	ct, err := crypto.Seal(crypto.AlgorithmAES256GCM, f.master, nonce, key.Bytes(), []byte(ProviderName))
	if err != nil {
		return nil, nil, err
	}

	f.mu.Lock()
	f.generated++
	f.mu.Unlock()
	return key.Bytes(), &kms.WrappedKey{
		Provider:   ProviderName,
		KeyID:      "fake-master",
		KeyVersion: 1,
		Ciphertext: append(nonce, ct...),
	}, nil
}

func (f *KeyManager) UnwrapDataKey(ctx context.Context, wrapped *kms.WrappedKey) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	failErr := f.unwrapErr
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	if len(wrapped.Ciphertext) < crypto.NonceSize {
		return nil, fmt.Errorf("%w: short ciphertext", kms.ErrInvalidWrappedKey)
	}
	nonce := wrapped.Ciphertext[:crypto.NonceSize]
	plaintext, err := crypto.Open(crypto.AlgorithmAES256GCM, f.master, nonce, wrapped.Ciphertext[crypto.NonceSize:], []byte(ProviderName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kms.ErrInvalidWrappedKey, err)
	}

	f.mu.Lock()
	f.unwrapped++
	f.mu.Unlock()
	return plaintext, nil
}

func (f *KeyManager) HealthCheck(ctx context.Context) error { return f.wait(ctx) }

func (f *KeyManager) Close(context.Context) error { return nil }

func (f *KeyManager) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", kms.ErrUnavailable, ctx.Err())
	}
}

