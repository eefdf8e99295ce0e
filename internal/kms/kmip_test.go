package kms

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipserver"
	"github.com/ovh/kmip-go/kmiptest"
	"github.com/ovh/kmip-go/payloads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/crypto"
)

func newTestKMIPManager(t *testing.T, handler *testKMIPWrapHandler, keys ...KMIPKeyReference) *KMIPManager {
	t.Helper()
	exec := kmipserver.NewBatchExecutor()
	exec.Route(kmip.OperationEncrypt, kmipserver.HandleFunc(handler.encrypt))
	exec.Route(kmip.OperationDecrypt, kmipserver.HandleFunc(handler.decrypt))

	addr, ca := kmiptest.NewServer(t, exec)
	if len(keys) == 0 {
		keys = []KMIPKeyReference{{ID: "wrapping-key-1", Version: 1}}
	}
	mgr, err := NewKMIPManager(KMIPOptions{
		Endpoint:  addr,
		Keys:      keys,
		TLSConfig: mustTLSConfigFromPEM(t, ca),
		Timeout:   time.Second,
		Provider:  "test-kmip",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mgr.Close(context.Background())
	})
	return mgr
}

func TestKMIPManager_GenerateUnwrap(t *testing.T) {
	handler := &testKMIPWrapHandler{}
	mgr := newTestKMIPManager(t, handler)
	ctx := context.Background()

	plaintext, wrapped, err := mgr.GenerateDataKey(ctx)
	require.NoError(t, err)
	require.Len(t, plaintext, crypto.KeySize)
	require.NotNil(t, wrapped)
	assert.Equal(t, "test-kmip", wrapped.Provider)
	assert.Equal(t, "wrapping-key-1", wrapped.KeyID)
	assert.Equal(t, 1, wrapped.KeyVersion)
	assert.NotEqual(t, plaintext, wrapped.Ciphertext)

	unwrapped, err := mgr.UnwrapDataKey(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, plaintext, unwrapped)

	// Fall back to version lookup when the envelope lost its key id.
	wrapped.KeyID = ""
	unwrapped, err = mgr.UnwrapDataKey(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, plaintext, unwrapped)

	require.NoError(t, mgr.HealthCheck(ctx))
}

func TestKMIPManager_NewestVersionWrapsOlderStillUnwraps(t *testing.T) {
	handler := &testKMIPWrapHandler{}
	mgr := newTestKMIPManager(t, handler,
		KMIPKeyReference{ID: "wrap-v1", Version: 1},
		KMIPKeyReference{ID: "wrap-v2", Version: 2},
	)
	ctx := context.Background()

	assert.Equal(t, 2, mgr.ActiveKeyVersion())
	_, wrapped, err := mgr.GenerateDataKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wrap-v2", wrapped.KeyID)

	old := &WrappedKey{Provider: "test-kmip", KeyID: "wrap-v1", KeyVersion: 1, Ciphertext: xorBytes(make([]byte, 32))}
	got, err := mgr.UnwrapDataKey(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), got)
	assert.Equal(t, "wrap-v1", handler.lastDecrypted())
}

func TestKMIPManager_RejectsForeignEnvelopes(t *testing.T) {
	mgr := newTestKMIPManager(t, &testKMIPWrapHandler{})
	ctx := context.Background()

	_, err := mgr.UnwrapDataKey(ctx, &WrappedKey{Provider: "aws-kms", Ciphertext: []byte{1}})
	assert.ErrorIs(t, err, ErrInvalidWrappedKey)

	_, err = mgr.UnwrapDataKey(ctx, &WrappedKey{Provider: "test-kmip", KeyID: "someone-elses-key", Ciphertext: []byte{1}})
	assert.ErrorIs(t, err, ErrInvalidWrappedKey)

	_, err = mgr.UnwrapDataKey(ctx, &WrappedKey{Provider: "test-kmip", KeyVersion: 9, Ciphertext: []byte{1}})
	assert.ErrorIs(t, err, ErrInvalidWrappedKey)

	_, err = mgr.UnwrapDataKey(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidWrappedKey)
}

func TestKMIPManager_ServerErrors(t *testing.T) {
	handler := &testKMIPWrapHandler{fail: errors.New("permission denied")}
	mgr := newTestKMIPManager(t, handler)
	ctx := context.Background()

	_, _, err := mgr.GenerateDataKey(ctx)
	assert.ErrorIs(t, err, ErrGenerationFailed)

	_, err = mgr.UnwrapDataKey(ctx, &WrappedKey{Provider: "test-kmip", KeyID: "wrapping-key-1", Ciphertext: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidWrappedKey)

	assert.ErrorIs(t, mgr.HealthCheck(ctx), ErrUnavailable)
}

func TestNewKMIPManager_Validation(t *testing.T) {
	_, err := NewKMIPManager(KMIPOptions{Keys: []KMIPKeyReference{{ID: "k", Version: 1}}})
	assert.Error(t, err)

	_, err = NewKMIPManager(KMIPOptions{Endpoint: "localhost:5696"})
	assert.Error(t, err)

	_, err = NewKMIPManager(KMIPOptions{
		Endpoint: "localhost:5696",
		Keys:     []KMIPKeyReference{{ID: "a", Version: 1}, {ID: "b", Version: 1}},
	})
	assert.ErrorContains(t, err, "duplicate")
}

type testKMIPWrapHandler struct {
	fail error

	mu            sync.Mutex
	lastDecryptID string
}

func (h *testKMIPWrapHandler) lastDecrypted() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastDecryptID
}

func (h *testKMIPWrapHandler) encrypt(_ context.Context, req *payloads.EncryptRequestPayload) (*payloads.EncryptResponsePayload, error) {
	if h.fail != nil {
		return nil, h.fail
	}
	return &payloads.EncryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func (h *testKMIPWrapHandler) decrypt(_ context.Context, req *payloads.DecryptRequestPayload) (*payloads.DecryptResponsePayload, error) {
	if h.fail != nil {
		return nil, h.fail
	}
	h.mu.Lock()
	h.lastDecryptID = req.UniqueIdentifier
	h.mu.Unlock()
	return &payloads.DecryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5c
	}
	return out
}

func mustTLSConfigFromPEM(t *testing.T, pem string) *tls.Config {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(pem)))
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}
}
