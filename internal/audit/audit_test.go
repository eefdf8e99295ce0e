package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/domain"
)

func TestLogger_RecordsOutcome(t *testing.T) {
	mock := &mockWriter{}
	l := NewLogger(10, mock)

	require.NoError(t, l.LogDecrypt("decrypt_item", "item-1", "u2", "AES-256-GCM", nil, 5*time.Millisecond, nil))
	denied := domain.Errorf(domain.KindAccessDenied, "vault.DecryptItem", "no active grant")
	require.NoError(t, l.LogDecrypt("decrypt_item", "item-1", "u3", "", denied, time.Millisecond, nil))
	require.NoError(t, l.LogGrant("share", "item-1", "u1", "u2", nil))
	require.NoError(t, l.LogLifecycle("delete", "item-1", "u1", nil))

	events := l.GetEvents()
	require.Len(t, events, 4)

	assert.Equal(t, EventTypeDecrypt, events[0].EventType)
	assert.True(t, events[0].Success)
	assert.Equal(t, "u2", events[0].ActorID)

	assert.False(t, events[1].Success)
	assert.Equal(t, "access_denied", events[1].ErrorKind)
	assert.Contains(t, events[1].Error, "no active grant")

	assert.Equal(t, EventTypeGrant, events[2].EventType)
	assert.Equal(t, "u2", events[2].GranteeID)
	assert.Equal(t, EventTypeLifecycle, events[3].EventType)
	assert.Equal(t, 4, mock.count())
}

func TestLogger_Redaction(t *testing.T) {
	mock := &mockWriter{}
	l := NewLoggerWithRedaction(10, mock, []string{"data_key"})

	meta := map[string]interface{}{"data_key": "c2VjcmV0", "source": true}
	require.NoError(t, l.LogDecrypt("decryption_metadata", "item-1", "u1", "AES-256-GCM", nil, 0, meta))

	ev := l.GetEvents()[0]
	assert.Equal(t, "[REDACTED]", ev.Metadata["data_key"])
	assert.Equal(t, true, ev.Metadata["source"])
	// The caller's map is untouched.
	assert.Equal(t, "c2VjcmV0", meta["data_key"])
}

func TestLogger_BufferBounded(t *testing.T) {
	l := NewLogger(3, &mockWriter{})
	for i := 0; i < 5; i++ {
		require.NoError(t, l.LogLifecycle("archive", "item", "u1", nil))
	}
	assert.Len(t, l.GetEvents(), 3)
}

func TestLogger_WriterFailureIsReported(t *testing.T) {
	l := NewLogger(10, &mockWriter{fails: 1})
	err := l.LogEncrypt("item-1", "u1", "AES-256-GCM", nil, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
	// Still buffered locally.
	assert.Len(t, l.GetEvents(), 1)

	assert.NoError(t, l.LogEncrypt("item-2", "u1", "AES-256-GCM", errors.New("kms down"), 0, nil))
	assert.False(t, l.GetEvents()[1].Success)
}
