package blobstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampTTL(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		def  time.Duration
		want time.Duration
	}{
		{"zero uses default", 0, 15 * time.Minute, 15 * time.Minute},
		{"negative uses default", -time.Second, 15 * time.Minute, 15 * time.Minute},
		{"within policy", 5 * time.Minute, 15 * time.Minute, 5 * time.Minute},
		{"above policy clamps", 3 * time.Hour, 15 * time.Minute, time.Hour},
		{"default above policy clamps", 0, 2 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampTTL(tt.ttl, tt.def, MaxRetrievalTTL))
		})
	}
}

func TestLocator(t *testing.T) {
	a, err := Locator("vault", Hint{OwnerID: "u1", ItemID: "item-1"})
	require.NoError(t, err)
	b, err := Locator("/vault/", Hint{OwnerID: "u1", ItemID: "item-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "vault/u1/item-1/source-"), a)
	assert.True(t, strings.HasSuffix(a, ".bin"))
	assert.NotEqual(t, a, b, "locators for the same item must not collide")

	noPrefix, err := Locator("", Hint{OwnerID: "u1", ItemID: "item-1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(noPrefix, "u1/item-1/"))

	for _, hint := range []Hint{
		{OwnerID: "", ItemID: "i"},
		{OwnerID: "u1", ItemID: ""},
	} {
		_, err := Locator("vault", hint)
		assert.ErrorIs(t, err, ErrInvalidRef, "%+v", hint)
	}
}

func TestLocator_EscapesComponents(t *testing.T) {
	tests := []struct {
		name  string
		hint  Hint
		owner string
	}{
		{"dots inside id", Hint{OwnerID: "jane..doe", ItemID: "item-1"}, "jane%2E%2Edoe"},
		{"slash", Hint{OwnerID: "org/jane", ItemID: "item-1"}, "org%2Fjane"},
		{"backslash", Hint{OwnerID: `org\jane`, ItemID: "item-1"}, "org%5Cjane"},
		{"parent", Hint{OwnerID: "..", ItemID: "item-1"}, "%2E%2E"},
		{"traversal in item", Hint{OwnerID: "u1", ItemID: "../other"}, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Locator("vault", tt.hint)
			require.NoError(t, err)
			parts := strings.Split(key, "/")
			require.Len(t, parts, 4, key)
			assert.Equal(t, tt.owner, parts[1])
			assert.NotContains(t, key, "..")

			got, err := checkRef("vault", Ref(key))
			require.NoError(t, err)
			assert.Equal(t, key, got)
		})
	}
}

func TestMemoryStore_DottedOwnerRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("vault", time.Hour)

	for _, owner := range []string{"jane..doe", "org/jane"} {
		ref, err := store.Upload(ctx, Hint{OwnerID: owner, ItemID: "item-1"}, []byte("sealed"))
		require.NoError(t, err, owner)

		data, err := store.Download(ctx, ref)
		require.NoError(t, err, owner)
		assert.Equal(t, []byte("sealed"), data)

		_, err = store.IssueRetrievalURL(ctx, ref, time.Minute)
		require.NoError(t, err, owner)

		require.NoError(t, store.Delete(ctx, ref), owner)
		_, err = store.Download(ctx, ref)
		assert.ErrorIs(t, err, ErrNotFound, owner)
	}
	assert.Zero(t, store.Len())
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	store := NewMemoryStore("vault", 10*time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	ref, err := store.Upload(ctx, Hint{OwnerID: "u1", ItemID: "i1"}, []byte("ciphertext"))
	require.NoError(t, err)

	got, err := store.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got)

	u, err := store.IssueRetrievalURL(ctx, ref, 0)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(10*time.Minute), u.ExpiresAt)
	parsed, err := url.Parse(u.URL)
	require.NoError(t, err)
	assert.Equal(t, "memory", parsed.Scheme)
	assert.Contains(t, parsed.Path, string(ref))

	u, err = store.IssueRetrievalURL(ctx, ref, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(time.Hour), u.ExpiresAt)

	require.NoError(t, store.Delete(ctx, ref))
	require.NoError(t, store.Delete(ctx, ref), "delete must be idempotent")

	_, err = store.Download(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.IssueRetrievalURL(ctx, ref, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Failures(t *testing.T) {
	store := NewMemoryStore("vault", 0)
	ctx := context.Background()

	store.SetFailure(errors.New("disk on fire"))
	_, err := store.Upload(ctx, Hint{OwnerID: "u1", ItemID: "i1"}, []byte("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Error(t, store.HealthCheck(ctx))
	store.SetFailure(nil)

	_, err = store.Download(ctx, "elsewhere/u1/i1/source.bin")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = store.Download(ctx, "vault/../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidRef)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Upload(cancelled, Hint{OwnerID: "u1", ItemID: "i1"}, []byte("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.True(t, IsTransient(err))
	assert.Zero(t, store.Len())
}

func TestMemoryStore_DoesNotAliasCallerBuffers(t *testing.T) {
	store := NewMemoryStore("vault", 0)
	ctx := context.Background()
	data := []byte("abc")
	ref, err := store.Upload(ctx, Hint{OwnerID: "u1", ItemID: "i1"}, data)
	require.NoError(t, err)
	data[0] = 'z'

	got, err := store.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[1] = 'z'

	again, err := store.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}
