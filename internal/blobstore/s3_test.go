package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/config"
)

// fakeS3 implements the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	bucket string

	mu         sync.Mutex
	objects    map[string][]byte
	failStatus int
	failCode   string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3) fail(status int, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus, f.failCode = status, code
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failStatus != 0 {
		writeS3Error(w, f.failStatus, f.failCode)
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[key] = body
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>fake</RequestId></Error>`, code, code)
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3("vault-blobs")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(context.Background(), config.BlobConfig{
		Backend:         "s3",
		Provider:        "minio",
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "vault-blobs",
		AccessKey:       "test-access",
		SecretKey:       "test-secret",
		Prefix:          "vault",
		Timeout:         5 * time.Second,
		RetrievalURLTTL: 15 * time.Minute,
	}, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	require.NoError(t, err)
	return store, fake
}

func TestS3Store_UploadDownloadDelete(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()

	ref, err := store.Upload(ctx, Hint{OwnerID: "u1", ItemID: "item-1"}, []byte("sealed bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ref), "vault/u1/item-1/source-"))
	assert.Equal(t, 1, fake.count())

	got, err := store.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed bytes"), got)

	require.NoError(t, store.Delete(ctx, ref))
	require.NoError(t, store.Delete(ctx, ref), "deleting an absent blob succeeds")
	assert.Zero(t, fake.count())

	_, err = store.Download(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestS3Store_IssueRetrievalURL(t *testing.T) {
	store, _ := newTestS3Store(t)
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	ref := Ref("vault/u1/item-1/source-abc.bin")

	u, err := store.IssueRetrievalURL(ctx, ref, 0)
	require.NoError(t, err)
	parsed, err := url.Parse(u.URL)
	require.NoError(t, err)
	assert.Equal(t, "/vault-blobs/vault/u1/item-1/source-abc.bin", parsed.Path)
	assert.Equal(t, "900", parsed.Query().Get("X-Amz-Expires"))
	assert.Equal(t, fixed.Add(15*time.Minute), u.ExpiresAt)

	u, err = store.IssueRetrievalURL(ctx, ref, 6*time.Hour)
	require.NoError(t, err)
	parsed, err = url.Parse(u.URL)
	require.NoError(t, err)
	assert.Equal(t, "3600", parsed.Query().Get("X-Amz-Expires"))

	_, err = store.IssueRetrievalURL(ctx, "other/u1/x.bin", 0)
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestS3Store_ErrorClassification(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()

	fake.fail(http.StatusServiceUnavailable, "SlowDown")
	_, err := store.Upload(ctx, Hint{OwnerID: "u1", ItemID: "item-1"}, []byte("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.True(t, IsTransient(err))

	fake.fail(http.StatusForbidden, "AccessDenied")
	_, err = store.Download(ctx, "vault/u1/item-1/source-abc.bin")
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.False(t, IsTransient(err))

	err = store.Delete(ctx, "vault/u1/item-1/source-abc.bin")
	assert.ErrorIs(t, err, ErrDeleteFailed)

	assert.Error(t, store.HealthCheck(ctx))
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), config.BlobConfig{Provider: "aws"})
	assert.Error(t, err)
}
