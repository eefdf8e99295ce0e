package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MemoryStore keeps blobs in process memory. It is meant for local
// development and tests; retrieval URLs use a memory:// scheme.
type MemoryStore struct {
	mu         sync.RWMutex
	blobs      map[string][]byte
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time

	// fail, when set, is returned by every operation.
	fail error
}

func NewMemoryStore(prefix string, defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		blobs:      make(map[string][]byte),
		prefix:     prefix,
		defaultTTL: ClampTTL(defaultTTL, MaxRetrievalTTL, MaxRetrievalTTL),
		now:        time.Now,
	}
}

// SetFailure makes every operation fail with err until cleared with nil.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Corrupt flips one bit of a stored blob.
func (m *MemoryStore) Corrupt(ref Ref, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[string(ref)]; ok && index < len(b) {
		b[index] ^= 0x01
	}
}

func (m *MemoryStore) Upload(ctx context.Context, hint Hint, data []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, transientError{err})
	}
	key, err := Locator(m.prefix, hint)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, m.fail)
	}
	m.blobs[key] = bytes.Clone(data)
	return Ref(key), nil
}

func (m *MemoryStore) Download(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, transientError{err})
	}
	key, err := checkRef(m.prefix, ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, m.fail)
	}
	b, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return bytes.Clone(b), nil
}

func (m *MemoryStore) IssueRetrievalURL(_ context.Context, ref Ref, ttl time.Duration) (RetrievalURL, error) {
	key, err := checkRef(m.prefix, ref)
	if err != nil {
		return RetrievalURL{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return RetrievalURL{}, fmt.Errorf("%w: %v", ErrURLFailed, m.fail)
	}
	if _, ok := m.blobs[key]; !ok {
		return RetrievalURL{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	expires := m.now().Add(ClampTTL(ttl, m.defaultTTL, MaxRetrievalTTL))
	u := url.URL{
		Scheme:   "memory",
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {strconv.FormatInt(expires.Unix(), 10)}}.Encode(),
	}
	return RetrievalURL{URL: u.String(), ExpiresAt: expires}, nil
}

func (m *MemoryStore) Delete(_ context.Context, ref Ref) error {
	key, err := checkRef(m.prefix, ref)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, m.fail)
	}
	delete(m.blobs, key)
	return nil
}

func (m *MemoryStore) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}
