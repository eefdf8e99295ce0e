// Package blobstore persists opaque ciphertext blobs and issues time-bounded
// retrieval URLs for them.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("blobstore: blob not found")
	ErrUploadFailed   = errors.New("blobstore: upload failed")
	ErrDownloadFailed = errors.New("blobstore: download failed")
	ErrDeleteFailed   = errors.New("blobstore: delete failed")
	ErrURLFailed      = errors.New("blobstore: retrieval url failed")
	ErrInvalidRef     = errors.New("blobstore: invalid blob reference")
)

// Ref is an opaque locator returned by Upload.
type Ref string

// Hint names the item a blob belongs to. It becomes part of the locator.
type Hint struct {
	OwnerID string
	ItemID  string
}

// RetrievalURL is a pre-authorized GET for one blob. It stops working at
// ExpiresAt and cannot be extended.
type RetrievalURL struct {
	URL       string
	ExpiresAt time.Time
}

// Store is the blob persistence contract used by the vault.
type Store interface {
	Upload(ctx context.Context, hint Hint, data []byte) (Ref, error)
	Download(ctx context.Context, ref Ref) ([]byte, error)
	IssueRetrievalURL(ctx context.Context, ref Ref, ttl time.Duration) (RetrievalURL, error)
	// Delete removes the blob. Deleting an absent blob succeeds.
	Delete(ctx context.Context, ref Ref) error
	HealthCheck(ctx context.Context) error
}

// MaxRetrievalTTL is the policy ceiling for retrieval URLs.
const MaxRetrievalTTL = time.Hour

// ClampTTL applies the retrieval URL policy: non-positive means the default,
// anything above the maximum is cut to the maximum.
func ClampTTL(ttl, def, max time.Duration) time.Duration {
	if max <= 0 || max > MaxRetrievalTTL {
		max = MaxRetrievalTTL
	}
	if def <= 0 || def > max {
		def = max
	}
	switch {
	case ttl <= 0:
		return def
	case ttl > max:
		return max
	default:
		return ttl
	}
}

// Locator builds the object key for a new blob. Owner and item ids are
// escaped into single path segments, so any id the caller accepts yields a
// key that checkRef accepts. The random suffix keeps two uploads for the
// same item from colliding.
func Locator(prefix string, hint Hint) (string, error) {
	if hint.OwnerID == "" || hint.ItemID == "" {
		return "", fmt.Errorf("%w: owner and item ids are required", ErrInvalidRef)
	}
	key := fmt.Sprintf("%s/%s/source-%s.bin", segment(hint.OwnerID), segment(hint.ItemID), uuid.NewString())
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key, nil
}

// segment escapes s so it contains no separators and no dots.
func segment(s string) string {
	s = url.PathEscape(s)
	return strings.ReplaceAll(s, ".", "%2E")
}

func checkRef(prefix string, ref Ref) (string, error) {
	key := string(ref)
	if key == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidRef, key)
		}
	}
	if prefix = strings.Trim(prefix, "/"); prefix != "" && !strings.HasPrefix(key, prefix+"/") {
		return "", fmt.Errorf("%w: %q is outside %q", ErrInvalidRef, key, prefix)
	}
	return key, nil
}

// transientError marks failures worth retrying.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// IsTransient reports whether err came from a network-level or throttling
// failure rather than a permanent rejection.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}
