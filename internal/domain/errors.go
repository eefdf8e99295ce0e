package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers. Every error returned by the vault
// service carries exactly one Kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindKeyService
	KindCrypto
	KindBlobStore
	KindAccessDenied
	KindNotFound
	KindDuplicateGrant
	KindLocked
	KindInvalidTransition
	KindRateLimited
	KindConflict
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindValidation:        "validation",
	KindKeyService:        "key_service",
	KindCrypto:            "crypto",
	KindBlobStore:         "blob_store",
	KindAccessDenied:      "access_denied",
	KindNotFound:          "not_found",
	KindDuplicateGrant:    "duplicate_grant",
	KindLocked:            "locked",
	KindInvalidTransition: "invalid_transition",
	KindRateLimited:       "rate_limited",
	KindConflict:          "conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure surfaced by vault operations.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "vault.SaveItem".
	Op string
	// Err is the underlying cause. It may be nil.
	Err error
	// Retryable marks transient failures (an unavailable key service, a
	// dropped blob store connection).
	Retryable bool
}

// Sentinels for errors.Is. A sentinel matches any *Error of the same Kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrKeyService        = &Error{Kind: KindKeyService}
	ErrCrypto            = &Error{Kind: KindCrypto}
	ErrBlobStore         = &Error{Kind: KindBlobStore}
	ErrAccessDenied      = &Error{Kind: KindAccessDenied}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrDuplicateGrant    = &Error{Kind: KindDuplicateGrant}
	ErrLocked            = &Error{Kind: KindLocked}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrConflict          = &Error{Kind: KindConflict}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// E builds an *Error. If err already carries a Kind, that Kind wins and only
// the operation name is refreshed. Retryability is always kept.
func E(kind Kind, op string, err error) error {
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Kind != KindUnknown {
			kind = existing.Kind
		}
		return &Error{Kind: kind, Op: op, Err: existing.Err, Retryable: existing.Retryable}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient builds a retryable *Error.
func Transient(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err, Retryable: true}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient failure that may succeed on
// a later attempt. Crypto and authorization failures never are.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable
}
