// Package lockcheck answers whether an owner's vault is locked by an external
// workflow. While an owner is locked every mutating vault operation is
// refused; reads by already-active grantees are not affected.
package lockcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/config"
)

// Checker reports the lock state of an owner.
type Checker interface {
	IsLocked(ctx context.Context, ownerID string) (bool, error)
}

// Unlocked never reports a lock.
type Unlocked struct{}

func (Unlocked) IsLocked(context.Context, string) (bool, error) { return false, nil }

// Static holds a fixed, mutable set of locked owners.
type Static struct {
	mu     sync.RWMutex
	locked map[string]struct{}
}

func NewStatic(ids ...string) *Static {
	s := &Static{locked: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.locked[id] = struct{}{}
	}
	return s
}

func (s *Static) IsLocked(_ context.Context, ownerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.locked[ownerID]
	return ok, nil
}

// Lock marks ownerID as locked.
func (s *Static) Lock(ownerID string) {
	s.mu.Lock()
	s.locked[ownerID] = struct{}{}
	s.mu.Unlock()
}

// Unlock clears the lock for ownerID.
func (s *Static) Unlock(ownerID string) {
	s.mu.Lock()
	delete(s.locked, ownerID)
	s.mu.Unlock()
}

// replace swaps the whole set.
func (s *Static) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	s.mu.Lock()
	s.locked = next
	s.mu.Unlock()
}

// Len returns the number of locked owners.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locked)
}

// New builds the checker selected by cfg. The returned close function
// releases watchers and is safe to call when there is nothing to release.
func New(cfg config.LockConfig, logger *logrus.Logger) (Checker, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Mode {
	case "", "none":
		return Unlocked{}, noop, nil
	case "static":
		return NewStatic(cfg.Locked...), noop, nil
	case "http":
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return NewHTTPChecker(cfg.Endpoint, timeout), noop, nil
	case "file":
		fc, err := NewFileChecker(cfg.File, logger)
		if err != nil {
			return nil, nil, err
		}
		return fc, fc.Close, nil
	default:
		return nil, nil, fmt.Errorf("lockcheck: unsupported mode %q", cfg.Mode)
	}
}
