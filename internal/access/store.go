// Package access owns the per-item, per-grantee access grant lifecycle.
package access

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/domain"
)

// DefaultMaxLivePerItem bounds pending plus active grants on one item.
const DefaultMaxLivePerItem = 50

// Observer receives one call per attempted grant transition.
type Observer interface {
	ObserveGrantTransition(transition string, err error)
}

// Options configures a Store.
type Options struct {
	MaxLivePerItem int
	// MaxAttempts bounds compare-and-swap retries per transition.
	MaxAttempts int
	Observer    Observer
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Store is the only writer of grant state. Every transition is validated
// against the state read in the same compare-and-swap attempt, so a stale
// caller can never apply a transition that is invalid for the current state.
type Store struct {
	repo        GrantRepository
	maxLive     int
	maxAttempts int
	observer    Observer
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewStore(repo GrantRepository, opts Options) *Store {
	if opts.MaxLivePerItem <= 0 {
		opts.MaxLivePerItem = DefaultMaxLivePerItem
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Logger = l
	}
	return &Store{
		repo:        repo,
		maxLive:     opts.MaxLivePerItem,
		maxAttempts: opts.MaxAttempts,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Share creates a pending grant for granteeID on itemID. The caller has
// already established that ownerID owns the item.
func (s *Store) Share(ctx context.Context, itemID, ownerID, granteeID string) (domain.Grant, error) {
	const op = "access.Share"
	g, err := s.share(ctx, op, itemID, ownerID, granteeID)
	s.observe("share", err)
	return g, err
}

func (s *Store) share(ctx context.Context, op, itemID, ownerID, granteeID string) (domain.Grant, error) {
	switch {
	case itemID == "" || ownerID == "" || granteeID == "":
		return domain.Grant{}, domain.Errorf(domain.KindValidation, op, "item, owner and grantee are required")
	case ownerID == granteeID:
		return domain.Grant{}, domain.Errorf(domain.KindValidation, op, "owner cannot share an item with themselves")
	}

	generation := 1
	latest, err := s.repo.LatestGrant(ctx, itemID, granteeID)
	switch {
	case err == nil:
		if latest.Live() {
			return domain.Grant{}, domain.Errorf(domain.KindDuplicateGrant, op, "grantee %s already holds a %s grant", granteeID, latest.Status)
		}
		generation = latest.Generation + 1
	case domain.KindOf(err) != domain.KindNotFound:
		return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
	}

	created, err := s.repo.CreateGrant(ctx, domain.NewGrant(itemID, granteeID, ownerID, generation, s.now().UTC()), s.maxLive)
	if err != nil {
		return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
	}
	s.logger.WithFields(logrus.Fields{
		"item_id":    itemID,
		"grantee_id": granteeID,
		"generation": created.Generation,
	}).Info("Grant created")
	return created, nil
}

// Activate moves the grantee's pending grant to active.
func (s *Store) Activate(ctx context.Context, itemID, granteeID string) (domain.Grant, error) {
	g, err := s.transition(ctx, "access.Activate", itemID, granteeID, domain.Grant.Activate)
	s.observe("activate", err)
	return g, err
}

// Revoke moves the pair's current grant to revoked. Revoked is terminal.
func (s *Store) Revoke(ctx context.Context, itemID, granteeID string) (domain.Grant, error) {
	g, err := s.transition(ctx, "access.Revoke", itemID, granteeID, domain.Grant.Revoke)
	s.observe("revoke", err)
	return g, err
}

// RecordAccess bumps the read counter on an active grant.
func (s *Store) RecordAccess(ctx context.Context, itemID, granteeID string) (domain.Grant, error) {
	return s.transition(ctx, "access.RecordAccess", itemID, granteeID, domain.Grant.Touch)
}

func (s *Store) transition(ctx context.Context, op, itemID, granteeID string, apply func(domain.Grant, time.Time) (domain.Grant, error)) (domain.Grant, error) {
	if itemID == "" || granteeID == "" {
		return domain.Grant{}, domain.Errorf(domain.KindValidation, op, "item and grantee are required")
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
		}
		current, err := s.repo.LatestGrant(ctx, itemID, granteeID)
		if err != nil {
			return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
		}
		next, err := apply(current, s.now().UTC())
		if err != nil {
			return domain.Grant{}, domain.E(domain.KindInvalidTransition, op, err)
		}
		updated, err := s.repo.UpdateGrant(ctx, next, current.Version)
		if err == nil {
			return updated, nil
		}
		if domain.KindOf(err) != domain.KindConflict {
			return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
		}
		s.logger.WithFields(logrus.Fields{
			"item_id":    itemID,
			"grantee_id": granteeID,
			"attempt":    attempt,
		}).Debug("Grant changed concurrently, retrying")
	}
	return domain.Grant{}, domain.Errorf(domain.KindConflict, op, "grant for %s on %s kept changing after %d attempts", granteeID, itemID, s.maxAttempts)
}

// Get returns the pair's current grant.
func (s *Store) Get(ctx context.Context, itemID, granteeID string) (domain.Grant, error) {
	g, err := s.repo.LatestGrant(ctx, itemID, granteeID)
	if err != nil {
		return domain.Grant{}, domain.E(domain.KindUnknown, "access.Get", err)
	}
	return g, nil
}

// IsAuthorized reports whether requesterID holds an active grant on itemID.
// Pending, revoked and missing grants all answer false.
func (s *Store) IsAuthorized(ctx context.Context, itemID, requesterID string) (bool, error) {
	g, err := s.repo.LatestGrant(ctx, itemID, requesterID)
	switch {
	case err == nil:
		return g.Status == domain.GrantActive, nil
	case domain.KindOf(err) == domain.KindNotFound:
		return false, nil
	default:
		return false, domain.E(domain.KindUnknown, "access.IsAuthorized", err)
	}
}

// ListForItem returns the current grant of every grantee of the item,
// ordered by grantee.
func (s *Store) ListForItem(ctx context.Context, itemID string) ([]domain.Grant, error) {
	all, err := s.repo.ListGrantsByItem(ctx, itemID)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, "access.ListForItem", err)
	}
	latest := make(map[string]domain.Grant, len(all))
	for _, g := range all {
		if cur, ok := latest[g.GranteeID]; !ok || g.Generation > cur.Generation {
			latest[g.GranteeID] = g
		}
	}
	out := make([]domain.Grant, 0, len(latest))
	for _, g := range latest {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeID < out[j].GranteeID })
	return out, nil
}

// ListForGrantee returns the grantee's pending and active grants.
func (s *Store) ListForGrantee(ctx context.Context, granteeID string) ([]domain.Grant, error) {
	grants, err := s.repo.ListLiveGrantsByGrantee(ctx, granteeID)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, "access.ListForGrantee", err)
	}
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].GrantedAt.Equal(grants[j].GrantedAt) {
			return grants[i].GrantedAt.After(grants[j].GrantedAt)
		}
		return grants[i].ItemID < grants[j].ItemID
	})
	return grants, nil
}

// RemoveAllForItem deletes every grant of the item. It is safe to repeat.
func (s *Store) RemoveAllForItem(ctx context.Context, itemID string) (int, error) {
	n, err := s.repo.DeleteGrantsForItem(ctx, itemID)
	s.observe("remove_all", err)
	if err != nil {
		return 0, domain.E(domain.KindUnknown, "access.RemoveAllForItem", err)
	}
	return n, nil
}

func (s *Store) observe(transition string, err error) {
	if s.observer != nil {
		s.observer.ObserveGrantTransition(transition, err)
	}
}

