package vault

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/domain"
)

// ShareItem gives granteeID a pending grant on the owner's item. It fails
// with DuplicateGrant when the grantee already holds a pending or active
// grant. Sharing again after a revoke starts a new grant generation.
func (s *Service) ShareItem(ctx context.Context, ownerID, itemID, granteeID string) (g domain.Grant, err error) {
	const op = "vault.ShareItem"
	ctx, done := s.begin(ctx, "share_item", itemAttr(itemID))
	defer func() {
		done(err)
		s.auditFailed(s.audit.LogGrant("share", itemID, ownerID, granteeID, err), "share", itemID)
	}()

	if err := requireIDs(op, "owner id", ownerID, "item id", itemID, "grantee id", granteeID); err != nil {
		return domain.Grant{}, err
	}
	item, err := s.loadOwned(ctx, op, ownerID, itemID)
	if err != nil {
		return domain.Grant{}, err
	}
	if item.Status != domain.ItemActive {
		return domain.Grant{}, domain.Errorf(domain.KindInvalidTransition, op, "item %s is %s", itemID, item.Status)
	}
	if err := s.checkLock(ctx, op, ownerID); err != nil {
		return domain.Grant{}, err
	}
	g, err = s.grants.Share(ctx, itemID, ownerID, granteeID)
	if err != nil {
		return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
	}
	// A delete that ran between the status check and Share has already
	// removed the item's grants, so this one must not survive it.
	if err := s.dropIfDeleted(ctx, op, itemID, granteeID); err != nil {
		return domain.Grant{}, err
	}
	return g, nil
}

func (s *Service) dropIfDeleted(ctx context.Context, op, itemID, granteeID string) error {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.E(domain.KindUnknown, op, err)
	}
	if err == nil && item.Readable() {
		return nil
	}
	if _, rerr := s.grants.Revoke(context.WithoutCancel(ctx), itemID, granteeID); rerr != nil {
		s.logger.WithError(rerr).WithFields(logrus.Fields{
			"item_id":    itemID,
			"grantee_id": granteeID,
		}).Warn("Failed to revoke grant on deleted item")
	}
	return domain.Errorf(domain.KindNotFound, op, "item %s not found", itemID)
}

// ActivateGrant accepts a pending grant. Only the grantee may activate, and
// a revoked grant stays revoked.
func (s *Service) ActivateGrant(ctx context.Context, granteeID, itemID string) (g domain.Grant, err error) {
	const op = "vault.ActivateGrant"
	ctx, done := s.begin(ctx, "activate_grant", itemAttr(itemID))
	defer func() {
		done(err)
		s.auditFailed(s.audit.LogGrant("activate", itemID, granteeID, granteeID, err), "activate", itemID)
	}()

	if err := requireIDs(op, "grantee id", granteeID, "item id", itemID); err != nil {
		return domain.Grant{}, err
	}
	if _, err := s.loadReadable(ctx, op, itemID); err != nil {
		return domain.Grant{}, err
	}
	g, err = s.grants.Activate(ctx, itemID, granteeID)
	if err != nil {
		return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
	}
	return g, nil
}

// RevokeGrant ends a grantee's access. Owner-only.
func (s *Service) RevokeGrant(ctx context.Context, ownerID, itemID, granteeID string) (g domain.Grant, err error) {
	const op = "vault.RevokeGrant"
	ctx, done := s.begin(ctx, "revoke_grant", itemAttr(itemID))
	defer func() {
		done(err)
		s.auditFailed(s.audit.LogGrant("revoke", itemID, ownerID, granteeID, err), "revoke", itemID)
	}()

	if err := requireIDs(op, "owner id", ownerID, "item id", itemID, "grantee id", granteeID); err != nil {
		return domain.Grant{}, err
	}
	if _, err := s.loadOwned(ctx, op, ownerID, itemID); err != nil {
		return domain.Grant{}, err
	}
	if err := s.checkLock(ctx, op, ownerID); err != nil {
		return domain.Grant{}, err
	}
	g, err = s.grants.Revoke(ctx, itemID, granteeID)
	if err != nil {
		return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
	}
	return g, nil
}

// ListGrants returns the current grant of every grantee of the item.
// Owner-only.
func (s *Service) ListGrants(ctx context.Context, ownerID, itemID string) (grants []domain.Grant, err error) {
	const op = "vault.ListGrants"
	ctx, done := s.begin(ctx, "list_grants", itemAttr(itemID))
	defer func() { done(err) }()

	if err := requireIDs(op, "owner id", ownerID, "item id", itemID); err != nil {
		return nil, err
	}
	if _, err := s.loadOwned(ctx, op, ownerID, itemID); err != nil {
		return nil, err
	}
	grants, err = s.grants.ListForItem(ctx, itemID)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	return grants, nil
}

// ListSharedWithMe returns the grantee's pending and active grants on items
// that are still readable, newest first.
func (s *Service) ListSharedWithMe(ctx context.Context, granteeID string) (grants []domain.Grant, err error) {
	const op = "vault.ListSharedWithMe"
	ctx, done := s.begin(ctx, "list_shared")
	defer func() { done(err) }()

	if err := requireIDs(op, "grantee id", granteeID); err != nil {
		return nil, err
	}
	live, err := s.grants.ListForGrantee(ctx, granteeID)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	grants = live[:0]
	for _, g := range live {
		item, err := s.items.GetItem(ctx, g.ItemID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, domain.E(domain.KindUnknown, op, err)
		}
		if item.Readable() {
			grants = append(grants, g)
		}
	}
	return grants, nil
}
