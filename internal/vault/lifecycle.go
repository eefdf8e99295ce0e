package vault

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/blobstore"
	"github.com/kenneth/document-vault/internal/domain"
)

// ItemInfo is the metadata of an item. It never carries key material or
// ciphertext.
type ItemInfo struct {
	ID                string
	OwnerID           string
	TemplateID        string
	CreationMode      domain.CreationMode
	Algorithm         string
	Status            domain.ItemStatus
	HasSourceFile     bool
	SourceFileName    string
	SourceContentType string
	SourceSize        int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func infoOf(it *domain.Item) ItemInfo {
	return ItemInfo{
		ID:                it.ID,
		OwnerID:           it.OwnerID,
		TemplateID:        it.TemplateID,
		CreationMode:      it.CreationMode,
		Algorithm:         it.Algorithm,
		Status:            it.Status,
		HasSourceFile:     it.HasSourceFile,
		SourceFileName:    it.SourceFileName,
		SourceContentType: it.SourceContentType,
		SourceSize:        it.SourceSize,
		CreatedAt:         it.CreatedAt,
		UpdatedAt:         it.UpdatedAt,
	}
}

// GetItem returns an item's metadata to anyone who may decrypt it.
func (s *Service) GetItem(ctx context.Context, requesterID, itemID string) (info ItemInfo, err error) {
	const op = "vault.GetItem"
	ctx, done := s.begin(ctx, "get_item", itemAttr(itemID))
	defer func() { done(err) }()

	if err := requireIDs(op, "requester id", requesterID, "item id", itemID); err != nil {
		return ItemInfo{}, err
	}
	item, _, err := s.authorize(ctx, op, requesterID, itemID)
	if err != nil {
		return ItemInfo{}, err
	}
	return infoOf(item), nil
}

// ListOwnedItems returns the owner's items, newest first. An empty status
// returns active and archived items.
func (s *Service) ListOwnedItems(ctx context.Context, ownerID string, status domain.ItemStatus) (infos []ItemInfo, err error) {
	const op = "vault.ListOwnedItems"
	ctx, done := s.begin(ctx, "list_items")
	defer func() { done(err) }()

	if err := requireIDs(op, "owner id", ownerID); err != nil {
		return nil, err
	}
	if status == domain.ItemDeleted {
		return nil, domain.Errorf(domain.KindValidation, op, "deleted items cannot be listed")
	}
	items, err := s.items.ListItemsByOwner(ctx, ownerID)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	infos = make([]ItemInfo, 0, len(items))
	for _, it := range items {
		if !it.Readable() || (status != "" && it.Status != status) {
			continue
		}
		infos = append(infos, infoOf(it))
	}
	return infos, nil
}

// ArchiveItem hides an item from the owner's active list. Archived items
// remain readable by the owner and active grantees.
func (s *Service) ArchiveItem(ctx context.Context, ownerID, itemID string) (ItemInfo, error) {
	return s.changeStatus(ctx, "vault.ArchiveItem", "archive_item", ownerID, itemID, domain.ItemArchived)
}

// RestoreItem moves an archived item back to active.
func (s *Service) RestoreItem(ctx context.Context, ownerID, itemID string) (ItemInfo, error) {
	return s.changeStatus(ctx, "vault.RestoreItem", "restore_item", ownerID, itemID, domain.ItemActive)
}

func (s *Service) changeStatus(ctx context.Context, op, operation, ownerID, itemID string, to domain.ItemStatus) (info ItemInfo, err error) {
	ctx, done := s.begin(ctx, operation, itemAttr(itemID))
	defer func() {
		done(err)
		s.auditFailed(s.audit.LogLifecycle(operation, itemID, ownerID, err), operation, itemID)
	}()

	if err := requireIDs(op, "owner id", ownerID, "item id", itemID); err != nil {
		return ItemInfo{}, err
	}
	item, err := s.loadOwned(ctx, op, ownerID, itemID)
	if err != nil {
		return ItemInfo{}, err
	}
	if err := s.checkLock(ctx, op, ownerID); err != nil {
		return ItemInfo{}, err
	}
	next, err := item.WithStatus(to, s.now().UTC())
	if err != nil {
		return ItemInfo{}, domain.E(domain.KindInvalidTransition, op, err)
	}
	updated, err := s.items.UpdateItemStatus(ctx, item.ID, item.Status, next.Status, next.UpdatedAt)
	if err != nil {
		return ItemInfo{}, domain.E(domain.KindUnknown, op, err)
	}
	return infoOf(updated), nil
}

// DeleteItem removes an item: it becomes unreadable, its key material and
// ciphertext are discarded, every grant on it is removed and the source blob
// is deleted. Repeating a delete completes any step a failed attempt left
// undone.
func (s *Service) DeleteItem(ctx context.Context, ownerID, itemID string) (err error) {
	const op = "vault.DeleteItem"
	ctx, done := s.begin(ctx, "delete_item", itemAttr(itemID))
	defer func() {
		done(err)
		s.auditFailed(s.audit.LogLifecycle("delete_item", itemID, ownerID, err), "delete_item", itemID)
	}()

	if err := requireIDs(op, "owner id", ownerID, "item id", itemID); err != nil {
		return err
	}
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return domain.E(domain.KindUnknown, op, err)
	}
	if item.OwnerID != ownerID {
		if !item.Readable() {
			return domain.Errorf(domain.KindNotFound, op, "item %s not found", itemID)
		}
		return domain.Errorf(domain.KindAccessDenied, op, "%s does not own item %s", ownerID, itemID)
	}
	if err := s.checkLock(ctx, op, ownerID); err != nil {
		return err
	}

	if item.Status != domain.ItemDeleted {
		deleted, err := s.items.UpdateItemStatus(ctx, item.ID, item.Status, domain.ItemDeleted, s.now().UTC())
		if err != nil {
			return domain.E(domain.KindUnknown, op, err)
		}
		item = deleted
	}

	removed, err := s.grants.RemoveAllForItem(ctx, itemID)
	if err != nil {
		return domain.E(domain.KindUnknown, op, err)
	}
	if item.HasSourceFile && item.SourceBlobRef != "" {
		err := s.timeBlob(ctx, "delete", func() error {
			return s.blobs.Delete(ctx, blobstore.Ref(item.SourceBlobRef))
		})
		if err != nil {
			return blobError(op, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"item_id":        itemID,
		"owner_id":       ownerID,
		"grants_removed": removed,
	}).Info("Item deleted")
	return nil
}
