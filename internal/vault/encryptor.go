package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kenneth/document-vault/internal/blobstore"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/middleware"
	"github.com/kenneth/document-vault/internal/quota"
)

// SourceFile is the original document of an imported item.
type SourceFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// SaveRequest describes a new item.
type SaveRequest struct {
	OwnerID      string
	CreationMode domain.CreationMode
	TemplateID   string
	// FormData is a JSON object.
	FormData []byte
	// Source is required for imported items and forbidden for manual ones.
	Source *SourceFile
}

// SaveItem encrypts and stores a new item and returns its id.
//
// One data key protects both payloads, each under its own nonce. The source
// ciphertext is uploaded before the record is written; if the record write
// fails the blob is removed again, so no record points at a missing blob and
// no blob outlives a failed save. Cancelling ctx aborts the save until the
// record write starts; after that the save runs to completion.
func (s *Service) SaveItem(ctx context.Context, req SaveRequest) (id string, err error) {
	const op = "vault.SaveItem"
	start := time.Now()
	ctx, done := s.begin(ctx, "save_item", attribute.String("vault.creation_mode", string(req.CreationMode)))
	defer func() {
		done(err)
		s.auditFailed(s.audit.LogEncrypt(id, req.OwnerID, string(s.settings.Algorithm), err, time.Since(start), map[string]interface{}{
			"creation_mode": string(req.CreationMode),
			"has_source":    req.Source != nil,
			"template_id":   req.TemplateID,
			"request_id":    middleware.RequestID(ctx),
		}), "save_item", id)
	}()

	mode, contentType, err := s.validateSave(op, req)
	if err != nil {
		return "", err
	}
	req.CreationMode = mode
	if err := s.checkLock(ctx, op, req.OwnerID); err != nil {
		return "", err
	}
	if err := s.quota.Allow(ctx, quota.ActionEncrypt, req.OwnerID); err != nil {
		return "", domain.E(domain.KindUnknown, op, err)
	}

	itemID := uuid.NewString()
	item, err := s.seal(ctx, op, itemID, req, contentType)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		s.discardBlob(ctx, item)
		return "", domain.E(domain.KindUnknown, op, err)
	}
	if err := s.items.CreateItem(context.WithoutCancel(ctx), item, s.settings.Limits.MaxItemsPerOwner); err != nil {
		s.discardBlob(ctx, item)
		return "", domain.E(domain.KindUnknown, op, err)
	}

	s.logger.WithFields(logrus.Fields{
		"item_id":       item.ID,
		"owner_id":      item.OwnerID,
		"creation_mode": item.CreationMode,
		"algorithm":     item.Algorithm,
		"has_source":    item.HasSourceFile,
	}).Info("Item saved")
	return item.ID, nil
}

func (s *Service) validateSave(op string, req SaveRequest) (domain.CreationMode, string, error) {
	if err := requireIDs(op, "owner id", req.OwnerID); err != nil {
		return "", "", err
	}
	mode, err := domain.ParseCreationMode(string(req.CreationMode))
	if err != nil {
		return "", "", domain.E(domain.KindValidation, op, err)
	}
	if err := validateTemplateID(op, req.TemplateID, s.settings.Limits); err != nil {
		return "", "", err
	}
	if err := validateFormData(op, req.FormData, s.settings.Limits); err != nil {
		return "", "", err
	}
	contentType, err := validateSource(op, mode, req.Source, s.settings.Limits)
	return mode, contentType, err
}

// seal generates the item's data key, encrypts both payloads and uploads the
// source ciphertext. The plaintext key is destroyed before seal returns.
func (s *Service) seal(ctx context.Context, op, itemID string, req SaveRequest, contentType string) (*domain.Item, error) {
	key, wrapped, err := s.keys.GenerateDataKey(ctx)
	if err != nil {
		return nil, keyError(op, err)
	}
	defer key.Destroy()

	alg := s.settings.Algorithm
	formNonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, cryptoError(op, err)
	}
	formCiphertext, err := crypto.Seal(alg, key.Bytes(), formNonce, req.FormData, crypto.AssociatedData(itemID, "form"))
	if err != nil {
		return nil, cryptoError(op, err)
	}

	now := s.now().UTC()
	item := &domain.Item{
		ID:                itemID,
		OwnerID:           req.OwnerID,
		TemplateID:        req.TemplateID,
		CreationMode:      req.CreationMode,
		Algorithm:         string(alg),
		WrappedKey:        wrapped,
		EncryptedFormData: formCiphertext,
		FormNonce:         formNonce,
		Status:            domain.ItemActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Source != nil {
		sourceNonce, err := crypto.GenerateNonce()
		if err != nil {
			return nil, cryptoError(op, err)
		}
		sourceCiphertext, err := crypto.Seal(alg, key.Bytes(), sourceNonce, req.Source.Data, crypto.AssociatedData(itemID, "source"))
		if err != nil {
			return nil, cryptoError(op, err)
		}

		var ref blobstore.Ref
		err = s.timeBlob(ctx, "upload", func() error {
			var uerr error
			ref, uerr = s.blobs.Upload(ctx, blobstore.Hint{OwnerID: req.OwnerID, ItemID: itemID}, sourceCiphertext)
			return uerr
		})
		if err != nil {
			return nil, blobError(op, err)
		}

		item.HasSourceFile = true
		item.SourceBlobRef = string(ref)
		item.SourceNonce = sourceNonce
		item.SourceFileName = sanitizeFileName(req.Source.Name)
		item.SourceContentType = contentType
		item.SourceSize = int64(len(req.Source.Data))
	}

	if err := item.Validate(); err != nil {
		s.discardBlob(ctx, item)
		return nil, domain.E(domain.KindValidation, op, err)
	}
	return item, nil
}

// discardBlob removes the source blob of an item that was never persisted.
// It runs even when ctx is cancelled.
func (s *Service) discardBlob(ctx context.Context, item *domain.Item) {
	if item == nil || !item.HasSourceFile {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := s.timeBlob(ctx, "delete", func() error {
		return s.blobs.Delete(ctx, blobstore.Ref(item.SourceBlobRef))
	})
	entry := s.logger.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"blob_ref": item.SourceBlobRef,
	})
	if err != nil {
		entry.WithError(err).Error("Failed to remove orphaned source blob")
		return
	}
	entry.Warn("Removed source blob of unsaved item")
}
