package vault

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/blobstore"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/middleware"
	"github.com/kenneth/document-vault/internal/quota"
)

// DecryptOptions tune a read.
type DecryptOptions struct {
	// IncludeSource returns the decrypted source file alongside the URL.
	IncludeSource bool
	// URLTTL requests a retrieval URL lifetime. It is clamped to policy;
	// zero means the configured default.
	URLTTL time.Duration
}

// SourceAccess describes how to fetch an item's source file. URL serves the
// ciphertext; Nonce and AssociatedData complete the decryption context.
type SourceAccess struct {
	URL            string
	ExpiresAt      time.Time
	Nonce          []byte
	AssociatedData []byte
	FileName       string
	ContentType    string
	Size           int64
	// Data is the decrypted file, set only when requested.
	Data []byte
}

// Decrypted is the plaintext view of an item.
type Decrypted struct {
	ItemID       string
	CreationMode domain.CreationMode
	TemplateID   string
	FormData     []byte
	Source       *SourceAccess
}

// DecryptionMetadata carries everything a trusted client needs to decrypt
// an item itself. DataKey is plaintext key material.
type DecryptionMetadata struct {
	ItemID            string
	Algorithm         string
	DataKey           []byte
	EncryptedFormData []byte
	FormNonce         []byte
	FormAAD           []byte
	Source            *SourceAccess
}

// DecryptItem returns the plaintext of an item to its owner or to a grantee
// with an active grant. Every call is audited, including refusals.
func (s *Service) DecryptItem(ctx context.Context, requesterID, itemID string, opts DecryptOptions) (out *Decrypted, err error) {
	const op = "vault.DecryptItem"
	start := time.Now()
	var item *domain.Item
	ctx, done := s.begin(ctx, "decrypt_item", itemAttr(itemID))
	defer func() {
		done(err)
		s.auditRead(ctx, "decrypt_item", itemID, requesterID, item, err, time.Since(start))
	}()

	if err := requireIDs(op, "requester id", requesterID, "item id", itemID); err != nil {
		return nil, err
	}
	item, owner, err := s.authorize(ctx, op, requesterID, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Allow(ctx, quota.ActionDecrypt, requesterID); err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}

	key, err := s.keys.UnwrapDataKey(ctx, item.WrappedKey)
	if err != nil {
		return nil, keyError(op, err)
	}
	defer key.Destroy()

	alg, err := crypto.ParseAlgorithm(item.Algorithm)
	if err != nil {
		return nil, cryptoError(op, err)
	}
	form, err := crypto.Open(alg, key.Bytes(), item.FormNonce, item.EncryptedFormData, crypto.AssociatedData(item.ID, "form"))
	if err != nil {
		return nil, cryptoError(op, err)
	}

	out = &Decrypted{
		ItemID:       item.ID,
		CreationMode: item.CreationMode,
		TemplateID:   item.TemplateID,
		FormData:     form,
	}
	if item.HasSourceFile {
		verify := s.settings.VerifySourceOnRead || opts.IncludeSource
		out.Source, err = s.sourceAccess(ctx, op, item, alg, key, verify, opts)
		if err != nil {
			return nil, err
		}
		if !opts.IncludeSource {
			out.Source.Data = nil
		}
	}

	if !owner {
		s.recordGrantRead(ctx, itemID, requesterID)
	}
	return out, nil
}

// GetDecryptionMetadata releases an item's plaintext data key together with
// its ciphertext so that a trusted client can decrypt locally. Authorization
// and auditing match DecryptItem. The caller must zero DataKey after use.
func (s *Service) GetDecryptionMetadata(ctx context.Context, requesterID, itemID string, opts DecryptOptions) (out *DecryptionMetadata, err error) {
	const op = "vault.GetDecryptionMetadata"
	start := time.Now()
	var item *domain.Item
	ctx, done := s.begin(ctx, "get_decryption_metadata", itemAttr(itemID))
	defer func() {
		done(err)
		s.auditRead(ctx, "get_decryption_metadata", itemID, requesterID, item, err, time.Since(start))
	}()

	if err := requireIDs(op, "requester id", requesterID, "item id", itemID); err != nil {
		return nil, err
	}
	item, owner, err := s.authorize(ctx, op, requesterID, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Allow(ctx, quota.ActionDecrypt, requesterID); err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}

	key, err := s.keys.UnwrapDataKey(ctx, item.WrappedKey)
	if err != nil {
		return nil, keyError(op, err)
	}
	defer key.Destroy()

	out = &DecryptionMetadata{
		ItemID:            item.ID,
		Algorithm:         item.Algorithm,
		DataKey:           append([]byte(nil), key.Bytes()...),
		EncryptedFormData: item.EncryptedFormData,
		FormNonce:         item.FormNonce,
		FormAAD:           crypto.AssociatedData(item.ID, "form"),
	}
	if item.HasSourceFile {
		out.Source, err = s.sourceAccess(ctx, op, item, "", nil, false, opts)
		if err != nil {
			crypto.Zeroize(out.DataKey)
			return nil, err
		}
	}

	if !owner {
		s.recordGrantRead(ctx, itemID, requesterID)
	}
	return out, nil
}

// sourceAccess issues the retrieval URL for an item's source blob. With
// verify set the ciphertext is downloaded and authenticated first, and the
// plaintext is returned in Data.
func (s *Service) sourceAccess(ctx context.Context, op string, item *domain.Item, alg crypto.Algorithm, key *crypto.Key, verify bool, opts DecryptOptions) (*SourceAccess, error) {
	ref := blobstore.Ref(item.SourceBlobRef)
	aad := crypto.AssociatedData(item.ID, "source")
	src := &SourceAccess{
		Nonce:          item.SourceNonce,
		AssociatedData: aad,
		FileName:       item.SourceFileName,
		ContentType:    item.SourceContentType,
		Size:           item.SourceSize,
	}

	if verify && key != nil {
		var ciphertext []byte
		err := s.timeBlob(ctx, "download", func() error {
			var derr error
			ciphertext, derr = s.blobs.Download(ctx, ref)
			return derr
		})
		if err != nil {
			return nil, blobError(op, err)
		}
		plaintext, err := crypto.Open(alg, key.Bytes(), item.SourceNonce, ciphertext, aad)
		if err != nil {
			return nil, cryptoError(op, err)
		}
		src.Data = plaintext
	}

	ttl := blobstore.ClampTTL(opts.URLTTL, s.settings.RetrievalURLTTL, blobstore.MaxRetrievalTTL)
	var url blobstore.RetrievalURL
	err := s.timeBlob(ctx, "issue_url", func() error {
		var uerr error
		url, uerr = s.blobs.IssueRetrievalURL(ctx, ref, ttl)
		return uerr
	})
	if err != nil {
		return nil, blobError(op, err)
	}
	src.URL = url.URL
	src.ExpiresAt = url.ExpiresAt
	return src, nil
}

// recordGrantRead bumps the grantee's access counter. A failure is logged
// and does not affect the read.
func (s *Service) recordGrantRead(ctx context.Context, itemID, granteeID string) {
	if _, err := s.grants.RecordAccess(ctx, itemID, granteeID); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"item_id":    itemID,
			"grantee_id": granteeID,
		}).Warn("Failed to record grant access")
	}
}

func (s *Service) auditRead(ctx context.Context, operation, itemID, requesterID string, item *domain.Item, err error, d time.Duration) {
	alg := ""
	meta := map[string]interface{}{"request_id": middleware.RequestID(ctx)}
	if item != nil {
		alg = item.Algorithm
		meta["owner_read"] = item.OwnerID == requesterID
		meta["has_source"] = item.HasSourceFile
	}
	s.auditFailed(s.audit.LogDecrypt(operation, itemID, requesterID, alg, err, d, meta), operation, itemID)
}
