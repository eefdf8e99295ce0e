package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/document-vault/internal/domain"
)

type itemRecord struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	TemplateID        string    `json:"template_id,omitempty"`
	CreationMode      string    `json:"creation_mode"`
	Algorithm         string    `json:"algorithm"`
	WrappedKey        []byte    `json:"wrapped_key,omitempty"`
	EncryptedFormData []byte    `json:"encrypted_form_data,omitempty"`
	FormNonce         []byte    `json:"form_nonce,omitempty"`
	HasSourceFile     bool      `json:"has_source_file"`
	SourceBlobRef     string    `json:"source_blob_ref,omitempty"`
	SourceNonce       []byte    `json:"source_nonce,omitempty"`
	SourceFileName    string    `json:"source_file_name,omitempty"`
	SourceContentType string    `json:"source_content_type,omitempty"`
	SourceSize        int64     `json:"source_size,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toItemRecord(it *domain.Item) itemRecord {
	return itemRecord{
		ID:                it.ID,
		OwnerID:           it.OwnerID,
		TemplateID:        it.TemplateID,
		CreationMode:      string(it.CreationMode),
		Algorithm:         it.Algorithm,
		WrappedKey:        it.WrappedKey,
		EncryptedFormData: it.EncryptedFormData,
		FormNonce:         it.FormNonce,
		HasSourceFile:     it.HasSourceFile,
		SourceBlobRef:     it.SourceBlobRef,
		SourceNonce:       it.SourceNonce,
		SourceFileName:    it.SourceFileName,
		SourceContentType: it.SourceContentType,
		SourceSize:        it.SourceSize,
		Status:            string(it.Status),
		CreatedAt:         it.CreatedAt,
		UpdatedAt:         it.UpdatedAt,
	}
}

func (r itemRecord) toDomain() *domain.Item {
	return &domain.Item{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		TemplateID:        r.TemplateID,
		CreationMode:      domain.CreationMode(r.CreationMode),
		Algorithm:         r.Algorithm,
		WrappedKey:        r.WrappedKey,
		EncryptedFormData: r.EncryptedFormData,
		FormNonce:         r.FormNonce,
		HasSourceFile:     r.HasSourceFile,
		SourceBlobRef:     r.SourceBlobRef,
		SourceNonce:       r.SourceNonce,
		SourceFileName:    r.SourceFileName,
		SourceContentType: r.SourceContentType,
		SourceSize:        r.SourceSize,
		Status:            domain.ItemStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// Items is a Redis item repository. Each item is a JSON string; a sorted set
// per owner indexes non-deleted items by creation time.
type Items struct {
	client  redis.UniversalClient
	keys    keys
	timeout time.Duration
}

func NewItems(client redis.UniversalClient, prefix string, timeout time.Duration) *Items {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Items{client: client, keys: keys{prefix: prefix}, timeout: timeout}
}

func (s *Items) CreateItem(ctx context.Context, item *domain.Item, maxPerOwner int) error {
	const op = "redisstore.CreateItem"
	payload, err := json.Marshal(toItemRecord(item))
	if err != nil {
		return domain.E(domain.KindUnknown, op, err)
	}
	itemKey, ownerKey := s.keys.item(item.ID), s.keys.ownerItems(item.OwnerID)

	err = withTx(ctx, s.client, s.timeout, op, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, itemKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return domain.Errorf(domain.KindConflict, op, "item %s already exists", item.ID)
		}
		if maxPerOwner > 0 {
			n, err := tx.ZCard(ctx, ownerKey).Result()
			if err != nil {
				return err
			}
			if n >= int64(maxPerOwner) {
				return domain.Errorf(domain.KindValidation, op, "owner already has %d items (limit %d)", n, maxPerOwner)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, itemKey, payload, 0)
			pipe.ZAdd(ctx, ownerKey, redis.Z{Score: float64(item.CreatedAt.UnixNano()), Member: item.ID})
			return nil
		})
		return err
	}, itemKey, ownerKey)
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *Items) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	const op = "redisstore.GetItem"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.Get(ctx, s.keys.item(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.Errorf(domain.KindNotFound, op, "item %s", id)
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return decodeItem(op, raw)
}

func decodeItem(op string, raw []byte) (*domain.Item, error) {
	var rec itemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	return rec.toDomain(), nil
}

func (s *Items) UpdateItemStatus(ctx context.Context, id string, from, to domain.ItemStatus, at time.Time) (*domain.Item, error) {
	const op = "redisstore.UpdateItemStatus"
	itemKey := s.keys.item(id)
	var updated *domain.Item

	err := withTx(ctx, s.client, s.timeout, op, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, itemKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.Errorf(domain.KindNotFound, op, "item %s", id)
		}
		if err != nil {
			return err
		}
		it, err := decodeItem(op, raw)
		if err != nil {
			return err
		}
		if it.Status != from {
			return domain.Errorf(domain.KindConflict, op, "item %s is %s, expected %s", id, it.Status, from)
		}
		it.Status = to
		it.UpdatedAt = at
		if to == domain.ItemDeleted {
			it.WrappedKey, it.EncryptedFormData, it.FormNonce, it.SourceNonce = nil, nil, nil, nil
		}
		payload, err := json.Marshal(toItemRecord(it))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, itemKey, payload, 0)
			if to == domain.ItemDeleted {
				pipe.ZRem(ctx, s.keys.ownerItems(it.OwnerID), id)
			}
			return nil
		})
		updated = it
		return err
	}, itemKey)
	if err != nil {
		return nil, storeError(op, err)
	}
	return updated, nil
}

func (s *Items) ListItemsByOwner(ctx context.Context, ownerID string) ([]*domain.Item, error) {
	const op = "redisstore.ListItemsByOwner"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.client.ZRevRange(ctx, s.keys.ownerItems(ownerID), 0, -1).Result()
	if err != nil {
		return nil, storeError(op, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	itemKeys := make([]string, len(ids))
	for i, id := range ids {
		itemKeys[i] = s.keys.item(id)
	}
	vals, err := s.client.MGet(ctx, itemKeys...).Result()
	if err != nil {
		return nil, storeError(op, err)
	}
	out := make([]*domain.Item, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		it, err := decodeItem(op, []byte(str))
		if err != nil {
			return nil, err
		}
		if it.Status != domain.ItemDeleted {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Items) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
