package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kenneth/document-vault/internal/domain"
)

const itemColumns = `id, owner_id, template_id, creation_mode, algorithm, wrapped_key,
	encrypted_form_data, form_nonce, has_source_file, source_blob_ref, source_nonce,
	source_file_name, source_content_type, source_size, status, created_at, updated_at`

// Items is a PostgreSQL item repository.
type Items struct {
	pool *pgxpool.Pool
}

func NewItems(pool *pgxpool.Pool) *Items {
	return &Items{pool: pool}
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var (
		it     domain.Item
		mode   string
		status string
	)
	err := row.Scan(
		&it.ID, &it.OwnerID, &it.TemplateID, &mode, &it.Algorithm, &it.WrappedKey,
		&it.EncryptedFormData, &it.FormNonce, &it.HasSourceFile, &it.SourceBlobRef, &it.SourceNonce,
		&it.SourceFileName, &it.SourceContentType, &it.SourceSize, &status, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.CreationMode = domain.CreationMode(mode)
	it.Status = domain.ItemStatus(status)
	return &it, nil
}

func (s *Items) CreateItem(ctx context.Context, item *domain.Item, maxPerOwner int) error {
	const op = "pgstore.CreateItem"
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, "owner:"+item.OwnerID); err != nil {
			return err
		}
		if maxPerOwner > 0 {
			var n int
			err := tx.QueryRow(ctx,
				`SELECT count(*) FROM vault_items WHERE owner_id = $1 AND status <> 'deleted'`,
				item.OwnerID,
			).Scan(&n)
			if err != nil {
				return err
			}
			if n >= maxPerOwner {
				return domain.Errorf(domain.KindValidation, op, "owner already has %d items (limit %d)", n, maxPerOwner)
			}
		}

		_, err := tx.Exec(ctx, `INSERT INTO vault_items (`+itemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			item.ID, item.OwnerID, item.TemplateID, string(item.CreationMode), item.Algorithm, item.WrappedKey,
			item.EncryptedFormData, item.FormNonce, item.HasSourceFile, item.SourceBlobRef, item.SourceNonce,
			item.SourceFileName, item.SourceContentType, item.SourceSize, string(item.Status), item.CreatedAt, item.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return domain.Errorf(domain.KindConflict, op, "item %s already exists", item.ID)
		}
		return err
	})
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *Items) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	const op = "pgstore.GetItem"
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM vault_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, op, "item %s", id)
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return it, nil
}

func (s *Items) UpdateItemStatus(ctx context.Context, id string, from, to domain.ItemStatus, at time.Time) (*domain.Item, error) {
	const op = "pgstore.UpdateItemStatus"
	shred := to == domain.ItemDeleted
	it, err := scanItem(s.pool.QueryRow(ctx, `UPDATE vault_items SET
			status = $3,
			updated_at = $4,
			wrapped_key = CASE WHEN $5 THEN NULL ELSE wrapped_key END,
			encrypted_form_data = CASE WHEN $5 THEN NULL ELSE encrypted_form_data END,
			form_nonce = CASE WHEN $5 THEN NULL ELSE form_nonce END,
			source_nonce = CASE WHEN $5 THEN NULL ELSE source_nonce END
		WHERE id = $1 AND status = $2
		RETURNING `+itemColumns,
		id, string(from), string(to), at, shred,
	))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storeError(op, err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM vault_items WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, op, "item %s", id)
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return nil, domain.Errorf(domain.KindConflict, op, "item %s is %s, expected %s", id, current, from)
}

func (s *Items) ListItemsByOwner(ctx context.Context, ownerID string) ([]*domain.Item, error) {
	const op = "pgstore.ListItemsByOwner"
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM vault_items
		WHERE owner_id = $1 AND status <> 'deleted'
		ORDER BY created_at DESC, id ASC`, ownerID)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var out []*domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func (s *Items) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
