package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kenneth/document-vault/internal/domain"
)

const grantColumns = `item_id, grantee_id, generation, granted_by, status, version,
	granted_at, activated_at, revoked_at, access_count, last_accessed_at`

// Grants is a PostgreSQL grant repository. Creation takes a transaction
// scoped advisory lock on the item so the live-grant cap holds across
// processes; the partial unique index backs the one-live-grant rule.
type Grants struct {
	pool *pgxpool.Pool
}

func NewGrants(pool *pgxpool.Pool) *Grants {
	return &Grants{pool: pool}
}

func scanGrant(row pgx.Row) (domain.Grant, error) {
	var (
		g      domain.Grant
		status string
	)
	err := row.Scan(
		&g.ItemID, &g.GranteeID, &g.Generation, &g.GrantedBy, &status, &g.Version,
		&g.GrantedAt, &g.ActivatedAt, &g.RevokedAt, &g.AccessCount, &g.LastAccessedAt,
	)
	if err != nil {
		return domain.Grant{}, err
	}
	g.Status = domain.GrantStatus(status)
	return g, nil
}

func collectGrants(rows pgx.Rows) ([]domain.Grant, error) {
	defer rows.Close()
	var out []domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Grants) CreateGrant(ctx context.Context, g domain.Grant, maxLive int) (domain.Grant, error) {
	const op = "pgstore.CreateGrant"
	var created domain.Grant
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, "grants:"+g.ItemID); err != nil {
			return err
		}

		latest, err := scanGrant(tx.QueryRow(ctx, `SELECT `+grantColumns+` FROM vault_grants
			WHERE item_id = $1 AND grantee_id = $2
			ORDER BY generation DESC LIMIT 1`, g.ItemID, g.GranteeID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		case latest.Live():
			return domain.Errorf(domain.KindDuplicateGrant, op, "grantee %s already holds a %s grant", g.GranteeID, latest.Status)
		case g.Generation <= latest.Generation:
			return domain.Errorf(domain.KindDuplicateGrant, op, "generation %d already used", g.Generation)
		}

		if maxLive > 0 {
			var live int
			err := tx.QueryRow(ctx,
				`SELECT count(*) FROM vault_grants WHERE item_id = $1 AND status <> 'revoked'`,
				g.ItemID,
			).Scan(&live)
			if err != nil {
				return err
			}
			if live >= maxLive {
				return domain.Errorf(domain.KindValidation, op, "item %s already has %d live grants (limit %d)", g.ItemID, live, maxLive)
			}
		}

		created, err = scanGrant(tx.QueryRow(ctx, `INSERT INTO vault_grants (`+grantColumns+`)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $10)
			RETURNING `+grantColumns,
			g.ItemID, g.GranteeID, g.Generation, g.GrantedBy, string(g.Status),
			g.GrantedAt, g.ActivatedAt, g.RevokedAt, g.AccessCount, g.LastAccessedAt,
		))
		if isUniqueViolation(err) {
			return domain.Errorf(domain.KindDuplicateGrant, op, "grant for %s on %s already exists", g.GranteeID, g.ItemID)
		}
		return err
	})
	if err != nil {
		return domain.Grant{}, storeError(op, err)
	}
	return created, nil
}

func (s *Grants) LatestGrant(ctx context.Context, itemID, granteeID string) (domain.Grant, error) {
	const op = "pgstore.LatestGrant"
	g, err := scanGrant(s.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM vault_grants
		WHERE item_id = $1 AND grantee_id = $2
		ORDER BY generation DESC LIMIT 1`, itemID, granteeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Grant{}, domain.Errorf(domain.KindNotFound, op, "no grant for %s on %s", granteeID, itemID)
	}
	if err != nil {
		return domain.Grant{}, storeError(op, err)
	}
	return g, nil
}

func (s *Grants) UpdateGrant(ctx context.Context, g domain.Grant, expectedVersion int64) (domain.Grant, error) {
	const op = "pgstore.UpdateGrant"
	updated, err := scanGrant(s.pool.QueryRow(ctx, `UPDATE vault_grants SET
			status = $5,
			version = version + 1,
			activated_at = $6,
			revoked_at = $7,
			access_count = $8,
			last_accessed_at = $9
		WHERE item_id = $1 AND grantee_id = $2 AND generation = $3 AND version = $4
		RETURNING `+grantColumns,
		g.ItemID, g.GranteeID, g.Generation, expectedVersion, string(g.Status),
		g.ActivatedAt, g.RevokedAt, g.AccessCount, g.LastAccessedAt,
	))
	if err == nil {
		return updated, nil
	}
	if isUniqueViolation(err) {
		return domain.Grant{}, domain.Errorf(domain.KindConflict, op, "another live grant exists for %s on %s", g.GranteeID, g.ItemID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Grant{}, storeError(op, err)
	}

	var current int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM vault_grants
		WHERE item_id = $1 AND grantee_id = $2 AND generation = $3`,
		g.ItemID, g.GranteeID, g.Generation,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Grant{}, domain.Errorf(domain.KindNotFound, op, "no generation %d grant for %s on %s", g.Generation, g.GranteeID, g.ItemID)
	}
	if err != nil {
		return domain.Grant{}, storeError(op, err)
	}
	return domain.Grant{}, domain.Errorf(domain.KindConflict, op, "grant version is %d, expected %d", current, expectedVersion)
}

func (s *Grants) ListGrantsByItem(ctx context.Context, itemID string) ([]domain.Grant, error) {
	const op = "pgstore.ListGrantsByItem"
	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+` FROM vault_grants
		WHERE item_id = $1
		ORDER BY grantee_id, generation`, itemID)
	if err != nil {
		return nil, storeError(op, err)
	}
	out, err := collectGrants(rows)
	if err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func (s *Grants) ListLiveGrantsByGrantee(ctx context.Context, granteeID string) ([]domain.Grant, error) {
	const op = "pgstore.ListLiveGrantsByGrantee"
	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+` FROM vault_grants
		WHERE grantee_id = $1 AND status <> 'revoked'
		ORDER BY item_id, generation`, granteeID)
	if err != nil {
		return nil, storeError(op, err)
	}
	out, err := collectGrants(rows)
	if err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func (s *Grants) DeleteGrantsForItem(ctx context.Context, itemID string) (int, error) {
	const op = "pgstore.DeleteGrantsForItem"
	tag, err := s.pool.Exec(ctx, `DELETE FROM vault_grants WHERE item_id = $1`, itemID)
	if err != nil {
		return 0, storeError(op, err)
	}
	return int(tag.RowsAffected()), nil
}
