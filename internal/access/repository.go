package access

import (
	"context"

	"github.com/kenneth/document-vault/internal/domain"
)

// GrantRepository persists grants. Implementations must make CreateGrant and
// UpdateGrant atomic with respect to concurrent callers on other goroutines
// and other processes.
type GrantRepository interface {
	// CreateGrant stores g (Version is assigned by the repository) unless a
	// live grant already exists for the pair, in which case it returns a
	// domain.KindDuplicateGrant error. If the item already has maxLive live
	// grants it returns a domain.KindValidation error.
	CreateGrant(ctx context.Context, g domain.Grant, maxLive int) (domain.Grant, error)

	// LatestGrant returns the highest-generation grant for the pair or a
	// domain.KindNotFound error.
	LatestGrant(ctx context.Context, itemID, granteeID string) (domain.Grant, error)

	// UpdateGrant replaces the stored grant with the same pair and generation
	// if its version still equals expectedVersion, and bumps the version.
	// A mismatch returns a domain.KindConflict error.
	UpdateGrant(ctx context.Context, g domain.Grant, expectedVersion int64) (domain.Grant, error)

	// ListGrantsByItem returns every grant generation for the item.
	ListGrantsByItem(ctx context.Context, itemID string) ([]domain.Grant, error)

	// ListLiveGrantsByGrantee returns pending and active grants held by grantee.
	ListLiveGrantsByGrantee(ctx context.Context, granteeID string) ([]domain.Grant, error)

	// DeleteGrantsForItem removes every grant of the item and reports how
	// many rows were removed.
	DeleteGrantsForItem(ctx context.Context, itemID string) (int, error)
}
