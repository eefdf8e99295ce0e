// Package storetest holds behaviour tests shared by every repository
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/access"
	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/vault"
)

var base = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

// NewItem returns a valid manual item for owner.
func NewItem(owner string, created time.Time) *domain.Item {
	return &domain.Item{
		ID:                uuid.NewString(),
		OwnerID:           owner,
		CreationMode:      domain.ModeManual,
		Algorithm:         "AES-256-GCM",
		WrappedKey:        []byte(`{"provider":"fake","ciphertext":"AQID"}`),
		EncryptedFormData: []byte{0xde, 0xad, 0xbe, 0xef},
		FormNonce:         make([]byte, 12),
		Status:            domain.ItemActive,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

// RunItemRepository exercises the vault.ItemRepository contract.
func RunItemRepository(t *testing.T, newRepo func(t *testing.T) vault.ItemRepository) {
	t.Run("CreateGetList", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := "owner-" + uuid.NewString()

		older := NewItem(owner, base)
		newer := NewItem(owner, base.Add(time.Minute))
		imported := NewItem(owner, base.Add(2*time.Minute))
		imported.CreationMode = domain.ModeImport
		imported.HasSourceFile = true
		imported.SourceBlobRef = "vault/" + owner + "/x/source-1.bin"
		imported.SourceNonce = make([]byte, 12)
		imported.SourceFileName = "scan.pdf"
		imported.SourceContentType = "application/pdf"
		imported.SourceSize = 2048
		imported.TemplateID = "will-template"

		for _, it := range []*domain.Item{older, newer, imported} {
			require.NoError(t, repo.CreateItem(ctx, it, 10))
		}

		got, err := repo.GetItem(ctx, imported.ID)
		require.NoError(t, err)
		assert.Equal(t, imported.OwnerID, got.OwnerID)
		assert.Equal(t, imported.WrappedKey, got.WrappedKey)
		assert.Equal(t, imported.SourceBlobRef, got.SourceBlobRef)
		assert.Equal(t, imported.SourceSize, got.SourceSize)
		assert.Equal(t, imported.TemplateID, got.TemplateID)
		assert.True(t, got.HasSourceFile)
		assert.True(t, imported.CreatedAt.Equal(got.CreatedAt))

		list, err := repo.ListItemsByOwner(ctx, owner)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, imported.ID, list[0].ID)
		assert.Equal(t, older.ID, list[2].ID)

		_, err = repo.GetItem(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)

		assert.ErrorIs(t, repo.CreateItem(ctx, older, 10), domain.ErrConflict)
		require.NoError(t, repo.HealthCheck(ctx))
	})

	t.Run("OwnerCap", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := "owner-" + uuid.NewString()

		first := NewItem(owner, base)
		require.NoError(t, repo.CreateItem(ctx, first, 2))
		require.NoError(t, repo.CreateItem(ctx, NewItem(owner, base), 2))
		err := repo.CreateItem(ctx, NewItem(owner, base), 2)
		assert.ErrorIs(t, err, domain.ErrValidation)

		// Deleted items do not count.
		_, err = repo.UpdateItemStatus(ctx, first.ID, domain.ItemActive, domain.ItemDeleted, base)
		require.NoError(t, err)
		require.NoError(t, repo.CreateItem(ctx, NewItem(owner, base), 2))
	})

	t.Run("StatusCompareAndSwap", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		it := NewItem("owner-"+uuid.NewString(), base)
		require.NoError(t, repo.CreateItem(ctx, it, 0))

		archived, err := repo.UpdateItemStatus(ctx, it.ID, domain.ItemActive, domain.ItemArchived, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, domain.ItemArchived, archived.Status)
		assert.True(t, base.Add(time.Hour).Equal(archived.UpdatedAt))

		_, err = repo.UpdateItemStatus(ctx, it.ID, domain.ItemActive, domain.ItemDeleted, base)
		assert.ErrorIs(t, err, domain.ErrConflict)

		deleted, err := repo.UpdateItemStatus(ctx, it.ID, domain.ItemArchived, domain.ItemDeleted, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, domain.ItemDeleted, deleted.Status)
		assert.Empty(t, deleted.WrappedKey, "deleting an item discards its wrapped key")
		assert.Empty(t, deleted.EncryptedFormData)

		stored, err := repo.GetItem(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ItemDeleted, stored.Status)
		assert.Empty(t, stored.WrappedKey)

		list, err := repo.ListItemsByOwner(ctx, it.OwnerID)
		require.NoError(t, err)
		assert.Empty(t, list)

		_, err = repo.UpdateItemStatus(ctx, uuid.NewString(), domain.ItemActive, domain.ItemArchived, base)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

// RunGrantRepository exercises the access.GrantRepository contract.
func RunGrantRepository(t *testing.T, newRepo func(t *testing.T) access.GrantRepository) {
	t.Run("CreateAndLatest", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		item := uuid.NewString()

		created, err := repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 1, base), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		latest, err := repo.LatestGrant(ctx, item, "u2")
		require.NoError(t, err)
		assert.Equal(t, domain.GrantPending, latest.Status)
		assert.Equal(t, "u1", latest.GrantedBy)
		assert.Equal(t, 1, latest.Generation)
		assert.True(t, base.Equal(latest.GrantedAt))

		_, err = repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 2, base), 0)
		assert.ErrorIs(t, err, domain.ErrDuplicateGrant)

		_, err = repo.LatestGrant(ctx, item, "nobody")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		item := uuid.NewString()

		g, err := repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 1, base), 0)
		require.NoError(t, err)

		active, err := g.Activate(base.Add(time.Minute))
		require.NoError(t, err)
		updated, err := repo.UpdateGrant(ctx, active, g.Version)
		require.NoError(t, err)
		assert.Equal(t, g.Version+1, updated.Version)

		// A writer still holding the old version loses.
		revoked, err := g.Revoke(base.Add(2 * time.Minute))
		require.NoError(t, err)
		_, err = repo.UpdateGrant(ctx, revoked, g.Version)
		assert.ErrorIs(t, err, domain.ErrConflict)

		latest, err := repo.LatestGrant(ctx, item, "u2")
		require.NoError(t, err)
		assert.Equal(t, domain.GrantActive, latest.Status)
		require.NotNil(t, latest.ActivatedAt)
		assert.True(t, base.Add(time.Minute).Equal(*latest.ActivatedAt))
	})

	t.Run("GenerationsAfterRevoke", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		item := uuid.NewString()

		g, err := repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 1, base), 0)
		require.NoError(t, err)
		revoked, err := g.Revoke(base)
		require.NoError(t, err)
		_, err = repo.UpdateGrant(ctx, revoked, g.Version)
		require.NoError(t, err)

		_, err = repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 1, base), 0)
		assert.ErrorIs(t, err, domain.ErrDuplicateGrant, "generation numbers are never reused")

		second, err := repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 2, base.Add(time.Hour)), 0)
		require.NoError(t, err)
		assert.Equal(t, 2, second.Generation)

		latest, err := repo.LatestGrant(ctx, item, "u2")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Generation)
		assert.Equal(t, domain.GrantPending, latest.Status)

		all, err := repo.ListGrantsByItem(ctx, item)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, domain.GrantRevoked, all[0].Status)
	})

	t.Run("LiveLimit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		item := uuid.NewString()

		for i := 0; i < 3; i++ {
			_, err := repo.CreateGrant(ctx, domain.NewGrant(item, fmt.Sprintf("g%d", i), "u1", 1, base), 3)
			require.NoError(t, err)
		}
		_, err := repo.CreateGrant(ctx, domain.NewGrant(item, "g3", "u1", 1, base), 3)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		itemA, itemB := uuid.NewString(), uuid.NewString()
		grantee := "grantee-" + uuid.NewString()

		_, err := repo.CreateGrant(ctx, domain.NewGrant(itemA, grantee, "u1", 1, base), 0)
		require.NoError(t, err)
		gb, err := repo.CreateGrant(ctx, domain.NewGrant(itemB, grantee, "u1", 1, base), 0)
		require.NoError(t, err)
		_, err = repo.CreateGrant(ctx, domain.NewGrant(itemA, "other", "u1", 1, base), 0)
		require.NoError(t, err)

		revoked, err := gb.Revoke(base)
		require.NoError(t, err)
		_, err = repo.UpdateGrant(ctx, revoked, gb.Version)
		require.NoError(t, err)

		live, err := repo.ListLiveGrantsByGrantee(ctx, grantee)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, itemA, live[0].ItemID)

		n, err := repo.DeleteGrantsForItem(ctx, itemA)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = repo.DeleteGrantsForItem(ctx, itemA)
		require.NoError(t, err)
		assert.Zero(t, n)

		all, err := repo.ListGrantsByItem(ctx, itemA)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		item := uuid.NewString()

		const workers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			dupes     int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 1, base), 0)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case domain.KindOf(err) == domain.KindDuplicateGrant:
					dupes++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, dupes)
	})

	t.Run("ConcurrentUpdate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		item := uuid.NewString()
		g, err := repo.CreateGrant(ctx, domain.NewGrant(item, "u2", "u1", 1, base), 0)
		require.NoError(t, err)

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next, _ := g.Activate(base)
				_, err := repo.UpdateGrant(ctx, next, g.Version)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if domain.KindOf(err) != domain.KindConflict {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
