package access_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/access"
	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/store/memstore"
)

func newStore(t *testing.T, opts access.Options) (*access.Store, *memstore.Grants) {
	t.Helper()
	repo := memstore.NewGrants()
	return access.NewStore(repo, opts), repo
}

func TestStore_Lifecycle(t *testing.T) {
	store, _ := newStore(t, access.Options{})
	ctx := context.Background()

	g, err := store.Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantPending, g.Status)
	assert.Equal(t, 1, g.Generation)

	ok, err := store.IsAuthorized(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.False(t, ok, "pending grants do not authorize")

	g, err = store.Activate(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantActive, g.Status)

	ok, err = store.IsAuthorized(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	g, err = store.RecordAccess(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.AccessCount)

	g, err = store.Revoke(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantRevoked, g.Status)

	ok, err = store.IsAuthorized(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Activate(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "revoked grants never become active again")
	_, err = store.Revoke(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStore_ReshareAfterRevokeStartsNewGeneration(t *testing.T) {
	store, _ := newStore(t, access.Options{})
	ctx := context.Background()

	_, err := store.Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)
	_, err = store.Revoke(ctx, "item-1", "u2")
	require.NoError(t, err)

	g, err := store.Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Generation)
	assert.Equal(t, domain.GrantPending, g.Status)

	grants, err := store.ListForItem(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, grants, 1, "only the current generation is listed")
	assert.Equal(t, 2, grants[0].Generation)
}

func TestStore_ShareValidation(t *testing.T) {
	store, _ := newStore(t, access.Options{MaxLivePerItem: 2})
	ctx := context.Background()

	_, err := store.Share(ctx, "item-1", "u1", "u1")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = store.Share(ctx, "", "u1", "u2")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)
	_, err = store.Share(ctx, "item-1", "u1", "u2")
	assert.ErrorIs(t, err, domain.ErrDuplicateGrant)

	_, err = store.Share(ctx, "item-1", "u1", "u3")
	require.NoError(t, err)
	_, err = store.Share(ctx, "item-1", "u1", "u4")
	assert.ErrorIs(t, err, domain.ErrValidation, "share limit reached")

	// Revoking frees a slot.
	_, err = store.Revoke(ctx, "item-1", "u3")
	require.NoError(t, err)
	_, err = store.Share(ctx, "item-1", "u1", "u4")
	require.NoError(t, err)
}

func TestStore_TransitionsOnMissingGrant(t *testing.T) {
	store, _ := newStore(t, access.Options{})
	ctx := context.Background()

	_, err := store.Activate(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Revoke(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Get(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := store.IsAuthorized(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ConcurrentShareCreatesExactlyOneGrant(t *testing.T) {
	store, repo := newStore(t, access.Options{})
	ctx := context.Background()

	const callers = 20
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Share(ctx, "item-1", "u1", "u2")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case domain.KindOf(err) == domain.KindDuplicateGrant:
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, dup)

	all, err := repo.ListGrantsByItem(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.GrantPending, all[0].Status)
}

// interleavingRepo runs hook once, right before the first UpdateGrant, to
// simulate another writer landing between a read and its write.
type interleavingRepo struct {
	access.GrantRepository
	once sync.Once
	hook func()
}

func (r *interleavingRepo) UpdateGrant(ctx context.Context, g domain.Grant, expected int64) (domain.Grant, error) {
	r.once.Do(r.hook)
	return r.GrantRepository.UpdateGrant(ctx, g, expected)
}

func TestStore_StaleActivateCannotResurrectRevokedGrant(t *testing.T) {
	inner := memstore.NewGrants()
	ctx := context.Background()
	setup := access.NewStore(inner, access.Options{})
	_, err := setup.Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)

	repo := &interleavingRepo{GrantRepository: inner}
	repo.hook = func() {
		_, err := setup.Revoke(ctx, "item-1", "u2")
		require.NoError(t, err)
	}
	store := access.NewStore(repo, access.Options{})

	_, err = store.Activate(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	g, err := store.Get(ctx, "item-1", "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantRevoked, g.Status)
}

func TestStore_RevokeRetriesAfterConcurrentActivate(t *testing.T) {
	inner := memstore.NewGrants()
	ctx := context.Background()
	setup := access.NewStore(inner, access.Options{})
	_, err := setup.Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)

	repo := &interleavingRepo{GrantRepository: inner}
	repo.hook = func() {
		_, err := setup.Activate(ctx, "item-1", "u2")
		require.NoError(t, err)
	}
	store := access.NewStore(repo, access.Options{})

	g, err := store.Revoke(ctx, "item-1", "u2")
	require.NoError(t, err, "revoke is valid from active too, so the retry succeeds")
	assert.Equal(t, domain.GrantRevoked, g.Status)
	require.NotNil(t, g.ActivatedAt)
	assert.Equal(t, int64(3), g.Version)
}

// alwaysConflict never lets an update through.
type alwaysConflict struct{ access.GrantRepository }

func (alwaysConflict) UpdateGrant(context.Context, domain.Grant, int64) (domain.Grant, error) {
	return domain.Grant{}, domain.Errorf(domain.KindConflict, "test", "busy")
}

func TestStore_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := memstore.NewGrants()
	ctx := context.Background()
	_, err := access.NewStore(inner, access.Options{}).Share(ctx, "item-1", "u1", "u2")
	require.NoError(t, err)

	store := access.NewStore(alwaysConflict{inner}, access.Options{MaxAttempts: 3})
	_, err = store.Activate(ctx, "item-1", "u2")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestStore_ListForGrantee(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	store, _ := newStore(t, access.Options{Now: func() time.Time { return clock }})
	ctx := context.Background()

	for _, item := range []string{"a", "b", "c"} {
		_, err := store.Share(ctx, item, "u1", "u2")
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}
	_, err := store.Revoke(ctx, "b", "u2")
	require.NoError(t, err)

	grants, err := store.ListForGrantee(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "c", grants[0].ItemID, "newest first")
	assert.Equal(t, "a", grants[1].ItemID)

	n, err := store.RemoveAllForItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.RemoveAllForItem(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveGrantTransition(transition string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	key := transition
	if err != nil {
		key += ":error"
	}
	o.counts[key]++
}

func TestStore_Observer(t *testing.T) {
	obs := &countingObserver{}
	store, _ := newStore(t, access.Options{Observer: obs})
	ctx := context.Background()

	_, _ = store.Share(ctx, "item-1", "u1", "u2")
	_, _ = store.Share(ctx, "item-1", "u1", "u2")
	_, _ = store.Activate(ctx, "item-1", "u2")
	_, _ = store.Revoke(ctx, "item-1", "u2")

	assert.Equal(t, map[string]int{"share": 1, "share:error": 1, "activate": 1, "revoke": 1}, obs.counts)
}
