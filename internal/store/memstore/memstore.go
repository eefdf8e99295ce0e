// Package memstore keeps items and grants in process memory. It serves
// single-process deployments and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kenneth/document-vault/internal/domain"
)

// Items is an in-memory item repository.
type Items struct {
	mu    sync.RWMutex
	items map[string]*domain.Item
}

func NewItems() *Items {
	return &Items{items: make(map[string]*domain.Item)}
}

func (s *Items) CreateItem(_ context.Context, item *domain.Item, maxPerOwner int) error {
	const op = "memstore.CreateItem"
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return domain.Errorf(domain.KindConflict, op, "item %s already exists", item.ID)
	}
	if maxPerOwner > 0 {
		n := 0
		for _, it := range s.items {
			if it.OwnerID == item.OwnerID && it.Status != domain.ItemDeleted {
				n++
			}
		}
		if n >= maxPerOwner {
			return domain.Errorf(domain.KindValidation, op, "owner already has %d items (limit %d)", n, maxPerOwner)
		}
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *Items) GetItem(_ context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "memstore.GetItem", "item %s", id)
	}
	return it.Clone(), nil
}

func (s *Items) UpdateItemStatus(_ context.Context, id string, from, to domain.ItemStatus, at time.Time) (*domain.Item, error) {
	const op = "memstore.UpdateItemStatus"
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, op, "item %s", id)
	}
	if it.Status != from {
		return nil, domain.Errorf(domain.KindConflict, op, "item %s is %s, expected %s", id, it.Status, from)
	}
	it.Status = to
	it.UpdatedAt = at
	if to == domain.ItemDeleted {
		shred(it)
	}
	return it.Clone(), nil
}

func (s *Items) ListItemsByOwner(_ context.Context, ownerID string) ([]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Item
	for _, it := range s.items {
		if it.OwnerID == ownerID && it.Status != domain.ItemDeleted {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Items) HealthCheck(context.Context) error { return nil }

func shred(it *domain.Item) {
	for _, b := range [][]byte{it.WrappedKey, it.EncryptedFormData, it.FormNonce, it.SourceNonce} {
		for i := range b {
			b[i] = 0
		}
	}
	it.WrappedKey = nil
	it.EncryptedFormData = nil
	it.FormNonce = nil
	it.SourceNonce = nil
}

type pair struct{ item, grantee string }

// Grants is an in-memory grant repository. A single mutex makes create and
// compare-and-swap atomic.
type Grants struct {
	mu sync.Mutex
	// generations holds every generation of a pair, oldest first.
	generations map[pair][]domain.Grant
}

func NewGrants() *Grants {
	return &Grants{generations: make(map[pair][]domain.Grant)}
}

func (s *Grants) CreateGrant(_ context.Context, g domain.Grant, maxLive int) (domain.Grant, error) {
	const op = "memstore.CreateGrant"
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair{g.ItemID, g.GranteeID}
	gens := s.generations[key]
	if n := len(gens); n > 0 {
		latest := gens[n-1]
		if latest.Live() {
			return domain.Grant{}, domain.Errorf(domain.KindDuplicateGrant, op, "grantee %s already holds a %s grant", g.GranteeID, latest.Status)
		}
		if g.Generation <= latest.Generation {
			return domain.Grant{}, domain.Errorf(domain.KindDuplicateGrant, op, "generation %d already used", g.Generation)
		}
	}
	if maxLive > 0 {
		live := 0
		for k, gs := range s.generations {
			if k.item == g.ItemID && gs[len(gs)-1].Live() {
				live++
			}
		}
		if live >= maxLive {
			return domain.Grant{}, domain.Errorf(domain.KindValidation, op, "item %s already has %d live grants (limit %d)", g.ItemID, live, maxLive)
		}
	}
	g.Version = 1
	s.generations[key] = append(gens, g)
	return g, nil
}

func (s *Grants) LatestGrant(_ context.Context, itemID, granteeID string) (domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gens := s.generations[pair{itemID, granteeID}]
	if len(gens) == 0 {
		return domain.Grant{}, domain.Errorf(domain.KindNotFound, "memstore.LatestGrant", "no grant for %s on %s", granteeID, itemID)
	}
	return gens[len(gens)-1], nil
}

func (s *Grants) UpdateGrant(_ context.Context, g domain.Grant, expectedVersion int64) (domain.Grant, error) {
	const op = "memstore.UpdateGrant"
	s.mu.Lock()
	defer s.mu.Unlock()

	gens := s.generations[pair{g.ItemID, g.GranteeID}]
	for i := range gens {
		if gens[i].Generation != g.Generation {
			continue
		}
		if gens[i].Version != expectedVersion {
			return domain.Grant{}, domain.Errorf(domain.KindConflict, op, "grant version is %d, expected %d", gens[i].Version, expectedVersion)
		}
		g.Version = expectedVersion + 1
		gens[i] = g
		return g, nil
	}
	return domain.Grant{}, domain.Errorf(domain.KindNotFound, op, "no generation %d grant for %s on %s", g.Generation, g.GranteeID, g.ItemID)
}

func (s *Grants) ListGrantsByItem(_ context.Context, itemID string) ([]domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Grant
	for k, gens := range s.generations {
		if k.item == itemID {
			out = append(out, gens...)
		}
	}
	sortGrants(out)
	return out, nil
}

func (s *Grants) ListLiveGrantsByGrantee(_ context.Context, granteeID string) ([]domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Grant
	for k, gens := range s.generations {
		if k.grantee != granteeID {
			continue
		}
		if latest := gens[len(gens)-1]; latest.Live() {
			out = append(out, latest)
		}
	}
	sortGrants(out)
	return out, nil
}

func (s *Grants) DeleteGrantsForItem(_ context.Context, itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, gens := range s.generations {
		if k.item == itemID {
			n += len(gens)
			delete(s.generations, k)
		}
	}
	return n, nil
}

func sortGrants(gs []domain.Grant) {
	sort.Slice(gs, func(i, j int) bool {
		a, b := gs[i], gs[j]
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		if a.GranteeID != b.GranteeID {
			return a.GranteeID < b.GranteeID
		}
		return a.Generation < b.Generation
	})
}
