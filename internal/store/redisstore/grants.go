package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/document-vault/internal/domain"
)

type grantRecord struct {
	GranteeID      string     `json:"grantee_id"`
	GrantedBy      string     `json:"granted_by"`
	Generation     int        `json:"generation"`
	Status         string     `json:"status"`
	Version        int64      `json:"version"`
	GrantedAt      time.Time  `json:"granted_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	AccessCount    int64      `json:"access_count,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

func toGrantRecord(g domain.Grant) grantRecord {
	return grantRecord{
		GranteeID:      g.GranteeID,
		GrantedBy:      g.GrantedBy,
		Generation:     g.Generation,
		Status:         string(g.Status),
		Version:        g.Version,
		GrantedAt:      g.GrantedAt,
		ActivatedAt:    g.ActivatedAt,
		RevokedAt:      g.RevokedAt,
		AccessCount:    g.AccessCount,
		LastAccessedAt: g.LastAccessedAt,
	}
}

func (r grantRecord) toDomain(itemID string) domain.Grant {
	return domain.Grant{
		ItemID:         itemID,
		GranteeID:      r.GranteeID,
		GrantedBy:      r.GrantedBy,
		Generation:     r.Generation,
		Status:         domain.GrantStatus(r.Status),
		Version:        r.Version,
		GrantedAt:      r.GrantedAt,
		ActivatedAt:    r.ActivatedAt,
		RevokedAt:      r.RevokedAt,
		AccessCount:    r.AccessCount,
		LastAccessedAt: r.LastAccessedAt,
	}
}

// Grants is a Redis grant repository. All grants of one item live in a hash
// keyed by grantee, each field holding every generation for that grantee.
// Watching the hash serialises writers on the same item.
type Grants struct {
	client  redis.UniversalClient
	keys    keys
	timeout time.Duration
}

func NewGrants(client redis.UniversalClient, prefix string, timeout time.Duration) *Grants {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Grants{client: client, keys: keys{prefix: prefix}, timeout: timeout}
}

type generations []grantRecord

func (g generations) latest() (grantRecord, bool) {
	if len(g) == 0 {
		return grantRecord{}, false
	}
	return g[len(g)-1], true
}

func decodeGenerations(raw string) (generations, error) {
	var gens generations
	if err := json.Unmarshal([]byte(raw), &gens); err != nil {
		return nil, err
	}
	return gens, nil
}

func (s *Grants) CreateGrant(ctx context.Context, g domain.Grant, maxLive int) (domain.Grant, error) {
	const op = "redisstore.CreateGrant"
	hashKey := s.keys.itemGrants(g.ItemID)
	var created domain.Grant

	err := withTx(ctx, s.client, s.timeout, op, func(tx *redis.Tx) error {
		all, err := tx.HGetAll(ctx, hashKey).Result()
		if err != nil {
			return err
		}
		var gens generations
		live := 0
		for grantee, raw := range all {
			gs, err := decodeGenerations(raw)
			if err != nil {
				return err
			}
			if grantee == g.GranteeID {
				gens = gs
			}
			if latest, ok := gs.latest(); ok && latest.Status != string(domain.GrantRevoked) {
				live++
			}
		}
		if latest, ok := gens.latest(); ok {
			if latest.Status != string(domain.GrantRevoked) {
				return domain.Errorf(domain.KindDuplicateGrant, op, "grantee %s already holds a %s grant", g.GranteeID, latest.Status)
			}
			if g.Generation <= latest.Generation {
				return domain.Errorf(domain.KindDuplicateGrant, op, "generation %d already used", g.Generation)
			}
		}
		if maxLive > 0 && live >= maxLive {
			return domain.Errorf(domain.KindValidation, op, "item %s already has %d live grants (limit %d)", g.ItemID, live, maxLive)
		}

		g.Version = 1
		payload, err := json.Marshal(append(gens, toGrantRecord(g)))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hashKey, g.GranteeID, payload)
			pipe.SAdd(ctx, s.keys.granteeItems(g.GranteeID), g.ItemID)
			return nil
		})
		created = g
		return err
	}, hashKey)
	if err != nil {
		return domain.Grant{}, storeError(op, err)
	}
	return created, nil
}

func (s *Grants) LatestGrant(ctx context.Context, itemID, granteeID string) (domain.Grant, error) {
	const op = "redisstore.LatestGrant"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.HGet(ctx, s.keys.itemGrants(itemID), granteeID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Grant{}, domain.Errorf(domain.KindNotFound, op, "no grant for %s on %s", granteeID, itemID)
	}
	if err != nil {
		return domain.Grant{}, storeError(op, err)
	}
	gens, err := decodeGenerations(raw)
	if err != nil {
		return domain.Grant{}, domain.E(domain.KindUnknown, op, err)
	}
	latest, ok := gens.latest()
	if !ok {
		return domain.Grant{}, domain.Errorf(domain.KindNotFound, op, "no grant for %s on %s", granteeID, itemID)
	}
	return latest.toDomain(itemID), nil
}

func (s *Grants) UpdateGrant(ctx context.Context, g domain.Grant, expectedVersion int64) (domain.Grant, error) {
	const op = "redisstore.UpdateGrant"
	hashKey := s.keys.itemGrants(g.ItemID)
	var updated domain.Grant

	err := withTx(ctx, s.client, s.timeout, op, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, hashKey, g.GranteeID).Result()
		if errors.Is(err, redis.Nil) {
			return domain.Errorf(domain.KindNotFound, op, "no grant for %s on %s", g.GranteeID, g.ItemID)
		}
		if err != nil {
			return err
		}
		gens, err := decodeGenerations(raw)
		if err != nil {
			return err
		}
		idx := -1
		for i := range gens {
			if gens[i].Generation == g.Generation {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.Errorf(domain.KindNotFound, op, "no generation %d grant for %s on %s", g.Generation, g.GranteeID, g.ItemID)
		}
		if gens[idx].Version != expectedVersion {
			return domain.Errorf(domain.KindConflict, op, "grant version is %d, expected %d", gens[idx].Version, expectedVersion)
		}
		g.Version = expectedVersion + 1
		gens[idx] = toGrantRecord(g)
		payload, err := json.Marshal(gens)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hashKey, g.GranteeID, payload)
			return nil
		})
		updated = g
		return err
	}, hashKey)
	if err != nil {
		return domain.Grant{}, storeError(op, err)
	}
	return updated, nil
}

func (s *Grants) ListGrantsByItem(ctx context.Context, itemID string) ([]domain.Grant, error) {
	const op = "redisstore.ListGrantsByItem"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	all, err := s.client.HGetAll(ctx, s.keys.itemGrants(itemID)).Result()
	if err != nil {
		return nil, storeError(op, err)
	}
	var out []domain.Grant
	for _, raw := range all {
		gens, err := decodeGenerations(raw)
		if err != nil {
			return nil, domain.E(domain.KindUnknown, op, err)
		}
		for _, rec := range gens {
			out = append(out, rec.toDomain(itemID))
		}
	}
	sortGrants(out)
	return out, nil
}

func (s *Grants) ListLiveGrantsByGrantee(ctx context.Context, granteeID string) ([]domain.Grant, error) {
	const op = "redisstore.ListLiveGrantsByGrantee"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	itemIDs, err := s.client.SMembers(ctx, s.keys.granteeItems(granteeID)).Result()
	if err != nil {
		return nil, storeError(op, err)
	}
	var out []domain.Grant
	for _, itemID := range itemIDs {
		raw, err := s.client.HGet(ctx, s.keys.itemGrants(itemID), granteeID).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, storeError(op, err)
		}
		gens, err := decodeGenerations(raw)
		if err != nil {
			return nil, domain.E(domain.KindUnknown, op, err)
		}
		if latest, ok := gens.latest(); ok && latest.Status != string(domain.GrantRevoked) {
			out = append(out, latest.toDomain(itemID))
		}
	}
	sortGrants(out)
	return out, nil
}

func (s *Grants) DeleteGrantsForItem(ctx context.Context, itemID string) (int, error) {
	const op = "redisstore.DeleteGrantsForItem"
	hashKey := s.keys.itemGrants(itemID)
	removed := 0

	err := withTx(ctx, s.client, s.timeout, op, func(tx *redis.Tx) error {
		all, err := tx.HGetAll(ctx, hashKey).Result()
		if err != nil {
			return err
		}
		n := 0
		for _, raw := range all {
			gens, err := decodeGenerations(raw)
			if err != nil {
				return err
			}
			n += len(gens)
		}
		if n == 0 {
			removed = 0
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, hashKey)
			for grantee := range all {
				pipe.SRem(ctx, s.keys.granteeItems(grantee), itemID)
			}
			return nil
		})
		removed = n
		return err
	}, hashKey)
	if err != nil {
		return 0, storeError(op, err)
	}
	return removed, nil
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
