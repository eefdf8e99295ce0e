package domain

import "time"

type GrantStatus string

const (
	GrantPending GrantStatus = "pending"
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// Terminal reports whether no transition leaves s.
func (s GrantStatus) Terminal() bool { return s == GrantRevoked }

// Grant authorizes one grantee to decrypt one item.
//
// A (ItemID, GranteeID) pair has at most one non-revoked grant. Sharing again
// after a revoke creates a new grant with the next Generation; the revoked
// row is kept for history. Version is bumped by the repository on every
// write and is the compare-and-swap token for transitions.
type Grant struct {
	ItemID     string
	GranteeID  string
	GrantedBy  string
	Generation int
	Status     GrantStatus
	Version    int64

	GrantedAt   time.Time
	ActivatedAt *time.Time
	RevokedAt   *time.Time

	AccessCount    int64
	LastAccessedAt *time.Time
}

// NewGrant returns a pending grant.
func NewGrant(itemID, granteeID, grantedBy string, generation int, now time.Time) Grant {
	return Grant{
		ItemID:     itemID,
		GranteeID:  granteeID,
		GrantedBy:  grantedBy,
		Generation: generation,
		Status:     GrantPending,
		GrantedAt:  now,
	}
}

// Live reports whether the grant still counts toward the uniqueness rule.
func (g Grant) Live() bool { return g.Status != GrantRevoked }

// Activate moves a pending grant to active.
func (g Grant) Activate(now time.Time) (Grant, error) {
	const op = "domain.Grant.Activate"
	switch g.Status {
	case GrantPending:
	case GrantActive:
		return g, Errorf(KindInvalidTransition, op, "grant for %s on %s is already active", g.GranteeID, g.ItemID)
	default:
		return g, Errorf(KindInvalidTransition, op, "grant for %s on %s is %s", g.GranteeID, g.ItemID, g.Status)
	}
	g.Status = GrantActive
	g.ActivatedAt = timePtr(now)
	return g, nil
}

// Revoke moves a pending or active grant to revoked.
func (g Grant) Revoke(now time.Time) (Grant, error) {
	if g.Status.Terminal() {
		return g, Errorf(KindInvalidTransition, "domain.Grant.Revoke", "grant for %s on %s is already revoked", g.GranteeID, g.ItemID)
	}
	g.Status = GrantRevoked
	g.RevokedAt = timePtr(now)
	return g, nil
}

// Touch records a successful read by the grantee. Status is unchanged.
func (g Grant) Touch(now time.Time) (Grant, error) {
	if g.Status != GrantActive {
		return g, Errorf(KindInvalidTransition, "domain.Grant.Touch", "grant for %s on %s is %s", g.GranteeID, g.ItemID, g.Status)
	}
	g.AccessCount++
	g.LastAccessedAt = timePtr(now)
	return g, nil
}

func timePtr(t time.Time) *time.Time { return &t }
