/*
Package order contains the settlement order lifecycle engine.

PURPOSE:
  This package owns the order state machine for manually-settled
  payments: a buyer transfers funds out of band, uploads proof, and a
  human administrator approves, rejects, or later refunds the order.
  The engine turns those human-mediated events into consistent,
  auditable, exactly-once grants (or revocations) of a time-bounded
  membership entitlement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Order: The payment order with its mutable status fields
  - Status: One of the lifecycle states (see the transition graph below)
  - Proof: Buyer-submitted evidence of an out-of-band transfer
  - Decision/Refund: Administrator action records
  - Tier: A purchasable membership level (Basic/Premium/Enterprise)

STATE GRAPH:
  CREATED ──▶ AWAITING_REVIEW ──▶ SETTLED ──▶ REFUND_PENDING ──▶ REFUNDED
     │               │
     │               └──▶ REJECTED
     ├──▶ CANCELLED
     └──▶ EXPIRED

  REJECTED, CANCELLED, EXPIRED, and REFUNDED are terminal.
  SETTLED is terminal unless a refund is initiated.

DESIGN PRINCIPLES:
  1. Orders are never deleted: terminal orders are retained for audit
     and revenue reporting.
  2. Money is int64 minor currency units (cents). No floats.
  3. Every status change is a compare-and-swap against the status the
     caller read, committed together with its entitlement and audit
     writes or not at all.

SEE ALSO:
  - engine.go: The lifecycle operations (SubmitProof, Approve, ...)
  - store.go: Persistence contract including the CAS transition
  - errors.go: Error taxonomy
*/
package order

import "time"

// =============================================================================
// STATUS - Order lifecycle states
// =============================================================================

type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusAwaitingReview Status = "AWAITING_REVIEW"
	StatusSettled        Status = "SETTLED"
	StatusRejected       Status = "REJECTED"
	StatusCancelled      Status = "CANCELLED"
	StatusExpired        Status = "EXPIRED"
	StatusRefundPending  Status = "REFUND_PENDING"
	StatusRefunded       Status = "REFUNDED"
)

// transitions is the closed set of legal status edges. Any edge not
// listed here is an invalid transition, full stop.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusAwaitingReview, StatusCancelled, StatusExpired},
	StatusAwaitingReview: {StatusSettled, StatusRejected},
	StatusSettled:        {StatusRefundPending},
	StatusRefundPending:  {StatusRefunded},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
// SETTLED is not terminal here because a refund may still be initiated.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// IsFinalForBuyer reports whether a polling buyer can stop waiting.
// SETTLED counts: the buyer got their entitlement.
func (s Status) IsFinalForBuyer() bool {
	return s == StatusSettled || s.IsTerminal()
}

// =============================================================================
// TIER - Membership levels
// =============================================================================

type Tier string

const (
	TierNone       Tier = ""
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierNone:       0,
	TierBasic:      1,
	TierPremium:    2,
	TierEnterprise: 3,
}

// Rank returns the tier ordering: Enterprise > Premium > Basic > none.
func (t Tier) Rank() int { return tierRank[t] }

// Valid reports whether t is a purchasable tier.
func (t Tier) Valid() bool {
	return t == TierBasic || t == TierPremium || t == TierEnterprise
}

// =============================================================================
// CHANNEL - Out-of-band payment channel the buyer transferred through
// =============================================================================

type Channel string

const (
	ChannelAlipay Channel = "alipay"
	ChannelWeChat Channel = "wechat"
)

func (c Channel) Valid() bool {
	return c == ChannelAlipay || c == ChannelWeChat
}

// =============================================================================
// ORDER - Immutable identity, mutable status fields
// =============================================================================

type Order struct {
	ID             string
	OwnerID        string
	Tier           Tier
	DurationMonths int
	AmountCents    int64
	Channel        Channel
	Status         Status

	Proof    *Proof
	Decision *Decision
	Refund   *Refund

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Proof is the buyer-submitted evidence that a transfer occurred.
type Proof struct {
	FileRef              string
	FileType             string
	FileSizeBytes        int64
	UploadedAt           time.Time
	TransactionReference string
	Remark               string
}

// Decision records the administrator action that settled or rejected
// the order.
type Decision struct {
	AdminID   string
	Notes     string
	DecidedAt time.Time
}

// Refund records an admin-initiated refund and its settlement.
type Refund struct {
	AmountCents int64
	Reason      string
	InitiatedBy string
	InitiatedAt time.Time
	SettledAt   *time.Time
}

// Clone returns a deep copy. The engine mutates copies, never the
// caller's order.
func (o *Order) Clone() *Order {
	c := *o
	if o.Proof != nil {
		p := *o.Proof
		c.Proof = &p
	}
	if o.Decision != nil {
		d := *o.Decision
		c.Decision = &d
	}
	if o.Refund != nil {
		r := *o.Refund
		c.Refund = &r
		if o.Refund.SettledAt != nil {
			t := *o.Refund.SettledAt
			c.Refund.SettledAt = &t
		}
	}
	return &c
}

// =============================================================================
// MEMBERSHIP RECORD - The entitlement a settled order grants
// =============================================================================

// MembershipRecord is the buyer's current entitlement. One per owner.
// ExpiresAt == nil means no active entitlement.
//
// PriorTier/PriorExpiresAt capture the entitlement held immediately
// before the most recent grant so a full refund can restore it exactly.
type MembershipRecord struct {
	OwnerID        string
	Tier           Tier
	ExpiresAt      *time.Time
	PriorTier      Tier
	PriorExpiresAt *time.Time

	// GrantOrderID and GrantMonths identify the grant the current
	// entitlement segment came from. GrantBase is the instant the
	// months were added to (grant time, or the previous expiry for an
	// extension); revocation recomputes the expiry forward from it.
	GrantOrderID string
	GrantMonths  int
	GrantBase    time.Time
}

// Active reports whether the entitlement is live at t.
func (m *MembershipRecord) Active(t time.Time) bool {
	return m != nil && m.ExpiresAt != nil && m.ExpiresAt.After(t)
}

// =============================================================================
// AUDIT ENTRY - Immutable record of every transition
// =============================================================================

// ActorSystem is the actor recorded for system-triggered transitions
// (expiry sweep, refund settlement).
const ActorSystem = "system"

type AuditEntry struct {
	ID         string
	OrderID    string
	FromStatus Status
	ToStatus   Status
	Actor      string
	Timestamp  time.Time
	Notes      string
}
