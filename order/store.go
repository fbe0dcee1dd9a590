/*
store.go - Persistence contract for orders, memberships, and audit

PURPOSE:
  Defines the interface between the lifecycle engine and the ledger
  store. The single correctness-critical method is ApplyTransition:
  a compare-and-swap on (orderID, status) that commits the new order
  state, the optional membership write, and the audit entry as one
  atomic unit - or none of them.

COMPARE-AND-SWAP CONTRACT:
  ApplyTransition must, inside one store transaction:
    1. Re-check that the order's status still equals Set.From
    2. Write the updated order (status, decision/refund/proof fields,
       UpdatedAt)
    3. Write the membership record, if Set.Membership != nil
    4. Append the audit entry
  If the status check fails, abort with *ConflictError. In-process
  locking is not sufficient on its own: multiple service instances may
  run concurrently, so the store itself must guarantee atomicity.

AUDIT CONTRACT:
  Audit entries are append-only. No update, no delete. Ever.

IMPLEMENTATIONS:
  - store/sqlite:     Durable, single UPDATE ... WHERE status=? CAS
  - order/store:      In-memory, for unit tests

SEE ALSO:
  - engine.go: The only writer through this interface
  - store/sqlite/sqlite.go: Production implementation
*/
package order

import (
	"context"
	"time"
)

// =============================================================================
// TRANSITION SET - One atomic unit of settlement work
// =============================================================================

// TransitionSet is everything a single accepted transition writes.
// Order carries the full post-transition state; From is the status the
// engine read immediately before building the set.
type TransitionSet struct {
	From       Status
	Order      *Order
	Membership *MembershipRecord
	Audit      AuditEntry
}

// =============================================================================
// STORE - Ledger store contract
// =============================================================================

// Store is the transactional ledger for orders and memberships.
//
// All reads are at least as fresh as the store's own read consistency;
// the status notifier adds no caching on top.
type Store interface {
	// CreateOrder persists a new order in status CREATED.
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrder returns the order or ErrNotFound.
	GetOrder(ctx context.Context, id string) (*Order, error)

	// ListByStatus returns orders currently in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error)

	// ListExpiredCandidates returns up to limit CREATED orders whose
	// CreatedAt is at or before cutoff, oldest first. The sweep calls
	// this in pages.
	ListExpiredCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	// ApplyTransition performs the compare-and-swap commit described
	// in the package comment. Returns *ConflictError if the stored
	// status no longer equals set.From, ErrNotFound if the order is
	// gone.
	ApplyTransition(ctx context.Context, set TransitionSet) error

	// GetMembership returns the owner's membership record, or nil if
	// the owner never held one.
	GetMembership(ctx context.Context, ownerID string) (*MembershipRecord, error)

	// AuditTrail returns the audit entries for an order in append
	// order.
	AuditTrail(ctx context.Context, orderID string) ([]AuditEntry, error)
}

// =============================================================================
// REPORTING READS - Aggregates over terminal/immutable data
// =============================================================================

// StatusCount is one row of a per-status aggregate.
type StatusCount struct {
	Status Status
	Count  int64
}

// RevenueRow is the raw material for revenue reporting: one settled or
// refunded order's money fields.
type RevenueRow struct {
	OrderID           string
	Status            Status
	AmountCents       int64
	RefundAmountCents int64
}

// ReportingStore is the read-only aggregate surface consumed by the
// report package. Date range is [from, to) on CreatedAt.
type ReportingStore interface {
	CountByStatus(ctx context.Context, from, to time.Time) ([]StatusCount, error)
	RevenueRows(ctx context.Context, from, to time.Time) ([]RevenueRow, error)
}
