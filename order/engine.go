/*
engine.go - Order lifecycle engine

PURPOSE:
  Owns every mutation of an order. Each operation:
    1. Reads the order and checks the precondition status
    2. Computes the side effects (entitlement grant or revocation)
    3. Hands the store one TransitionSet - the compare-and-swap commit
       of order + membership + audit, all or nothing

RACE RULE:
  Two administrators acting on the same AWAITING_REVIEW order both read
  the same status; only the one whose compare-and-swap commits first
  wins. The loser gets ErrConflict, never a silent overwrite. Contention
  is scoped to a single order id - actors on different orders never
  contend.

IDEMPOTENT RETRIES:
  If the same actor retries the identical action after it already
  succeeded (network retry, double click), the engine returns the
  original success result instead of an error. "Identical" means the
  same admin id, and for reject/refund the same notes/amount.

CLOCK:
  now is injectable so tests can pin time. All operations stamp
  UpdatedAt from the same reading they use for business time.

SEE ALSO:
  - types.go: State graph
  - store.go: ApplyTransition contract
  - entitlement/calculator.go: Grant/revoke math
*/
package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// =============================================================================
// ENTITLEMENT CALCULATOR - Provided by the entitlement package
// =============================================================================

// Calculator computes membership side effects. Pure: the engine applies
// the returned record inside the same store transaction as the order
// transition.
type Calculator interface {
	Grant(current *MembershipRecord, ownerID, orderID string, tier Tier, months int, t time.Time) (*MembershipRecord, error)
	Revoke(current *MembershipRecord, refundCents, originalCents int64, t time.Time) (*MembershipRecord, error)
}

// =============================================================================
// PROOF POLICY - Constraints on uploaded payment proof
// =============================================================================

// ProofPolicy is the allow-list and ceiling applied to submitted proof.
type ProofPolicy struct {
	AllowedTypes []string
	MaxSizeBytes int64
}

// DefaultProofPolicy matches the production constraints: JPEG/PNG, 5 MiB.
func DefaultProofPolicy() ProofPolicy {
	return ProofPolicy{
		AllowedTypes: []string{"image/jpeg", "image/png"},
		MaxSizeBytes: 5 << 20,
	}
}

func (p ProofPolicy) validate(proof Proof) error {
	if proof.FileRef == "" {
		return &ValidationError{Field: "proof.fileRef", Message: "required"}
	}
	allowed := false
	for _, t := range p.AllowedTypes {
		if t == proof.FileType {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ValidationError{Field: "proof.fileType", Message: "type not allowed: " + proof.FileType}
	}
	if proof.FileSizeBytes <= 0 || proof.FileSizeBytes > p.MaxSizeBytes {
		return &ValidationError{Field: "proof.fileSizeBytes", Message: "size out of range"}
	}
	return nil
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the order lifecycle engine. It is the only writer of order
// status and the only producer of membership mutations.
type Engine struct {
	store        Store
	calc         Calculator
	proofPolicy  ProofPolicy
	reviewWindow time.Duration
	now          func() time.Time
}

// DefaultReviewWindow matches the observed client polling ceiling: a
// CREATED order with no proof after this long is expired by the sweep.
const DefaultReviewWindow = 10 * time.Minute

// NewEngine creates an engine with production defaults.
func NewEngine(store Store, calc Calculator) *Engine {
	return &Engine{
		store:        store,
		calc:         calc,
		proofPolicy:  DefaultProofPolicy(),
		reviewWindow: DefaultReviewWindow,
		now:          time.Now,
	}
}

// WithClock replaces the engine's clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithReviewWindow overrides the expiry window.
func (e *Engine) WithReviewWindow(d time.Duration) *Engine {
	e.reviewWindow = d
	return e
}

// ReviewWindow returns the configured expiry window.
func (e *Engine) ReviewWindow() time.Duration { return e.reviewWindow }

// =============================================================================
// ORDER CREATION - Buyer-facing seeding surface
// =============================================================================

// NewOrder validates and persists a new order in CREATED. The full
// buyer checkout flow lives outside this subsystem; this is the entry
// point it calls.
func (e *Engine) NewOrder(ctx context.Context, ownerID string, tier Tier, months int, amountCents int64, channel Channel) (*Order, error) {
	if ownerID == "" {
		return nil, &ValidationError{Field: "ownerId", Message: "required"}
	}
	if !tier.Valid() {
		return nil, &ValidationError{Field: "tier", Message: "unknown tier"}
	}
	if months <= 0 {
		return nil, &ValidationError{Field: "durationMonths", Message: "must be positive"}
	}
	if amountCents < 0 {
		return nil, &ValidationError{Field: "amountCents", Message: "must not be negative"}
	}
	if !channel.Valid() {
		return nil, &ValidationError{Field: "channel", Message: "unknown channel"}
	}

	now := e.now()
	o := &Order{
		ID:             "ord-" + shortuuid.New(),
		OwnerID:        ownerID,
		Tier:           tier,
		DurationMonths: months,
		AmountCents:    amountCents,
		Channel:        channel,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// SubmitProof attaches payment proof and moves CREATED -> AWAITING_REVIEW.
func (e *Engine) SubmitProof(ctx context.Context, orderID string, proof Proof) (*Order, error) {
	if err := e.proofPolicy.validate(proof); err != nil {
		return nil, err
	}

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusCreated {
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusAwaitingReview}
	}

	now := e.now()
	next := o.Clone()
	next.Status = StatusAwaitingReview
	proof.UploadedAt = now
	next.Proof = &proof
	next.UpdatedAt = now

	set := TransitionSet{
		From:  StatusCreated,
		Order: next,
		Audit: e.audit(orderID, StatusCreated, StatusAwaitingReview, o.OwnerID, "proof submitted"),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		return nil, err
	}
	return next, nil
}

// Approve settles an AWAITING_REVIEW order: transition, membership
// grant, and audit entry commit together or not at all.
func (e *Engine) Approve(ctx context.Context, orderID, adminID string) (*Order, error) {
	if adminID == "" {
		return nil, &ValidationError{Field: "adminId", Message: "required"}
	}

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusAwaitingReview {
		if prior := e.priorApproval(o, adminID); prior != nil {
			return prior, nil
		}
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusSettled}
	}

	now := e.now()
	current, err := e.store.GetMembership(ctx, o.OwnerID)
	if err != nil {
		return nil, err
	}
	membership, err := e.calc.Grant(current, o.OwnerID, o.ID, o.Tier, o.DurationMonths, now)
	if err != nil {
		return nil, err
	}

	next := o.Clone()
	next.Status = StatusSettled
	next.Decision = &Decision{AdminID: adminID, DecidedAt: now}
	next.UpdatedAt = now

	set := TransitionSet{
		From:       StatusAwaitingReview,
		Order:      next,
		Membership: membership,
		Audit:      e.audit(orderID, StatusAwaitingReview, StatusSettled, adminID, "approved"),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		if IsConflict(err) {
			// A prior retry of this same approval may already have
			// committed; return the original success if so.
			if current, rerr := e.store.GetOrder(ctx, orderID); rerr == nil {
				if prior := e.priorApproval(current, adminID); prior != nil {
					return prior, nil
				}
			}
		}
		return nil, err
	}
	return next, nil
}

// priorApproval returns the order if it was already settled by the same
// admin - the idempotent-retry success result.
func (e *Engine) priorApproval(o *Order, adminID string) *Order {
	if o.Status == StatusSettled && o.Decision != nil && o.Decision.AdminID == adminID {
		return o
	}
	return nil
}

// Reject declines an AWAITING_REVIEW order. Notes are mandatory: the
// buyer must learn why. No entitlement side effect.
func (e *Engine) Reject(ctx context.Context, orderID, adminID, notes string) (*Order, error) {
	if adminID == "" {
		return nil, &ValidationError{Field: "adminId", Message: "required"}
	}
	if notes == "" {
		return nil, &ValidationError{Field: "notes", Message: "required for reject"}
	}

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusAwaitingReview {
		if prior := e.priorRejection(o, adminID, notes); prior != nil {
			return prior, nil
		}
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusRejected}
	}

	now := e.now()
	next := o.Clone()
	next.Status = StatusRejected
	next.Decision = &Decision{AdminID: adminID, Notes: notes, DecidedAt: now}
	next.UpdatedAt = now

	set := TransitionSet{
		From:  StatusAwaitingReview,
		Order: next,
		Audit: e.audit(orderID, StatusAwaitingReview, StatusRejected, adminID, notes),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		if IsConflict(err) {
			if current, rerr := e.store.GetOrder(ctx, orderID); rerr == nil {
				if prior := e.priorRejection(current, adminID, notes); prior != nil {
					return prior, nil
				}
			}
		}
		return nil, err
	}
	return next, nil
}

func (e *Engine) priorRejection(o *Order, adminID, notes string) *Order {
	if o.Status == StatusRejected && o.Decision != nil &&
		o.Decision.AdminID == adminID && o.Decision.Notes == notes {
		return o
	}
	return nil
}

// Cancel abandons a CREATED order before any proof is submitted.
// Buyer-initiated; ownership is checked by the gateway.
func (e *Engine) Cancel(ctx context.Context, orderID, actor string) (*Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusCreated {
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusCancelled}
	}

	now := e.now()
	next := o.Clone()
	next.Status = StatusCancelled
	next.UpdatedAt = now

	set := TransitionSet{
		From:  StatusCreated,
		Order: next,
		Audit: e.audit(orderID, StatusCreated, StatusCancelled, actor, "cancelled by buyer"),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		return nil, err
	}
	return next, nil
}

// Expire closes a stale CREATED order. System-triggered by the sweep;
// the client giving up is never authoritative. Calling before the
// review window has elapsed is an invalid transition.
func (e *Engine) Expire(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusCreated {
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusExpired}
	}
	now := e.now()
	if now.Sub(o.CreatedAt) < e.reviewWindow {
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusExpired}
	}

	next := o.Clone()
	next.Status = StatusExpired
	next.UpdatedAt = now

	set := TransitionSet{
		From:  StatusCreated,
		Order: next,
		Audit: e.audit(orderID, StatusCreated, StatusExpired, ActorSystem, "review window elapsed"),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		return nil, err
	}
	return next, nil
}

// InitiateRefund opens a refund on a SETTLED order. amountCents == 0
// means full refund. The entitlement is untouched until SettleRefund.
func (e *Engine) InitiateRefund(ctx context.Context, orderID, adminID string, amountCents int64, reason string) (*Order, error) {
	if adminID == "" {
		return nil, &ValidationError{Field: "adminId", Message: "required"}
	}
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "required for refund"}
	}

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if amountCents == 0 {
		amountCents = o.AmountCents
	}
	if amountCents <= 0 || amountCents > o.AmountCents {
		return nil, &ValidationError{Field: "refundAmountCents", Message: "out of range"}
	}

	if o.Status != StatusSettled {
		if prior := e.priorRefund(o, adminID, amountCents); prior != nil {
			return prior, nil
		}
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusRefundPending}
	}

	now := e.now()
	next := o.Clone()
	next.Status = StatusRefundPending
	next.Refund = &Refund{
		AmountCents: amountCents,
		Reason:      reason,
		InitiatedBy: adminID,
		InitiatedAt: now,
	}
	next.UpdatedAt = now

	set := TransitionSet{
		From:  StatusSettled,
		Order: next,
		Audit: e.audit(orderID, StatusSettled, StatusRefundPending, adminID, reason),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		if IsConflict(err) {
			if current, rerr := e.store.GetOrder(ctx, orderID); rerr == nil {
				if prior := e.priorRefund(current, adminID, amountCents); prior != nil {
					return prior, nil
				}
			}
		}
		return nil, err
	}
	return next, nil
}

func (e *Engine) priorRefund(o *Order, adminID string, amountCents int64) *Order {
	if o.Status == StatusRefundPending && o.Refund != nil &&
		o.Refund.InitiatedBy == adminID && o.Refund.AmountCents == amountCents {
		return o
	}
	return nil
}

// SettleRefund completes REFUND_PENDING -> REFUNDED: revokes the
// entitlement fraction and closes the refund. This is the retry point
// if a future real payment channel fails mid-settlement; retrying after
// success returns the refunded order unchanged.
func (e *Engine) SettleRefund(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusRefunded {
		return o, nil
	}
	if o.Status != StatusRefundPending || o.Refund == nil {
		return nil, &TransitionError{OrderID: orderID, From: o.Status, To: StatusRefunded}
	}

	now := e.now()
	current, err := e.store.GetMembership(ctx, o.OwnerID)
	if err != nil {
		return nil, err
	}

	// Revoke only if the current entitlement still belongs to this
	// order's grant; a later purchase supersedes it.
	var membership *MembershipRecord
	if current != nil && current.GrantOrderID == o.ID && current.ExpiresAt != nil {
		membership, err = e.calc.Revoke(current, o.Refund.AmountCents, o.AmountCents, now)
		if err != nil {
			return nil, err
		}
	}

	next := o.Clone()
	next.Status = StatusRefunded
	next.Refund.SettledAt = &now
	next.UpdatedAt = now

	set := TransitionSet{
		From:       StatusRefundPending,
		Order:      next,
		Membership: membership,
		Audit:      e.audit(orderID, StatusRefundPending, StatusRefunded, ActorSystem, "refund settled"),
	}
	if err := e.store.ApplyTransition(ctx, set); err != nil {
		if IsConflict(err) {
			if current, rerr := e.store.GetOrder(ctx, orderID); rerr == nil && current.Status == StatusRefunded {
				return current, nil
			}
		}
		return nil, err
	}
	return next, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the current authoritative order state.
func (e *Engine) Get(ctx context.Context, orderID string) (*Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// List returns orders currently in the given status, oldest first.
func (e *Engine) List(ctx context.Context, status Status, limit int) ([]*Order, error) {
	return e.store.ListByStatus(ctx, status, limit)
}

// Membership returns the owner's current entitlement, nil if none.
func (e *Engine) Membership(ctx context.Context, ownerID string) (*MembershipRecord, error) {
	return e.store.GetMembership(ctx, ownerID)
}

// AuditTrail returns the order's transition history.
func (e *Engine) AuditTrail(ctx context.Context, orderID string) ([]AuditEntry, error) {
	return e.store.AuditTrail(ctx, orderID)
}

func (e *Engine) audit(orderID string, from, to Status, actor, notes string) AuditEntry {
	return AuditEntry{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Timestamp:  e.now(),
		Notes:      notes,
	}
}
