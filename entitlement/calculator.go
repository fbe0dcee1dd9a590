/*
Package entitlement computes membership grants and revocations.

PURPOSE:
  Pure, deterministic functions over (current membership, tier, months,
  effective time). No I/O, no clocks: callers pass the effective time
  explicitly so the same inputs always produce the same outputs. The
  lifecycle engine applies the results transactionally alongside the
  order transition that produced them - nothing else may mutate a
  membership record.

GRANT POLICY:
  - Lapsed or never held:   expiry = t + months, tier = purchased tier
  - Active, same tier:      expiry = current expiry + months (extension)
  - Active, higher tier:    higher tier takes effect immediately with
                            expiry = t + months; the lower tier's
                            remaining wall-clock time is discarded
  - Active, lower tier:     rejected (no silent downgrade)

REVOCATION POLICY:
  monthsToRemove = grant months * (refund / original amount), computed
  in decimal. The expiry is recomputed forward from the grant's base
  instant: base + (grantMonths - monthsToRemove), whole months via
  calendar arithmetic and the fractional remainder as a fraction of a
  30-day month. Recomputing from the base rather than subtracting from
  the expiry matters at month ends: AddDate month arithmetic is not its
  own inverse (Jan 31 + 1 month = Mar 3, but Mar 3 - 1 month = Feb 3),
  and a full refund must always land exactly back on the base. If the
  result lands at or before t, the entitlement reverts to whatever was
  held immediately before the grant (or nothing).

PRECISION:
  Refund fractions use shopspring/decimal throughout. Floating point
  never touches money or months.

SEE ALSO:
  - order/engine.go: The only caller
  - order/types.go: MembershipRecord, Tier
*/
package entitlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/order"
)

// fractionalMonth is the wall-clock length of a partial month when a
// refund removes a non-integer number of months.
const fractionalMonth = 30 * 24 * time.Hour

// Calculator adapts the pure functions to the order engine's
// calculator contract.
type Calculator struct{}

func NewCalculator() Calculator { return Calculator{} }

func (Calculator) Grant(current *order.MembershipRecord, ownerID, orderID string, tier order.Tier, months int, t time.Time) (*order.MembershipRecord, error) {
	return Grant(current, ownerID, orderID, tier, months, t)
}

func (Calculator) Revoke(current *order.MembershipRecord, refundCents, originalCents int64, t time.Time) (*order.MembershipRecord, error) {
	return Revoke(current, refundCents, originalCents, t)
}

// Grant computes the membership record that results from settling an
// order for (tier, months) at time t. current may be nil (never held).
// The returned record is new; current is not mutated.
func Grant(current *order.MembershipRecord, ownerID string, orderID string, tier order.Tier, months int, t time.Time) (*order.MembershipRecord, error) {
	if !tier.Valid() {
		return nil, &order.ValidationError{Field: "tier", Message: "unknown tier"}
	}
	if months <= 0 {
		return nil, &order.ValidationError{Field: "durationMonths", Message: "must be positive"}
	}

	next := &order.MembershipRecord{
		OwnerID:      ownerID,
		GrantOrderID: orderID,
		GrantMonths:  months,
		GrantBase:    t,
	}

	if !current.Active(t) {
		// Lapsed or never held: fresh entitlement. Prior is "none" -
		// an expired tier confers nothing to revert to.
		expires := t.AddDate(0, months, 0)
		next.Tier = tier
		next.ExpiresAt = &expires
		return next, nil
	}

	switch {
	case current.Tier == tier:
		// Extension: stack the purchased months on the current expiry.
		expires := current.ExpiresAt.AddDate(0, months, 0)
		next.Tier = tier
		next.ExpiresAt = &expires
		next.GrantBase = *current.ExpiresAt
	case tier.Rank() > current.Tier.Rank():
		// Upgrade takes effect immediately. The lower tier's remaining
		// wall-clock time is discarded, not converted.
		expires := t.AddDate(0, months, 0)
		next.Tier = tier
		next.ExpiresAt = &expires
	default:
		// Purchasing a strictly lower tier while a higher one is
		// active never silently downgrades.
		return nil, order.ErrPolicyViolation
	}

	next.PriorTier = current.Tier
	prior := *current.ExpiresAt
	next.PriorExpiresAt = &prior
	return next, nil
}

// MonthsToRemove computes the fraction of the original grant a refund
// claws back: grantMonths * refundCents / originalCents.
func MonthsToRemove(grantMonths int, refundCents, originalCents int64) decimal.Decimal {
	if originalCents <= 0 {
		return decimal.Zero
	}
	fraction := decimal.NewFromInt(refundCents).Div(decimal.NewFromInt(originalCents))
	return decimal.NewFromInt(int64(grantMonths)).Mul(fraction)
}

// Revoke computes the membership record after refunding refundCents of
// an originalCents order whose grant produced current. The retained
// fraction of the grant is recomputed forward from GrantBase; if
// nothing remains past t, the record reverts to the pre-grant tier.
// A full refund therefore always lands exactly on the base, even for
// grants made on the 29th-31st of a month.
func Revoke(current *order.MembershipRecord, refundCents, originalCents int64, t time.Time) (*order.MembershipRecord, error) {
	if current == nil || current.ExpiresAt == nil {
		return nil, &order.ValidationError{Field: "membership", Message: "no entitlement to revoke"}
	}
	if current.GrantBase.IsZero() {
		return nil, &order.ValidationError{Field: "membership", Message: "grant base not recorded"}
	}
	if refundCents <= 0 || refundCents > originalCents {
		return nil, &order.ValidationError{Field: "refundAmountCents", Message: "out of range"}
	}

	monthsToKeep := decimal.NewFromInt(int64(current.GrantMonths)).
		Sub(MonthsToRemove(current.GrantMonths, refundCents, originalCents))
	newExpiry := addMonths(current.GrantBase, monthsToKeep)

	next := &order.MembershipRecord{
		OwnerID:        current.OwnerID,
		Tier:           current.Tier,
		PriorTier:      current.PriorTier,
		PriorExpiresAt: current.PriorExpiresAt,
		GrantOrderID:   current.GrantOrderID,
		GrantMonths:    current.GrantMonths,
		GrantBase:      current.GrantBase,
	}

	if newExpiry.After(t) {
		next.ExpiresAt = &newExpiry
		return next, nil
	}

	// The refund consumed everything the grant added: revert to the
	// entitlement held immediately before the grant, or to nothing.
	next.Tier = current.PriorTier
	next.ExpiresAt = nil
	if current.PriorExpiresAt != nil && current.PriorExpiresAt.After(t) {
		prior := *current.PriorExpiresAt
		next.ExpiresAt = &prior
	} else {
		next.Tier = order.TierNone
	}
	next.PriorTier = order.TierNone
	next.PriorExpiresAt = nil
	return next, nil
}

// addMonths moves base forward by a possibly-fractional number of
// months: whole months via calendar arithmetic, the remainder as a
// fraction of a 30-day month.
func addMonths(base time.Time, months decimal.Decimal) time.Time {
	whole := months.IntPart()
	frac := months.Sub(decimal.NewFromInt(whole))

	out := base.AddDate(0, int(whole), 0)
	if !frac.IsZero() {
		ns := frac.Mul(decimal.NewFromInt(int64(fractionalMonth))).IntPart()
		out = out.Add(time.Duration(ns))
	}
	return out
}
