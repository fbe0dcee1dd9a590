package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warp/settlement-engine/order"
)

// =============================================================================
// LIFECYCLE INVARIANTS
//
// Plain-stdlib scenario tests for the properties the engine must hold
// under contention and across full lifecycles.
// =============================================================================

func TestConcurrentApproveAndReject_ExactlyOneWins(t *testing.T) {
	// GIVEN an order awaiting review and two admins racing on it
	engine, _ := newTestEngine(t, t0)
	ctx := context.Background()
	o := createOrder(t, engine)
	submitProof(t, engine, o.ID)

	// WHEN approve and reject run concurrently
	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = engine.Approve(ctx, o.ID, "admin-1")
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = engine.Reject(ctx, o.ID, "admin-2", "amount mismatch")
	}()
	wg.Wait()

	// THEN exactly one call succeeds and the loser is told so
	if (approveErr == nil) == (rejectErr == nil) {
		t.Fatalf("expected exactly one winner, got approveErr=%v rejectErr=%v", approveErr, rejectErr)
	}
	loser := approveErr
	if loser == nil {
		loser = rejectErr
	}
	if !order.IsConflict(loser) && !errors.Is(loser, order.ErrInvalidTransition) {
		t.Fatalf("loser must see a conflict or invalid transition, got %v", loser)
	}

	// AND the stored order matches the winner, with one decision entry
	final, err := engine.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	switch {
	case approveErr == nil && final.Status != order.StatusSettled:
		t.Errorf("approve won but stored status is %s", final.Status)
	case rejectErr == nil && final.Status != order.StatusRejected:
		t.Errorf("reject won but stored status is %s", final.Status)
	}

	// AND the membership was granted iff approve won
	m, err := engine.Membership(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if approveErr == nil && (m == nil || m.Tier != order.TierPremium) {
		t.Errorf("approve won but no entitlement was granted")
	}
	if rejectErr == nil && m != nil {
		t.Errorf("reject won but an entitlement appeared: %+v", m)
	}
}

func TestAuditTrail_IsAValidStatusPath(t *testing.T) {
	// GIVEN a full lifecycle: create, proof, approve, refund, settle
	engine, _ := newTestEngine(t, t0)
	ctx := context.Background()
	o := createOrder(t, engine)
	submitProof(t, engine, o.ID)
	if _, err := engine.Approve(ctx, o.ID, "admin-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.InitiateRefund(ctx, o.ID, "admin-1", 0, "buyer churned"); err != nil {
		t.Fatalf("initiate refund: %v", err)
	}
	if _, err := engine.SettleRefund(ctx, o.ID); err != nil {
		t.Fatalf("settle refund: %v", err)
	}

	// WHEN reading the audit trail
	trail, err := engine.AuditTrail(ctx, o.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(trail))
	}

	// THEN it starts at CREATED, chains, and every edge is permitted
	if trail[0].FromStatus != order.StatusCreated {
		t.Errorf("trail must start at CREATED, got %s", trail[0].FromStatus)
	}
	prev := trail[0]
	for i, entry := range trail {
		if !order.CanTransition(entry.FromStatus, entry.ToStatus) {
			t.Errorf("entry %d records forbidden edge %s -> %s", i, entry.FromStatus, entry.ToStatus)
		}
		if entry.Actor == "" {
			t.Errorf("entry %d has no actor", i)
		}
		if i > 0 {
			if entry.FromStatus != prev.ToStatus {
				t.Errorf("entry %d does not chain: %s after %s", i, entry.FromStatus, prev.ToStatus)
			}
			if entry.Timestamp.Before(prev.Timestamp) {
				t.Errorf("entry %d timestamp went backwards", i)
			}
		}
		prev = entry
	}
	if trail[len(trail)-1].ToStatus != order.StatusRefunded {
		t.Errorf("trail must end at REFUNDED, got %s", trail[len(trail)-1].ToStatus)
	}
}

func TestTerminalStates_AdmitNoFurtherOperations(t *testing.T) {
	// GIVEN orders driven into each buyer-final state
	engine, _ := newTestEngine(t, t0)
	ctx := context.Background()

	rejected := createOrder(t, engine)
	submitProof(t, engine, rejected.ID)
	if _, err := engine.Reject(ctx, rejected.ID, "admin-1", "amount mismatch"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	cancelled := createOrder(t, engine)
	if _, err := engine.Cancel(ctx, cancelled.ID, "buyer-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// WHEN any lifecycle operation is attempted on them
	for _, id := range []string{rejected.ID, cancelled.ID} {
		if _, err := engine.SubmitProof(ctx, id, validProof()); !errors.Is(err, order.ErrInvalidTransition) {
			t.Errorf("SubmitProof on terminal %s: got %v", id, err)
		}
		if _, err := engine.Cancel(ctx, id, "buyer-1"); !errors.Is(err, order.ErrInvalidTransition) {
			t.Errorf("Cancel on terminal %s: got %v", id, err)
		}
		if _, err := engine.Expire(ctx, id); !errors.Is(err, order.ErrInvalidTransition) {
			t.Errorf("Expire on terminal %s: got %v", id, err)
		}
		// THEN a fresh-admin approve is refused too
		if _, err := engine.Approve(ctx, id, "admin-9"); !errors.Is(err, order.ErrInvalidTransition) {
			t.Errorf("Approve on terminal %s: got %v", id, err)
		}
	}
}

func TestUpdatedAt_StrictlyIncreasesAcrossTransitions(t *testing.T) {
	engine, _ := newTestEngine(t, t0)
	ctx := context.Background()

	o := createOrder(t, engine)
	last := o.UpdatedAt

	step := func(name string, f func() (*order.Order, error)) {
		t.Helper()
		next, err := f()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !next.UpdatedAt.After(last) {
			t.Errorf("%s: UpdatedAt did not advance (%s -> %s)", name, last, next.UpdatedAt)
		}
		last = next.UpdatedAt
	}

	step("submit proof", func() (*order.Order, error) { return engine.SubmitProof(ctx, o.ID, validProof()) })
	step("approve", func() (*order.Order, error) { return engine.Approve(ctx, o.ID, "admin-1") })
	step("initiate refund", func() (*order.Order, error) {
		return engine.InitiateRefund(ctx, o.ID, "admin-1", 0, "buyer churned")
	})
	step("settle refund", func() (*order.Order, error) { return engine.SettleRefund(ctx, o.ID) })
}

func TestStatusGraph_TerminalFlags(t *testing.T) {
	cases := []struct {
		status        order.Status
		terminal      bool
		finalForBuyer bool
	}{
		{order.StatusCreated, false, false},
		{order.StatusAwaitingReview, false, false},
		{order.StatusSettled, false, true},
		{order.StatusRejected, true, true},
		{order.StatusCancelled, true, true},
		{order.StatusExpired, true, true},
		{order.StatusRefundPending, false, false},
		{order.StatusRefunded, true, true},
	}
	for _, c := range cases {
		if got := c.status.IsTerminal(); got != c.terminal {
			t.Errorf("%s: IsTerminal() = %v, want %v", c.status, got, c.terminal)
		}
		if got := c.status.IsFinalForBuyer(); got != c.finalForBuyer {
			t.Errorf("%s: IsFinalForBuyer() = %v, want %v", c.status, got, c.finalForBuyer)
		}
	}
}

func TestListExpiredCandidates_OnlyStaleCreatedOrders(t *testing.T) {
	// GIVEN a mix of old and fresh orders in various states
	engine, mem := newTestEngine(t, t0)
	ctx := context.Background()

	stale := createOrder(t, engine)

	reviewed := createOrder(t, engine)
	submitProof(t, engine, reviewed.ID)

	engine.WithClock(advancingClock(t0.Add(order.DefaultReviewWindow + time.Minute)))
	createOrder(t, engine) // fresh; must not qualify

	// WHEN listing candidates against the window cutoff
	cutoff := t0.Add(time.Minute)
	got, err := mem.ListExpiredCandidates(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	// THEN only the stale CREATED order qualifies
	if len(got) != 1 || got[0].ID != stale.ID {
		ids := make([]string, 0, len(got))
		for _, o := range got {
			ids = append(ids, o.ID)
		}
		t.Fatalf("expected just %s, got %v", stale.ID, ids)
	}
}
