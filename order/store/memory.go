// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/order"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	orders      map[string]*order.Order
	memberships map[string]*order.MembershipRecord
	audit       []order.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		orders:      make(map[string]*order.Order),
		memberships: make(map[string]*order.MembershipRecord),
	}
}

// CreateOrder persists a new order.
func (m *Memory) CreateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return &order.ValidationError{Field: "id", Message: "order already exists"}
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

// GetOrder returns a copy of the order or ErrNotFound.
func (m *Memory) GetOrder(_ context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

// ListByStatus returns orders in the given status, oldest first.
func (m *Memory) ListByStatus(_ context.Context, status order.Status, limit int) ([]*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*order.Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExpiredCandidates returns CREATED orders at or older than cutoff.
func (m *Memory) ListExpiredCandidates(_ context.Context, cutoff time.Time, limit int) ([]*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*order.Order
	for _, o := range m.orders {
		if o.Status == order.StatusCreated && !o.CreatedAt.After(cutoff) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyTransition performs the compare-and-swap commit. The single
// mutex stands in for the database transaction: the status check and
// all three writes happen under one critical section.
func (m *Memory) ApplyTransition(_ context.Context, set order.TransitionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[set.Order.ID]
	if !ok {
		return order.ErrNotFound
	}
	if stored.Status != set.From {
		return &order.ConflictError{OrderID: set.Order.ID, Expected: set.From, Actual: stored.Status}
	}

	m.orders[set.Order.ID] = set.Order.Clone()
	if set.Membership != nil {
		rec := *set.Membership
		m.memberships[set.Membership.OwnerID] = &rec
	}
	m.audit = append(m.audit, set.Audit)
	return nil
}

// GetMembership returns the owner's record, nil if never held.
func (m *Memory) GetMembership(_ context.Context, ownerID string) (*order.MembershipRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.memberships[ownerID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// AuditTrail returns the order's audit entries in append order.
func (m *Memory) AuditTrail(_ context.Context, orderID string) ([]order.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.AuditEntry
	for _, e := range m.audit {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// REPORTING READS
// =============================================================================

func (m *Memory) CountByStatus(_ context.Context, from, to time.Time) ([]order.StatusCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[order.Status]int64)
	for _, o := range m.orders {
		if inRange(o.CreatedAt, from, to) {
			counts[o.Status]++
		}
	}
	out := make([]order.StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, order.StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (m *Memory) RevenueRows(_ context.Context, from, to time.Time) ([]order.RevenueRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []order.RevenueRow
	for _, o := range m.orders {
		if !inRange(o.CreatedAt, from, to) {
			continue
		}
		row := order.RevenueRow{OrderID: o.ID, Status: o.Status, AmountCents: o.AmountCents}
		if o.Refund != nil {
			row.RefundAmountCents = o.Refund.AmountCents
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
