/*
Package report computes revenue and settlement aggregates.

PURPOSE:
  Read-only reporting over terminal/immutable order data. Nothing here
  writes; the numbers are recomputed from the store's aggregate reads
  on every call, so they can never drift from the ledger.

DEFINITIONS:
  totalRevenue  = sum(amountCents) over SETTLED, REFUND_PENDING, REFUNDED
  netRevenue    = totalRevenue - sum(refund.amountCents) over REFUNDED
  successRate   = SETTLED / (SETTLED + REJECTED), 0 when undefined

SEE ALSO:
  - order/store.go: ReportingStore read surface
*/
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/order"
)

// RevenueSummary is the aggregate view served to administrators.
type RevenueSummary struct {
	From time.Time
	To   time.Time

	CountsByStatus map[order.Status]int64

	// SettledCount / RejectedCount back the success rate.
	SettledCount  int64
	RejectedCount int64

	TotalRevenueCents int64
	RefundedCents     int64
	NetRevenueCents   int64

	// SuccessRate is SETTLED / (SETTLED + REJECTED). Zero when no
	// decided orders fall in the range.
	SuccessRate decimal.Decimal
}

// Reporter computes summaries from a reporting store.
type Reporter struct {
	store order.ReportingStore
}

func NewReporter(store order.ReportingStore) *Reporter {
	return &Reporter{store: store}
}

// Revenue computes the summary for orders created in [from, to).
func (r *Reporter) Revenue(ctx context.Context, from, to time.Time) (*RevenueSummary, error) {
	counts, err := r.store.CountByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.RevenueRows(ctx, from, to)
	if err != nil {
		return nil, err
	}

	summary := &RevenueSummary{
		From:           from,
		To:             to,
		CountsByStatus: make(map[order.Status]int64, len(counts)),
	}
	for _, c := range counts {
		summary.CountsByStatus[c.Status] = c.Count
		switch c.Status {
		case order.StatusSettled:
			summary.SettledCount = c.Count
		case order.StatusRejected:
			summary.RejectedCount = c.Count
		}
	}
	// REFUND_PENDING and REFUNDED orders were settled first; they count
	// toward the success numerator even though their status moved on.
	summary.SettledCount += summary.CountsByStatus[order.StatusRefundPending]
	summary.SettledCount += summary.CountsByStatus[order.StatusRefunded]

	for _, row := range rows {
		switch row.Status {
		case order.StatusSettled, order.StatusRefundPending, order.StatusRefunded:
			summary.TotalRevenueCents += row.AmountCents
		}
		if row.Status == order.StatusRefunded {
			summary.RefundedCents += row.RefundAmountCents
		}
	}
	summary.NetRevenueCents = summary.TotalRevenueCents - summary.RefundedCents

	decided := summary.SettledCount + summary.RejectedCount
	if decided > 0 {
		summary.SuccessRate = decimal.NewFromInt(summary.SettledCount).
			Div(decimal.NewFromInt(decided)).Round(4)
	}
	return summary, nil
}
