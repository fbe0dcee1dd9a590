/*
Package client implements the buyer-side status polling loop.

PURPOSE:
  After uploading proof, the buyer waits for a human decision. There is
  no callback: the client polls the status notifier at a fixed interval
  until it sees a state it can act on, or until a hard wall-clock
  ceiling passes, or until cancelled (tab closed, navigation away).

AUTHORITY:
  The poller carries no write authority and its ceiling is purely a
  client-local "stop waiting" signal. The authoritative expiry of an
  abandoned order is the server-side sweep - if this process dies
  before the ceiling, the order still expires correctly.

RESOURCES:
  The interval ticker is released on every exit path: terminal status,
  ceiling, context cancellation, or read error.

SEE ALSO:
  - api/sweeper.go: The authoritative server-side expiry
  - order/types.go: IsFinalForBuyer
*/
package client

import (
	"context"
	"errors"
	"time"

	"github.com/warp/settlement-engine/order"
)

// Defaults matching the observed client behavior: poll every 5 seconds
// for at most 10 minutes.
const (
	DefaultInterval = 5 * time.Second
	DefaultCeiling  = 10 * time.Minute
)

// ErrPollTimeout is returned when the ceiling elapses without a
// terminal status. The order's true fate is decided server-side.
var ErrPollTimeout = errors.New("polling ceiling reached without terminal status")

// StatusReader is the read-only slice of the gateway the poller needs.
type StatusReader interface {
	OrderStatus(ctx context.Context, orderID string) (order.Status, error)
}

// Poller polls one order until the buyer can stop waiting.
type Poller struct {
	Reader   StatusReader
	Interval time.Duration
	Ceiling  time.Duration
}

func NewPoller(reader StatusReader) *Poller {
	return &Poller{Reader: reader, Interval: DefaultInterval, Ceiling: DefaultCeiling}
}

// Wait polls until the order reaches a status terminal for the buyer
// (SETTLED, REJECTED, CANCELLED, EXPIRED, REFUNDED), the ceiling
// passes, or ctx is cancelled. It returns the last status observed.
func (p *Poller) Wait(ctx context.Context, orderID string) (order.Status, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ceiling := p.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First read immediately; the decision may already have landed.
	last, err := p.Reader.OrderStatus(ctx, orderID)
	if err != nil {
		return "", err
	}
	if last.IsFinalForBuyer() {
		return last, nil
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return last, ErrPollTimeout
			}
			return last, ctx.Err()
		case <-ticker.C:
			status, err := p.Reader.OrderStatus(ctx, orderID)
			if err != nil {
				return last, err
			}
			last = status
			if status.IsFinalForBuyer() {
				return status, nil
			}
		}
	}
}
