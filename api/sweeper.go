/*
sweeper.go - Authoritative expiry of abandoned orders

PURPOSE:
  A CREATED order whose buyer never uploads proof must still expire
  once the review window elapses - the buyer's tab may be long gone, so
  client-side timeouts can never be the authority. The sweeper
  periodically pages through stale CREATED orders and drives each
  through the engine's Expire transition.

DESIGN:
  - Background goroutine with a configurable check interval
  - Pages through candidates with a fixed limit per pass
  - Races with buyers and admins are expected: a candidate that moved
    on between the scan and the transition yields Conflict or
    InvalidTransition, which the sweep skips without logging an error

USAGE:
  sweeper := NewExpirySweeper(engine, store)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - order/engine.go: Expire
  - client/poller.go: The non-authoritative client-side ceiling
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/settlement-engine/order"
)

// ExpirySweeper expires stale CREATED orders on a fixed interval.
type ExpirySweeper struct {
	Engine        *order.Engine
	Store         order.Store
	CheckInterval time.Duration
	BatchLimit    int

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewExpirySweeper creates a sweeper with production defaults: check
// every minute, 100 orders per page.
func NewExpirySweeper(engine *order.Engine, store order.Store) *ExpirySweeper {
	return &ExpirySweeper{
		Engine:        engine,
		Store:         store,
		CheckInterval: time.Minute,
		BatchLimit:    100,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweep loop. Calling Start on a running sweeper is a
// no-op: a second loop would double-expire the same pages.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[Sweeper] Started with check interval: %v", s.CheckInterval)
}

// Stop halts the sweep loop and waits for an in-flight pass. Safe to
// call on a stopped sweeper.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	log.Println("[Sweeper] Stopped")
}

func (s *ExpirySweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (s *ExpirySweeper) RunNow() {
	s.sweep()
}

func (s *ExpirySweeper) sweep() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.Engine.ReviewWindow())

	expired := 0
	skipped := 0

	for {
		candidates, err := s.Store.ListExpiredCandidates(ctx, cutoff, s.BatchLimit)
		if err != nil {
			log.Printf("[Sweeper] Error listing candidates: %v", err)
			return
		}

		progressed := 0
		for _, o := range candidates {
			_, err := s.Engine.Expire(ctx, o.ID)
			switch {
			case err == nil:
				expired++
				progressed++
			case order.IsConflict(err), order.IsClientError(err):
				// Lost the race to a proof upload or cancellation.
				skipped++
			default:
				log.Printf("[Sweeper] Error expiring %s: %v", o.ID, err)
			}
		}

		if len(candidates) < s.BatchLimit {
			break
		}
		if progressed == 0 {
			// Nothing moved; avoid spinning on a page of losers.
			break
		}
	}

	if expired > 0 || skipped > 0 {
		log.Printf("[Sweeper] Completed: %d expired, %d skipped", expired, skipped)
	}
}
