package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/entitlement"
	"github.com/warp/settlement-engine/order"
	"github.com/warp/settlement-engine/order/store"
)

func TestSweeper_ExpiresOnlyStaleCreatedOrders(t *testing.T) {
	mem := store.NewMemory()
	engine := order.NewEngine(mem, entitlement.NewCalculator())
	ctx := context.Background()

	// Backdate creation past the review window, then restore the real
	// clock so the expiry check sees the elapsed time.
	past := time.Now().Add(-(order.DefaultReviewWindow + 5*time.Minute))
	engine.WithClock(func() time.Time { return past })

	stale, err := engine.NewOrder(ctx, "buyer-1", order.TierPremium, 1, 9900, order.ChannelAlipay)
	require.NoError(t, err)

	reviewed, err := engine.NewOrder(ctx, "buyer-2", order.TierBasic, 1, 4900, order.ChannelWeChat)
	require.NoError(t, err)
	_, err = engine.SubmitProof(ctx, reviewed.ID, order.Proof{
		FileRef: "p.png", FileType: "image/png", FileSizeBytes: 1000,
	})
	require.NoError(t, err)

	engine.WithClock(time.Now)
	fresh, err := engine.NewOrder(ctx, "buyer-3", order.TierPremium, 1, 9900, order.ChannelAlipay)
	require.NoError(t, err)

	sweeper := api.NewExpirySweeper(engine, mem)
	sweeper.BatchLimit = 10
	sweeper.RunNow()

	got, err := engine.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, got.Status)

	got, err = engine.Get(ctx, reviewed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingReview, got.Status, "orders with proof are out of scope")

	got, err = engine.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, got.Status, "fresh orders keep their window")

	// The expiry is attributed to the system, not any admin.
	trail, err := engine.AuditTrail(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, order.ActorSystem, trail[0].Actor)
}

func TestSweeper_StartStop(t *testing.T) {
	mem := store.NewMemory()
	engine := order.NewEngine(mem, entitlement.NewCalculator())

	sweeper := api.NewExpirySweeper(engine, mem)
	sweeper.CheckInterval = 10 * time.Millisecond
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop() // must not hang or panic with an in-flight pass
}

func TestSweeper_StartAndStopAreIdempotent(t *testing.T) {
	mem := store.NewMemory()
	engine := order.NewEngine(mem, entitlement.NewCalculator())

	sweeper := api.NewExpirySweeper(engine, mem)
	sweeper.CheckInterval = 10 * time.Millisecond

	// A second Start must not spawn a second loop, and a second Stop
	// must not close the stop channel twice or hang on the wait group.
	sweeper.Start()
	sweeper.Start()
	time.Sleep(20 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()

	// The sweeper can come back up after a clean stop.
	sweeper.Start()
	sweeper.Stop()
}
