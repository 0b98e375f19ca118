package circ

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlend/circ/internal/models"
)

func TestSweep_PromotesInPositionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(2)
	carol := f.addPatron("carol")
	dave := f.addPatron("dave")

	// Two patrons queued while the reconciler has just raised
	// availability back to one copy.
	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, nil)))
	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(dave.ID, pool.ID, 2, nil)))
	pool.NextHoldPosition = 2
	pool.PatronsInHoldQueue = 2
	pool.LicensesAvailable = 1
	f.store.putPool(pool)

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	first, err := f.store.GetHold(ctx, carol.ID, pool.ID)
	require.NoError(t, err)
	assert.True(t, first.Ready, "lowest position goes first")
	second, err := f.store.GetHold(ctx, dave.ID, pool.ID)
	require.NoError(t, err)
	assert.False(t, second.Ready)

	got := f.pool(t, pool.ID)
	assert.Equal(t, 0, got.LicensesAvailable)
	assert.Equal(t, 1, got.LicensesReserved)
	assert.Equal(t, 1, got.PatronsInHoldQueue)
	assert.NoError(t, got.Validate())
}

func TestSweep_DrainsAvailabilityAcrossQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(3)
	carol := f.addPatron("carol")
	dave := f.addPatron("dave")

	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, nil)))
	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(dave.ID, pool.ID, 2, nil)))
	pool.NextHoldPosition = 2
	pool.PatronsInHoldQueue = 2
	pool.LicensesAvailable = 3
	f.store.putPool(pool)

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted, "the sweep stops when the queue empties")

	got := f.pool(t, pool.ID)
	assert.Equal(t, 1, got.LicensesAvailable, "leftover copies stay on the shelf")
	assert.Equal(t, 2, got.LicensesReserved)
	assert.Equal(t, 0, got.PatronsInHoldQueue)
	assert.Equal(t, 2, f.notes.readyCount())
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(2)
	carol := f.addPatron("carol")

	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, nil)))
	pool.NextHoldPosition = 1
	pool.PatronsInHoldQueue = 1
	pool.LicensesAvailable = 1
	f.store.putPool(pool)

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	before := f.pool(t, pool.ID)

	promoted, err = f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted, "running the sweep again changes nothing")

	after := f.pool(t, pool.ID)
	assert.Equal(t, before.LicensesAvailable, after.LicensesAvailable)
	assert.Equal(t, before.LicensesReserved, after.LicensesReserved)
	assert.Equal(t, 1, f.notes.readyCount())
}

func TestSweep_SkipsUnmeteredPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(0)
	pool.OpenAccess = true
	f.store.putPool(pool)

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
}

func TestReleaseLapsedReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(1)
	alice := f.addPatron("alice")
	bob := f.addPatron("bob")
	carol := f.addPatron("carol")

	_, err := f.engine.Borrow(ctx, alice.ID, pool.ID, epub)
	require.NoError(t, err)
	_, err = f.engine.PlaceHold(ctx, bob.ID, pool.ID)
	require.NoError(t, err)
	_, err = f.engine.PlaceHold(ctx, carol.ID, pool.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.Return(ctx, alice.ID, pool.ID))

	t.Run("NotYetLapsed", func(t *testing.T) {
		released, err := f.engine.ReleaseLapsedReservation(ctx, bob.ID, pool.ID)
		require.NoError(t, err)
		assert.False(t, released, "an open reservation window is left alone")
	})

	f.clk.Advance(f.engine.config.ReservationWindow + time.Minute)

	t.Run("Lapsed", func(t *testing.T) {
		released, err := f.engine.ReleaseLapsedReservation(ctx, bob.ID, pool.ID)
		require.NoError(t, err)
		assert.True(t, released)

		gone, err := f.store.GetHold(ctx, bob.ID, pool.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)

		next, err := f.store.GetHold(ctx, carol.ID, pool.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Ready, "the license moves to the next patron")

		got := f.pool(t, pool.ID)
		assert.Equal(t, 1, got.LicensesReserved)
		assert.Equal(t, 0, got.LicensesAvailable)
		assert.NoError(t, got.Validate())
	})

	t.Run("RepeatIsNoOp", func(t *testing.T) {
		released, err := f.engine.ReleaseLapsedReservation(ctx, bob.ID, pool.ID)
		require.NoError(t, err)
		assert.False(t, released)
	})
}

func TestSweep_DestroysExpiredQueuedHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(1)
	carol := f.addPatron("carol")
	dave := f.addPatron("dave")

	// Carol's hold lapsed an hour ago; Dave is still waiting.
	past := f.clk.Now().Add(-time.Hour)
	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, &past)))
	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(dave.ID, pool.ID, 2, nil)))
	pool.NextHoldPosition = 2
	pool.PatronsInHoldQueue = 2
	pool.LicensesAvailable = 1
	f.store.putPool(pool)

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted, "an expired hold is destroyed, not promoted")

	gone, err := f.store.GetHold(ctx, carol.ID, pool.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	next, err := f.store.GetHold(ctx, dave.ID, pool.ID)
	require.NoError(t, err)
	assert.True(t, next.Ready, "the license goes to the first patron still waiting")

	got := f.pool(t, pool.ID)
	assert.Equal(t, 0, got.LicensesAvailable)
	assert.Equal(t, 1, got.LicensesReserved)
	assert.Equal(t, 0, got.PatronsInHoldQueue)
	assert.NoError(t, got.Validate())
}

func TestSweep_OnlyExpiredHoldLeavesLicenseOnShelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(1)
	carol := f.addPatron("carol")

	past := f.clk.Now().Add(-time.Hour)
	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, &past)))
	pool.NextHoldPosition = 1
	pool.PatronsInHoldQueue = 1
	pool.LicensesAvailable = 1
	f.store.putPool(pool)

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	gone, err := f.store.GetHold(ctx, carol.ID, pool.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	got := f.pool(t, pool.ID)
	assert.Equal(t, 1, got.LicensesAvailable, "no promotion, the copy stays on the shelf")
	assert.Equal(t, 0, got.LicensesReserved)
	assert.Equal(t, 0, got.PatronsInHoldQueue)
}

func TestSweep_HoldWriteFailureReleasesReservedLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(1)
	carol := f.addPatron("carol")

	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, nil)))
	pool.NextHoldPosition = 1
	pool.PatronsInHoldQueue = 1
	pool.LicensesAvailable = 1
	f.store.putPool(pool)

	f.store.failNextHoldUpdate(errors.New("connection reset by peer"))

	_, err := f.engine.Sweep(ctx, pool.ID)
	require.Error(t, err)

	// The stored state must never pair a ready hold with availability
	// that still counts its license.
	hold, err := f.store.GetHold(ctx, carol.ID, pool.ID)
	require.NoError(t, err)
	assert.False(t, hold.Ready, "the hold stays queued when its write fails")

	got := f.pool(t, pool.ID)
	assert.Equal(t, 1, got.LicensesAvailable, "the reserved license goes back on the shelf")
	assert.Equal(t, 0, got.LicensesReserved)
	assert.Equal(t, 1, got.PatronsInHoldQueue)
	assert.NoError(t, got.Validate())

	promoted, err := f.engine.Sweep(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted, "the retried sweep completes the promotion")
}

func TestSweep_PoolWriteFailureLeavesHoldQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.addPool(1)
	carol := f.addPatron("carol")

	require.NoError(t, f.store.CreateHold(ctx, models.NewHold(carol.ID, pool.ID, 1, nil)))
	pool.NextHoldPosition = 1
	pool.PatronsInHoldQueue = 1
	pool.LicensesAvailable = 1
	f.store.putPool(pool)

	f.store.failNextPoolUpdate(errors.New("disk full"))

	_, err := f.engine.Sweep(ctx, pool.ID)
	require.Error(t, err)

	hold, err := f.store.GetHold(ctx, carol.ID, pool.ID)
	require.NoError(t, err)
	assert.False(t, hold.Ready, "the hold is only marked ready after its license is reserved")

	got := f.pool(t, pool.ID)
	assert.Equal(t, 1, got.LicensesAvailable)
	assert.Equal(t, 0, got.LicensesReserved)
	assert.NoError(t, got.Validate())
}
