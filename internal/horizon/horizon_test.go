package horizon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpass-net/fastpass/internal/demand"
)

const testTslotLenNs = 1_000_000

func TestSetRejectsOutOfBoundsTslot(t *testing.T) {
	h := New(10, testTslotLenNs, 0)
	assert.ErrorIs(t, h.Set(9, 1), ErrOutOfBounds, "below base is out of bounds")
	assert.ErrorIs(t, h.Set(74, 1), ErrOutOfBounds, "at base+64 is out of bounds")
	assert.NoError(t, h.Set(73, 1), "at base+63, the last in-range slot")
}

// TestSetMaskBitIsRelativeToBase guards against conflating the mask's
// base-relative bit index with schedule's absolute tslot%64 index: once
// base isn't a multiple of 64, the two diverge and must be computed
// separately (spec.md §4.E: "bit 0 always corresponds to the timeslot in
// progress").
func TestSetMaskBitIsRelativeToBase(t *testing.T) {
	h := New(70, testTslotLenNs, 0) // base=70, base%64=6
	require.NoError(t, h.Set(70, 55))

	assert.Equal(t, 0, h.NextNonEmpty(), "tslot==base must land on mask bit 0")
	wasSet, dst := h.Advance()
	assert.True(t, wasSet)
	assert.Equal(t, uint64(55), dst, "schedule lookup must use the absolute tslot%64 index")
}

func TestNextNonEmptyFindsLowestSetBit(t *testing.T) {
	h := New(0, testTslotLenNs, 0)
	assert.Equal(t, NoneScheduled, h.NextNonEmpty())

	require.NoError(t, h.Set(5, 100))
	require.NoError(t, h.Set(2, 200))
	assert.Equal(t, 2, h.NextNonEmpty())
}

// TestHorizonMiss is spec.md's scenario S4: a slot allocated at t0 that the
// watchdog only discovers 11 timeslots late must bump demand and alloc for
// its destination, clear the horizon bit, and count one missed timeslot.
func TestHorizonMiss(t *testing.T) {
	t0 := uint64(0)
	h := New(0, testTslotLenNs, t0)
	require.NoError(t, h.Set(10, 42))

	rec := &demand.Record{}
	rec.IncDemand(1) // the original request that earned this allocation
	require.NoError(t, rec.IncAlloc(1))

	h.AdvanceTo(t0+11*testTslotLenNs, func(dstKey uint64) {
		require.Equal(t, uint64(42), dstKey)
		rec.IncDemand(1)
		require.NoError(t, rec.IncAlloc(1))
	})

	assert.Equal(t, uint64(1), h.MissedTimeslots())
	assert.Equal(t, uint64(11), h.BaseTslot())
	assert.Equal(t, NoneScheduled, h.NextNonEmpty(), "the missed slot's bit must be cleared by the shift")
	assert.Equal(t, uint64(2), rec.Demand)
	assert.Equal(t, uint64(2), rec.Alloc)
}

func TestAdvanceToWithNoMissesNeverInvokesCallback(t *testing.T) {
	h := New(0, testTslotLenNs, 0)
	called := false
	h.AdvanceTo(5*testTslotLenNs, func(uint64) { called = true })
	assert.False(t, called)
	assert.Equal(t, uint64(5), h.BaseTslot())
}

func TestAdvanceReportsCurrentSlotThenShifts(t *testing.T) {
	h := New(0, testTslotLenNs, 0)
	require.NoError(t, h.Set(0, 7))

	wasSet, dst := h.Advance()
	assert.True(t, wasSet)
	assert.Equal(t, uint64(7), dst)
	assert.Equal(t, uint64(1), h.BaseTslot())

	wasSet, _ = h.Advance()
	assert.False(t, wasSet)
}

func TestResetClearsMaskAndSchedule(t *testing.T) {
	h := New(0, testTslotLenNs, 0)
	require.NoError(t, h.Set(3, 9))
	h.Reset(100, 50)
	assert.Equal(t, uint64(100), h.BaseTslot())
	assert.Equal(t, NoneScheduled, h.NextNonEmpty())
}
