package demand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncDemandHasNoUpperBound(t *testing.T) {
	r := &Record{}
	r.IncDemand(10)
	r.IncDemand(5)
	assert.Equal(t, uint64(15), r.Demand)
}

func TestAckRejectsExceedingDemand(t *testing.T) {
	r := &Record{}
	r.IncDemand(10)
	require.NoError(t, r.Ack(10))
	assert.Equal(t, uint64(10), r.Acked)

	err := r.Ack(11)
	assert.ErrorIs(t, err, ErrCounterInvariant)
	assert.Equal(t, uint64(10), r.Acked, "a rejected ack must not move the counter")
}

func TestAckIsMonotonic(t *testing.T) {
	r := &Record{}
	r.IncDemand(100)
	require.NoError(t, r.Ack(40))
	require.NoError(t, r.Ack(40)) // duplicate cumulative count, not an error
	assert.Equal(t, uint64(40), r.Acked)
	require.NoError(t, r.Ack(20)) // stale/out-of-order report must not move it backwards
	assert.Equal(t, uint64(40), r.Acked)
}

func TestIncAllocRejectsExceedingDemand(t *testing.T) {
	r := &Record{}
	r.IncDemand(5)
	require.NoError(t, r.IncAlloc(5))
	err := r.IncAlloc(1)
	assert.ErrorIs(t, err, ErrAllocExceedsDemand)
	assert.Equal(t, uint64(5), r.Alloc)
}

func TestIncUsedRejectsExceedingAlloc(t *testing.T) {
	r := &Record{}
	r.IncDemand(5)
	require.NoError(t, r.IncAlloc(3))
	require.NoError(t, r.IncUsed(3))
	err := r.IncUsed(1)
	assert.ErrorIs(t, err, ErrUsedExceedsAlloc)
}

func TestNackForcesRetransmitQueueRegardlessOfPriorState(t *testing.T) {
	r := &Record{}
	r.Nack()
	assert.Equal(t, InRetransmitQueue, r.State, "a sent packet's flow is Unqueued by nack time; nack must still requeue it")

	r.SetState(InRequestQueue)
	r.Nack()
	assert.Equal(t, InRetransmitQueue, r.State)
}

func TestSetStateRecordsQueueMembership(t *testing.T) {
	r := &Record{}
	r.SetState(InRequestQueue)
	assert.Equal(t, InRequestQueue, r.State)
}

func TestRebalanceOnResetSurvivesOutstandingDemand(t *testing.T) {
	r := &Record{}
	r.IncDemand(10)
	require.NoError(t, r.SetRequested(8))
	require.NoError(t, r.Ack(6))
	require.NoError(t, r.IncAlloc(6))
	require.NoError(t, r.IncUsed(4))
	r.State = InRequestQueue

	r.rebalanceOnReset()

	assert.Equal(t, uint64(6), r.Demand, "demand minus used survives")
	assert.Equal(t, uint64(0), r.Requested)
	assert.Equal(t, uint64(0), r.Acked)
	assert.Equal(t, uint64(0), r.Alloc)
	assert.Equal(t, uint64(0), r.Used)
	assert.Equal(t, Unqueued, r.State)
}

func TestRebalanceOnResetGarbageCollectsFullyServedFlow(t *testing.T) {
	r := &Record{}
	r.IncDemand(4)
	require.NoError(t, r.IncAlloc(4))
	require.NoError(t, r.IncUsed(4))

	r.rebalanceOnReset()

	assert.Equal(t, Snapshot{}, r.Snapshot())
}
