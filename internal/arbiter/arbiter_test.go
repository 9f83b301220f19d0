package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpass-net/fastpass/config"
	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/proto"
)

func TestIngestAreqAppliesOnlyThePositiveDelta(t *testing.T) {
	table := demand.NewDense(4)
	a := New(table, PimAllocator{NumEndpoints: 2}, 1000)
	key := FlowKey(0, 1, 2)

	a.IngestAreq(key, proto.AreqDesc{Dst: 1, Count: 3})
	assert.Equal(t, uint64(3), table.Get(key).Snapshot().Demand)

	a.IngestAreq(key, proto.AreqDesc{Dst: 1, Count: 3}) // re-delivery, no-op
	assert.Equal(t, uint64(3), table.Get(key).Snapshot().Demand)

	a.IngestAreq(key, proto.AreqDesc{Dst: 1, Count: 5})
	assert.Equal(t, uint64(5), table.Get(key).Snapshot().Demand)
}

func TestIngestAreqReportsViolationOnImplausibleJump(t *testing.T) {
	table := demand.NewDense(4)
	a := New(table, PimAllocator{NumEndpoints: 2}, 1000)
	key := FlowKey(0, 1, 2)

	violated := a.IngestAreq(key, proto.AreqDesc{Dst: 1, Count: 40000})
	assert.True(t, violated)
	assert.Equal(t, uint64(0), table.Get(key).Snapshot().Demand)
}

func TestTickProducesIncrementingTimeslots(t *testing.T) {
	table := demand.NewDense(4)
	topo := &config.Topology{EndpointGroups: []config.EndpointGroupDesc{{NumEndpoints: 2}}}
	a := New(table, PimAllocator{NumEndpoints: 2}, 1000)

	rec1 := a.Tick(topo, 0)
	rec2 := a.Tick(topo, 1000)
	require.Equal(t, uint64(1), rec1.Timeslot)
	require.Equal(t, uint64(2), rec2.Timeslot)
}

func TestHandleResetPreservesOutstandingDemand(t *testing.T) {
	table := demand.NewDense(4)
	key := FlowKey(0, 1, 2)
	table.Get(key).IncDemand(10)
	require.NoError(t, table.Get(key).IncAlloc(4))
	require.NoError(t, table.Get(key).IncUsed(4))

	a := New(table, PimAllocator{NumEndpoints: 2}, 1000)
	a.HandleReset()

	snap := table.Get(key).Snapshot()
	assert.Equal(t, uint64(6), snap.Demand, "10 demand minus 4 used survives the reset")
	assert.Equal(t, uint64(0), snap.Alloc)
	assert.Equal(t, uint64(0), snap.Used)
}
