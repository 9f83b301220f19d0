package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpass-net/fastpass/config"
	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/emu"
)

func TestEmuAllocatorDeliversAcrossTicks(t *testing.T) {
	topo := &config.Topology{
		Kind: config.TopologySingleRack,
		EndpointGroups: []config.EndpointGroupDesc{
			{Name: "rack0", NumEndpoints: 2, AttachedRouter: "tor0"},
		},
		Routers: []config.RouterDesc{
			{Name: "tor0", NumPorts: 2, QueueManager: config.DefaultQueueManagerConfig()},
		},
		RouterMaxBurst: 8,
		DropOnFailedTx: true,
	}
	fab, err := emu.BuildFabric(topo, nil)
	require.NoError(t, err)

	numEndpoints := topo.NumEndpoints()
	table := demand.NewDense(4) // next pow-2 >= 2*2

	endpointForSrc := make(map[uint16]*emu.Endpoint, numEndpoints)
	for id, ep := range fab.Endpoints {
		endpointForSrc[uint16(id)] = ep
	}
	alloc := EmuAllocator{Fabric: fab, EndpointForSrc: endpointForSrc, NumEndpoints: numEndpoints}

	srcKey := FlowKey(0, 1, numEndpoints)
	table.Get(srcKey).IncDemand(1)

	for tick := uint64(0); tick < 4; tick++ {
		rec := NewAdmittedRecord(topo, tick)
		alloc.Allocate(table, rec, tick)
		if rec.NAdmitted > 0 {
			assert.Equal(t, uint16(0), rec.Entries[0].Src)
			assert.Equal(t, uint16(1), rec.Entries[0].Dst)
			return
		}
	}
	t.Fatal("expected the admitted packet to arrive within a few ticks")
}
