package emu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpass-net/fastpass/config"
)

func smallSingleRack() *config.Topology {
	return &config.Topology{
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
}

func smallTwoRackCore() *config.Topology {
	qm := config.DefaultQueueManagerConfig()
	return &config.Topology{
		Kind: config.TopologyTwoRackCore,
		EndpointGroups: []config.EndpointGroupDesc{
			{Name: "rack0", NumEndpoints: 2, AttachedRouter: "tor0"},
			{Name: "rack1", NumEndpoints: 2, AttachedRouter: "tor1"},
		},
		Routers: []config.RouterDesc{
			{Name: "tor0", NumPorts: 3, QueueManager: qm, ConnectsTo: []string{"core0"}},
			{Name: "tor1", NumPorts: 3, QueueManager: qm, ConnectsTo: []string{"core0"}},
			{Name: "core0", NumPorts: 2, QueueManager: qm},
		},
		RouterMaxBurst: 8,
		DropOnFailedTx: true,
	}
}

func TestBuildFabricSingleRackWiring(t *testing.T) {
	fab, err := BuildFabric(smallSingleRack(), nil)
	require.NoError(t, err)

	require.Len(t, fab.Endpoints, 2)
	require.Contains(t, fab.Routers, "tor0")
	require.Contains(t, fab.EndpointGroups, "rack0")
	assert.Len(t, fab.EndpointGroups["rack0"].Endpoints, 2)
}

// TestSingleRackDeliversWithinFabric exercises a full endpoint -> router ->
// endpoint round trip: an app-originated packet is delivered on the third
// Fabric.Step (one to reach the router, one for the router to push it to
// dst, one for dst's StepIngress to deliver it up the stack), matching the
// one-hop-per-tick discipline Fabric.Step enforces.
func TestSingleRackDeliversWithinFabric(t *testing.T) {
	fab, err := BuildFabric(smallSingleRack(), nil)
	require.NoError(t, err)

	var src, dst *Endpoint
	for _, ep := range fab.EndpointGroups["rack0"].Endpoints {
		if src == nil {
			src = ep
		} else {
			dst = ep
		}
	}
	require.NotNil(t, src)
	require.NotNil(t, dst)

	require.True(t, src.EnqueueFromApp(Packet{DstEndpoint: dst.ID, Len: 64}, 0))

	fab.Step(0) // src.StepEgress pushes onto tor0
	assert.Empty(t, dst.Deliver())

	fab.Step(1) // tor0.StepIngress enqueues, tor0.StepEgress pushes to dst
	assert.Empty(t, dst.Deliver())

	fab.Step(2) // dst.StepIngress finally delivers it up the stack
	delivered := dst.Deliver()
	require.Len(t, delivered, 1)
	assert.Equal(t, dst.ID, delivered[0].DstEndpoint)
}

func TestBuildFabricTwoRackCoreWiring(t *testing.T) {
	fab, err := BuildFabric(smallTwoRackCore(), nil)
	require.NoError(t, err)

	require.Contains(t, fab.Routers, "tor0")
	require.Contains(t, fab.Routers, "tor1")
	require.Contains(t, fab.Routers, "core0")
	assert.Len(t, fab.Endpoints, 4)
}

// TestTwoRackCoreRoutesAcrossCore sends a packet from a rack0 endpoint to a
// rack1 endpoint and steps the fabric enough ticks for it to cross
// src -> tor0 -> core0 -> tor1 -> dst, one hop per tick, plus the tick in
// which dst's StepIngress delivers it up the stack.
func TestTwoRackCoreRoutesAcrossCore(t *testing.T) {
	fab, err := BuildFabric(smallTwoRackCore(), nil)
	require.NoError(t, err)

	src := fab.EndpointGroups["rack0"].Endpoints[0]
	dst := fab.EndpointGroups["rack1"].Endpoints[0]

	require.True(t, src.EnqueueFromApp(Packet{DstEndpoint: dst.ID, Len: 64}, 0))

	for tick := uint64(0); tick < 5; tick++ {
		fab.Step(tick)
	}

	delivered := dst.Deliver()
	require.Len(t, delivered, 1, "packet must cross src->tor0->core0->tor1->dst and be delivered within 5 ticks")
	assert.Equal(t, dst.ID, delivered[0].DstEndpoint)
}

func TestBuildFabricRejectsUnknownAttachedRouter(t *testing.T) {
	topo := smallSingleRack()
	topo.EndpointGroups[0].AttachedRouter = "nope"
	_, err := BuildFabric(topo, nil)
	assert.Error(t, err)
}

func TestBuildFabricRejectsEmptyTopology(t *testing.T) {
	_, err := BuildFabric(&config.Topology{}, nil)
	assert.Error(t, err)
}
