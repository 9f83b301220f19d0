package emu

import (
	"fmt"
	"sort"

	"github.com/fastpass-net/fastpass/config"
)

// Fabric is a fully wired emulator fabric built from a config.Topology:
// every router and endpoint group constructed, ports bound to neighbors
// or local endpoints, and routing tables sharing one connectivity graph —
// the counterpart of what github.com/iti/mrnes's desc-topo.go builds from
// its own topology dictionary.
type Fabric struct {
	Routers        map[string]*Router
	EndpointGroups map[string]*EndpointGroup
	Endpoints      map[uint64]*Endpoint

	stepOrder []string // router step order, taken from the topology file's router list
}

func queueManagerFor(cfg config.QueueManagerConfig, streamName string, stats *Counters) QueueManager {
	switch cfg.Kind {
	case config.QMRed:
		return NewRedQM(RedConfig{MinThresh: cfg.RedMinThresh, MaxThresh: cfg.RedMaxThresh, Weight: cfg.RedWeight}, streamName, stats)
	case config.QMDctcp:
		return DctcpQM{Cfg: DctcpConfig{MarkThresh: cfg.DctcpMarkThresh}, Stats: stats}
	case config.QMHull:
		return NewHullQM(HullConfig{Gamma: cfg.HullGamma, LineRateBps: cfg.HullLineRateBps, MarkThreshBytes: cfg.HullMarkThreshBytes}, stats)
	default: // drop_tail, priority, round_robin: admission is plain drop-tail
		return DropTailQM{Stats: stats}
	}
}

func numQueuesFor(cfg config.QueueManagerConfig) int {
	switch cfg.Kind {
	case config.QMPriority, config.QMRoundRobin:
		if cfg.NumPriorities > 0 {
			return cfg.NumPriorities
		}
		return 1
	default:
		return 1
	}
}

func schedulerFor(cfg config.QueueManagerConfig) Scheduler {
	if cfg.Kind == config.QMRoundRobin {
		return NewRoundRobinScheduler()
	}
	return PriorityScheduler{}
}

// neighborsOf returns, for every router name, the sorted set of routers it
// is linked to in either direction — RouterDesc.ConnectsTo is declared by
// the "downstream" side (tor -> core) only, so a core router's neighbor
// set has to be recovered from the reverse direction too.
func neighborsOf(topo *config.Topology) map[string][]string {
	adj := make(map[string]map[string]bool)
	touch := func(name string) {
		if adj[name] == nil {
			adj[name] = make(map[string]bool)
		}
	}
	for _, r := range topo.Routers {
		touch(r.Name)
		for _, nb := range r.ConnectsTo {
			touch(nb)
			adj[r.Name][nb] = true
			adj[nb][r.Name] = true
		}
	}
	out := make(map[string][]string, len(adj))
	for name, set := range adj {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[name] = names
	}
	return out
}

// BuildFabric wires a complete emulator fabric from a topology description
// and a shared stats block (may be nil).
func BuildFabric(topo *config.Topology, stats *Counters) (*Fabric, error) {
	if len(topo.Routers) == 0 {
		return nil, fmt.Errorf("emu: topology has no routers")
	}

	routerDesc := make(map[string]config.RouterDesc, len(topo.Routers))
	for _, r := range topo.Routers {
		routerDesc[r.Name] = r
	}

	graph := newFabricGraph()
	for _, r := range topo.Routers {
		graph.nodeFor(r.Name)
		for _, nb := range r.ConnectsTo {
			graph.link(r.Name, nb)
		}
	}
	neighbors := neighborsOf(topo)

	// Assign every endpoint a fabric-wide id and record which router owns
	// it, before any Router or RoutingTable is built, since every
	// RoutingTable shares this one ownership map.
	ownerRouter := make(map[uint64]string)
	type localEndpoint struct {
		id    uint64
		group string
	}
	localByRouter := make(map[string][]localEndpoint)
	var nextID uint64
	for _, eg := range topo.EndpointGroups {
		if _, ok := routerDesc[eg.AttachedRouter]; !ok {
			return nil, fmt.Errorf("emu: endpoint group %q attached to unknown router %q", eg.Name, eg.AttachedRouter)
		}
		for i := 0; i < eg.NumEndpoints; i++ {
			id := nextID
			nextID++
			ownerRouter[id] = eg.AttachedRouter
			localByRouter[eg.AttachedRouter] = append(localByRouter[eg.AttachedRouter], localEndpoint{id: id, group: eg.Name})
		}
	}

	fab := &Fabric{
		Routers:        make(map[string]*Router),
		EndpointGroups: make(map[string]*EndpointGroup),
		Endpoints:      make(map[uint64]*Endpoint),
	}
	routingTables := make(map[string]*FabricRoutingTable, len(topo.Routers))

	// Pass 1: construct every router, its routing table, and its local
	// endpoint port bindings (port numbers [0, len(local endpoints))).
	for _, r := range topo.Routers {
		rt := newFabricRoutingTable(r.Name, graph, ownerRouter)
		routingTables[r.Name] = rt

		qmCfg := r.QueueManager
		numQueues := numQueuesFor(qmCfg)
		qm := queueManagerFor(qmCfg, r.Name, stats)
		sch := schedulerFor(qmCfg)
		cla := Classifier{NumPriorities: qmCfg.NumPriorities}

		router := NewRouter(r.Name, r.NumPorts, numQueues, qmCfg.PortCapacity, topo.RouterMaxBurst, rt, cla, qm, sch, topo.DropOnFailedTx, stats)
		fab.Routers[r.Name] = router
		fab.stepOrder = append(fab.stepOrder, r.Name)

		for i, le := range localByRouter[r.Name] {
			if i >= r.NumPorts {
				return nil, fmt.Errorf("emu: router %q has %d ports, not enough for %d local endpoints", r.Name, r.NumPorts, len(localByRouter[r.Name]))
			}
			rt.bindLocal(le.id, i)
		}
	}

	// Pass 2: bind neighbor ports (port numbers starting right after the
	// local endpoint ports) and cross-wire router-to-router Receivers, now
	// that every Router exists.
	for _, r := range topo.Routers {
		router := fab.Routers[r.Name]
		rt := routingTables[r.Name]
		localCount := len(localByRouter[r.Name])
		for i, nb := range neighbors[r.Name] {
			port := localCount + i
			if port >= r.NumPorts {
				return nil, fmt.Errorf("emu: router %q has %d ports, not enough for %d local endpoints plus %d neighbors", r.Name, r.NumPorts, localCount, len(neighbors[r.Name]))
			}
			rt.bindNeighbor(nb, port)
			router.Bind(port, fab.Routers[nb])
		}
	}

	// Pass 3: build endpoint groups and bind each endpoint to its local
	// router port.
	for _, eg := range topo.EndpointGroups {
		router := fab.Routers[eg.AttachedRouter]
		qmCfg := routerDesc[eg.AttachedRouter].QueueManager
		group := &EndpointGroup{Name: eg.Name}

		for i, le := range localByRouter[eg.AttachedRouter] {
			if le.group != eg.Name {
				continue
			}
			numQueues := numQueuesFor(qmCfg)
			qm := queueManagerFor(qmCfg, fmt.Sprintf("%s-ep-%d", eg.Name, le.id), stats)
			sch := schedulerFor(qmCfg)
			cla := Classifier{NumPriorities: qmCfg.NumPriorities}

			ep := NewEndpoint(le.id, numQueues, qmCfg.PortCapacity, topo.RouterMaxBurst*4, cla, qm, sch, stats)
			ep.AttachRouter(router)
			router.Bind(i, ep)

			group.Endpoints = append(group.Endpoints, ep)
			fab.Endpoints[le.id] = ep
		}
		fab.EndpointGroups[eg.Name] = group
	}

	return fab, nil
}

// Step advances the whole fabric by one timeslot. It runs every router's
// and every endpoint's StepIngress before running any of their StepEgress,
// so a packet delivered via Push by one member's StepEgress this tick is
// only promoted by the receiving member's StepIngress on the *next* tick —
// regardless of which router or endpoint group f.stepOrder or map
// iteration visits first. Running the two phases per-member instead (as a
// combined Step call) would let a packet cross two hops in one tick
// whenever the destination happened to be visited after the source within
// the same pass; see Router.StepIngress's doc comment.
func (f *Fabric) Step(nowNs uint64) {
	for _, name := range f.stepOrder {
		f.Routers[name].StepIngress(nowNs)
	}
	for _, group := range f.EndpointGroups {
		group.StepIngress(nowNs)
	}

	for _, name := range f.stepOrder {
		f.Routers[name].StepEgress(nowNs)
	}
	for _, group := range f.EndpointGroups {
		group.StepEgress(nowNs)
	}
}
