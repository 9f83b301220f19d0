package emu

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// RoutingTable selects the output port for a packet's destination
// endpoint — spec.md §4.G's RT stage.
type RoutingTable interface {
	Route(dstEndpoint uint64) (port int, ok bool)
}

// fabricGraph is the shared router-adjacency graph every router's
// RoutingTable consults for multi-hop routes, built once by Fabric and
// handed to each router's table. Grounded directly on ITI-mrnes's
// routes.go: routers become simple.Node ids, links become weight-1
// simple.WeightedEdge entries in a simple.WeightedUndirectedGraph, and a
// shortest-path tree is computed with path.DijkstraFrom and cached per
// source the same way routes.go's cachedSP does.
type fabricGraph struct {
	mu       sync.Mutex
	g        *simple.WeightedUndirectedGraph
	nodeID   map[string]int64
	nameByID map[int64]string
	trees    map[string]path.Shortest
}

func newFabricGraph() *fabricGraph {
	return &fabricGraph{
		g:        simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		nodeID:   make(map[string]int64),
		nameByID: make(map[int64]string),
		trees:    make(map[string]path.Shortest),
	}
}

func (fg *fabricGraph) nodeFor(name string) int64 {
	if id, ok := fg.nodeID[name]; ok {
		return id
	}
	id := int64(len(fg.nodeID))
	fg.nodeID[name] = id
	fg.nameByID[id] = name
	fg.g.AddNode(simple.Node(id))
	return id
}

func (fg *fabricGraph) link(a, b string) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	aID, bID := fg.nodeFor(a), fg.nodeFor(b)
	fg.g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(aID), T: simple.Node(bID), W: 1})
}

// nextHop returns the next router name on the shortest path from "from"
// toward "to", or ("", false) if there is none (disconnected fabric).
func (fg *fabricGraph) nextHop(from, to string) (string, bool) {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	if from == to {
		return "", false
	}
	tree, ok := fg.trees[from]
	if !ok {
		fromID, known := fg.nodeID[from]
		if !known {
			return "", false
		}
		tree = path.DijkstraFrom(simple.Node(fromID), fg.g)
		fg.trees[from] = tree
	}

	toID, known := fg.nodeID[to]
	if !known {
		return "", false
	}
	nodes, _ := tree.To(toID)
	if len(nodes) < 2 {
		return "", false
	}
	// nodes[0] is "from" itself; nodes[1] is the first hop toward "to".
	return fg.nameByID[nodes[1].ID()], true
}

// FabricRoutingTable is the RoutingTable a Router owns: endpoints attached
// directly to this router resolve to a local port immediately; anything
// else resolves via the shared fabricGraph's next-hop router, mapped to
// that neighbor's local port.
type FabricRoutingTable struct {
	self         string
	graph        *fabricGraph
	localPort    map[uint64]int    // endpoint id -> local port, for directly attached endpoints
	neighborPort map[string]int    // neighbor router name -> local port
	ownerRouter  map[uint64]string // shared, global: endpoint id -> owning router name
}

func newFabricRoutingTable(self string, g *fabricGraph, ownerRouter map[uint64]string) *FabricRoutingTable {
	return &FabricRoutingTable{
		self:         self,
		graph:        g,
		localPort:    make(map[uint64]int),
		neighborPort: make(map[string]int),
		ownerRouter:  ownerRouter,
	}
}

func (rt *FabricRoutingTable) bindLocal(endpoint uint64, port int) {
	rt.localPort[endpoint] = port
}

func (rt *FabricRoutingTable) bindNeighbor(name string, port int) {
	rt.neighborPort[name] = port
}

func (rt *FabricRoutingTable) Route(dst uint64) (int, bool) {
	if port, ok := rt.localPort[dst]; ok {
		return port, true
	}
	owner, ok := rt.ownerRouter[dst]
	if !ok || owner == rt.self {
		return 0, false
	}
	hop, ok := rt.graph.nextHop(rt.self, owner)
	if !ok {
		return 0, false
	}
	port, ok := rt.neighborPort[hop]
	return port, ok
}
