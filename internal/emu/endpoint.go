package emu

import "sync"

// Endpoint is the emulator fabric's simulated host, symmetric per
// spec.md §4.G: network-in is delivered straight up the stack, while
// app-out runs through the same QueueManager/Scheduler pipeline a router
// uses before reaching the network. Grounded directly on
// original_source/drop_tail.c's drop_tail_endpoint_rcv_from_net (no
// queueing discipline, straight to enqueue_packet_at_endpoint) versus
// drop_tail_endpoint_rcv_from_app (goes through the output queue).
type Endpoint struct {
	ID uint64

	bank *QueueBank
	qm   QueueManager
	sch  Scheduler
	cla  Classifier
	stats *Counters

	netInCap int
	router   Receiver

	mu        sync.Mutex
	netIn     []Packet // drained by this tick's Step
	netPending []Packet // filled by Push during this tick, promoted next tick
	delivered []Packet
}

// NewEndpoint builds an endpoint with its own single-port queueing
// discipline (port 0 is its one NIC).
func NewEndpoint(id uint64, numQueues, portCapacity, netInCap int, cla Classifier, qm QueueManager, sch Scheduler, stats *Counters) *Endpoint {
	return &Endpoint{
		ID:       id,
		bank:     NewQueueBank(1, numQueues, portCapacity),
		qm:       qm,
		sch:      sch,
		cla:      cla,
		stats:    stats,
		netInCap: netInCap,
	}
}

// AttachRouter tells the endpoint where Step should push its outgoing
// packets.
func (e *Endpoint) AttachRouter(r Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.router = r
}

// Push implements Receiver: a packet arriving from the network lands in
// netPending, promoted to netIn at the start of the next Step — see
// Router.Push for why this one-tick delay matters.
func (e *Endpoint) Push(pkt Packet) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.netIn)+len(e.netPending) >= e.netInCap {
		return false
	}
	e.netPending = append(e.netPending, pkt)
	return true
}

// EnqueueFromApp feeds an outgoing packet from the endpoint's traffic
// source through the queueing discipline, mirroring
// drop_tail_endpoint_rcv_from_app.
func (e *Endpoint) EnqueueFromApp(pkt Packet, nowNs uint64) bool {
	queue := e.cla.ClassifyQueue(pkt)
	return e.qm.Enqueue(e.bank, 0, queue, pkt, nowNs)
}

// StepIngress promotes whatever landed in netPending since the last tick
// into netIn and delivers it up the stack. EndpointGroup/Fabric run every
// endpoint's StepIngress before any endpoint's StepEgress, so a packet a
// router pushes this tick is only drained here on the *next* tick — the
// same cross-tick guarantee Router.StepIngress/StepEgress enforce.
func (e *Endpoint) StepIngress(nowNs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.netIn = append(e.netIn, e.netPending...)
	e.netPending = nil
	arrived := e.netIn
	e.netIn = nil
	e.delivered = append(e.delivered, arrived...)
}

// StepEgress pulls at most one outgoing packet per timeslot onto the
// attached router.
func (e *Endpoint) StepEgress(nowNs uint64) {
	e.mu.Lock()
	router := e.router
	e.mu.Unlock()

	pkt, ok := e.sch.Pull(e.bank, 0)
	if !ok || router == nil {
		return
	}
	if !router.Push(pkt) {
		e.stats.dropped()
	}
}

// Step runs StepIngress followed by StepEgress, for standalone use
// outside a Fabric.
func (e *Endpoint) Step(nowNs uint64) {
	e.StepIngress(nowNs)
	e.StepEgress(nowNs)
}

// Deliver drains packets that have arrived at this endpoint since the
// last call, for a real application layer (internal/endpoint.Client) to
// consume.
func (e *Endpoint) Deliver() []Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.delivered
	e.delivered = nil
	return out
}

// EndpointGroup is a pack of endpoints sharing a driver, spec.md §4.G's
// EndpointGroup.
type EndpointGroup struct {
	Name      string
	Endpoints []*Endpoint
}

// StepIngress runs StepIngress on every endpoint in the group.
func (g *EndpointGroup) StepIngress(nowNs uint64) {
	for _, ep := range g.Endpoints {
		ep.StepIngress(nowNs)
	}
}

// StepEgress runs StepEgress on every endpoint in the group.
func (g *EndpointGroup) StepEgress(nowNs uint64) {
	for _, ep := range g.Endpoints {
		ep.StepEgress(nowNs)
	}
}

// Step advances every endpoint in the group by one timeslot, ingress then
// egress, for standalone use outside a Fabric.
func (g *EndpointGroup) Step(nowNs uint64) {
	g.StepIngress(nowNs)
	g.StepEgress(nowNs)
}
