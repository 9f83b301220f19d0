package emu

import (
	"sync"

	"github.com/iti/rngstream"
)

// Receiver is anything that can accept a packet onto its ingress ring —
// implemented by both Router and Endpoint so a router's egress wiring
// doesn't need to know which kind of neighbor it is pushing to.
type Receiver interface {
	Push(pkt Packet) bool
}

// Router implements spec.md §4.G's RT ∘ CLA ∘ QM ∘ SCH composition over a
// shared QueueBank.
type Router struct {
	Name string

	bank *QueueBank
	rt   RoutingTable
	cla  Classifier
	qm   QueueManager
	sch  Scheduler
	rng  *rngstream.RngStream

	maxBurst       int
	ingressCap     int
	dropOnFailedTx bool
	stats          *Counters

	mu       sync.Mutex
	ingress  []Packet // drained by this tick's Step
	pending  []Packet // filled by Push calls during this tick, promoted to ingress next tick
	outputs  map[int]Receiver
	retryBuf map[int]Packet
}

// NewRouter builds a router over a fresh QueueBank sized numPorts x
// numQueues x portCapacity.
func NewRouter(name string, numPorts, numQueues, portCapacity, maxBurst int, rt RoutingTable,
	cla Classifier, qm QueueManager, sch Scheduler, dropOnFailedTx bool, stats *Counters) *Router {
	return &Router{
		Name:           name,
		bank:           NewQueueBank(numPorts, numQueues, portCapacity),
		rt:             rt,
		cla:            cla,
		qm:             qm,
		sch:            sch,
		rng:            rngstream.New(name),
		maxBurst:       maxBurst,
		ingressCap:     maxBurst * 4,
		dropOnFailedTx: dropOnFailedTx,
		stats:          stats,
		outputs:        make(map[int]Receiver),
		retryBuf:       make(map[int]Packet),
	}
}

// Bind attaches the Receiver reached through a given output port.
func (r *Router) Bind(port int, dst Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[port] = dst
}

// Push implements Receiver: packets land in a bounded pending buffer that
// is only promoted to the drainable ingress ring at the start of the
// *next* Step call — spec.md §4.G's "packets pushed in one step cannot be
// pulled until the next", enforced regardless of the order Fabric.Step
// visits routers in within a single tick.
func (r *Router) Push(pkt Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ingress)+len(r.pending) >= r.ingressCap {
		return false
	}
	r.pending = append(r.pending, pkt)
	return true
}

// shuffle performs an in-place Fisher-Yates shuffle using the router's own
// RNG stream, per spec.md §4.G's "shuffle randomly to avoid endpoint bias".
func (r *Router) shuffle(pkts []Packet) {
	for i := len(pkts) - 1; i > 0; i-- {
		j := int(r.rng.RandU01() * float64(i+1))
		if j > i {
			j = i
		}
		pkts[i], pkts[j] = pkts[j], pkts[i]
	}
}

// StepIngress runs the first half of one timeslot: promote whatever
// landed in the pending buffer since the last tick into the drainable
// ingress ring, pull up to maxBurst, shuffle, and classify/route/enqueue.
// Fabric.Step runs StepIngress for every router before any router's
// StepEgress, so a packet Push-ed by one router's StepEgress this tick
// can only be promoted by its destination's StepIngress on the *next*
// tick — regardless of the order routers are visited in, per spec.md
// §4.G's "packets pushed in one step cannot be pulled until the next".
func (r *Router) StepIngress(nowNs uint64) {
	r.mu.Lock()
	r.ingress = append(r.ingress, r.pending...)
	r.pending = nil
	var batch []Packet
	if len(r.ingress) > r.maxBurst {
		batch = r.ingress[:r.maxBurst]
		r.ingress = r.ingress[r.maxBurst:]
	} else {
		batch = r.ingress
		r.ingress = nil
	}
	r.mu.Unlock()

	r.shuffle(batch)

	for _, pkt := range batch {
		port, ok := r.rt.Route(pkt.DstEndpoint)
		if !ok {
			r.stats.noRoute()
			continue
		}
		queue := r.cla.ClassifyQueue(pkt)
		r.qm.Enqueue(r.bank, port, queue, pkt, nowNs)
	}
}

// StepEgress runs the second half of one timeslot: pull at most one
// packet per output port and deliver it, retrying or dropping a failed
// delivery per dropOnFailedTx.
func (r *Router) StepEgress(nowNs uint64) {
	for port := 0; port < r.bank.NumPorts(); port++ {
		r.mu.Lock()
		retry, haveRetry := r.retryBuf[port]
		r.mu.Unlock()

		pkt := retry
		ok := haveRetry
		if !ok {
			pkt, ok = r.sch.Pull(r.bank, port)
		}
		if !ok {
			continue
		}

		if r.deliver(port, pkt) {
			if haveRetry {
				r.mu.Lock()
				delete(r.retryBuf, port)
				r.mu.Unlock()
			}
			continue
		}

		if r.dropOnFailedTx {
			r.stats.dropped()
			r.mu.Lock()
			delete(r.retryBuf, port)
			r.mu.Unlock()
		} else {
			r.mu.Lock()
			r.retryBuf[port] = pkt
			r.mu.Unlock()
		}
	}
}

// Step runs StepIngress followed by StepEgress for standalone use
// (tests, or a fabric with a single router); Fabric.Step instead runs
// every router's StepIngress before any StepEgress.
func (r *Router) Step(nowNs uint64) {
	r.StepIngress(nowNs)
	r.StepEgress(nowNs)
}

func (r *Router) deliver(port int, pkt Packet) bool {
	r.mu.Lock()
	out, ok := r.outputs[port]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return out.Push(pkt)
}
