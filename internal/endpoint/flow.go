// Package endpoint implements the endpoint client of spec.md §4.F: it
// classifies outgoing packets into flows, meters them against allocated
// timeslots via a per-flow credit balance, and drives the demand table
// and request/retransmit queues that feed the protocol engine's outbound
// requests.
package endpoint

import "sync"

// FlowKey identifies a flow: for TCP traffic, the (src_ip,dst_ip) pair
// packed into 64 bits; for everything else, the destination endpoint ID
// when the classifier can resolve one, else the same packed IP pair.
type FlowKey uint64

// InternalFlowKey is the explicit flow-kind sentinel replacing the
// original qdisc's magic `do_not_schedule` value (spec.md §9 design
// note): control packets, ARP, and NTP are routed here and never
// request or await a timeslot.
const InternalFlowKey FlowKey = 0

// Flow is one (src,dst) traffic class at the endpoint (spec.md §3): a
// FIFO of pending packets and a signed credit budget against the
// currently-allocated timeslot.
type Flow struct {
	mu sync.Mutex

	Key      FlowKey
	Internal bool

	queue  [][]byte
	Credit int64 // nanoseconds of transmit time; may go negative
}

func newFlow(key FlowKey, internal bool) *Flow {
	return &Flow{Key: key, Internal: internal}
}

// Enqueue appends pkt to the flow's FIFO.
func (f *Flow) Enqueue(pkt []byte) {
	f.mu.Lock()
	f.queue = append(f.queue, pkt)
	f.mu.Unlock()
}

// Dequeue pops the oldest queued packet, reporting false if empty.
func (f *Flow) Dequeue() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	pkt := f.queue[0]
	f.queue = f.queue[1:]
	return pkt, true
}

// Len reports the number of packets currently queued.
func (f *Flow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// AddCredit adds delta to the flow's credit balance and returns the new
// value.
func (f *Flow) AddCredit(delta int64) int64 {
	f.mu.Lock()
	f.Credit += delta
	v := f.Credit
	f.mu.Unlock()
	return v
}

// CreditValue reads the current credit balance.
func (f *Flow) CreditValue() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Credit
}
