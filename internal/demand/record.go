// Package demand implements the per-destination demand table of spec.md
// §4.C: monotonic demand/requested/acked/alloc/used counters, individually
// lockable per record, with two storage shapes sharing the same Record
// type — a dense fixed-size vector for the arbiter's small integer flow
// IDs (internal/demand.Dense) and an open-addressed, growable table for
// the endpoint client's sparser (src,dst) keys (internal/demand.Sparse).
package demand

import (
	"errors"
	"sync"
)

// State is a flow's position in the endpoint client's request/retransmit
// queues (spec.md §4.F).
type State int

const (
	Unqueued State = iota
	InRequestQueue
	InRetransmitQueue
)

func (s State) String() string {
	switch s {
	case Unqueued:
		return "UNQUEUED"
	case InRequestQueue:
		return "IN_REQUEST_QUEUE"
	case InRetransmitQueue:
		return "IN_RETRANSMIT_QUEUE"
	default:
		return "UNKNOWN"
	}
}

// ErrCounterInvariant signals a protocol-fatal violation of
// demand >= requested >= acked: spec.md §4.C says this forces a reset.
var ErrCounterInvariant = errors.New("demand: acked exceeds demand")

// ErrAllocExceedsDemand signals alloc would exceed demand. Unlike
// ErrCounterInvariant this is not protocol-fatal: spec.md §4.C says the
// excess allocation is counted and dropped, not reset.
var ErrAllocExceedsDemand = errors.New("demand: alloc would exceed demand")

// ErrUsedExceedsAlloc signals used would exceed alloc.
var ErrUsedExceedsAlloc = errors.New("demand: used would exceed alloc")

// Record is one destination's counters (spec.md §3's "per-destination
// record"). Zero value is a valid, all-zero record in state Unqueued.
type Record struct {
	mu sync.Mutex

	Key uint64

	Demand    uint64
	Requested uint64
	Acked     uint64
	Alloc     uint64
	Used      uint64
	State     State
}

// IncDemand bumps demand by n; demand has no upper bound of its own.
func (r *Record) IncDemand(n uint64) {
	r.mu.Lock()
	r.Demand += n
	r.mu.Unlock()
}

// SetRequested records the request count the endpoint client just placed
// on the wire for this flow (spec.md §4.F's new_requested computation).
// requested may never exceed demand.
func (r *Record) SetRequested(n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.Demand {
		return ErrCounterInvariant
	}
	r.Requested = n
	return nil
}

// Ack raises acked to newAcked. Rejects newAcked > demand, which the
// caller treats as protocol-fatal (spec.md §4.C: "triggers forced reset").
// A newAcked at or below the current value is a no-op, not an error —
// the ack-vector mechanism can report the same cumulative count more
// than once.
func (r *Record) Ack(newAcked uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newAcked > r.Demand {
		return ErrCounterInvariant
	}
	if newAcked > r.Acked {
		r.Acked = newAcked
	}
	return nil
}

// Nack moves a flow into the retransmit queue (spec.md §4.F's state
// diagram). By the time a sent packet is actually nacked — window
// fall-off or a retransmit timeout — the flow has already transitioned
// to Unqueued at send time, so this sets InRetransmitQueue
// unconditionally rather than gating on the prior state. It does not
// touch any counter.
func (r *Record) Nack() {
	r.mu.Lock()
	r.State = InRetransmitQueue
	r.mu.Unlock()
}

// SetState records the endpoint client's request/retransmit queue
// membership for this flow (spec.md §4.F's state diagram); the demand
// table itself has no opinion on queue membership beyond storing it.
func (r *Record) SetState(s State) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

// IncAlloc bumps alloc by n, rejecting any increase that would push alloc
// past demand (spec.md §4.C: counted and dropped by the caller, not a
// forced reset).
func (r *Record) IncAlloc(n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Alloc+n > r.Demand {
		return ErrAllocExceedsDemand
	}
	r.Alloc += n
	return nil
}

// IncUsed bumps used by n, rejecting any increase that would push used
// past alloc.
func (r *Record) IncUsed(n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Used+n > r.Alloc {
		return ErrUsedExceedsAlloc
	}
	r.Used += n
	return nil
}

// Snapshot returns a copy of the record's counters for read-only use
// (e.g. building an AREQ section) without holding the lock across a
// caller's further work.
type Snapshot struct {
	Key       uint64
	Demand    uint64
	Requested uint64
	Acked     uint64
	Alloc     uint64
	Used      uint64
	State     State
}

func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Key:       r.Key,
		Demand:    r.Demand,
		Requested: r.Requested,
		Acked:     r.Acked,
		Alloc:     r.Alloc,
		Used:      r.Used,
		State:     r.State,
	}
}

// rebalanceOnReset implements spec.md §4.C's reset rule: subtract used
// from demand, then zero requested/acked/alloc/used — flows with
// outstanding demand survive a reset, fully-served flows are
// garbage-collected back to an all-zero record.
func (r *Record) rebalanceOnReset() {
	r.mu.Lock()
	if r.Used >= r.Demand {
		r.Demand = 0
	} else {
		r.Demand -= r.Used
	}
	r.Requested = 0
	r.Acked = 0
	r.Alloc = 0
	r.Used = 0
	r.State = Unqueued
	r.mu.Unlock()
}
