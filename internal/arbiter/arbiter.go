package arbiter

import (
	"sync"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"

	"github.com/fastpass-net/fastpass/config"
	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/proto"
)

// Arbiter drives spec.md §4.H's per-timeslot loop: drain new demand,
// run the configured Allocator, and produce an AdmittedRecord per tick.
// "Reset per-timeslot allocator state" (step 2) needs no separate action
// here — both PimAllocator and EmuAllocator build their round-scoped
// scratch state fresh on every Allocate call.
type Arbiter struct {
	Table     demand.Table
	Allocator Allocator
	TslotNs   uint64

	mu        sync.Mutex
	lastCount map[uint64]uint64 // per-flow last reconstructed AREQ cumulative count
	tick      uint64
}

// New builds an Arbiter over an already-sized demand table.
func New(table demand.Table, alloc Allocator, tslotNs uint64) *Arbiter {
	return &Arbiter{
		Table:     table,
		Allocator: alloc,
		TslotNs:   tslotNs,
		lastCount: make(map[uint64]uint64),
	}
}

// IngestAreq applies one decoded AREQ entry to the demand table (step 1
// of spec.md §4.H's per-timeslot loop). The wire count is a low-16-bit
// wrapped cumulative counter, so it is reconstructed against this flow's
// last-seen value and only the positive delta is applied — re-delivery of
// an already-seen count is a no-op, matching demand.Record.Ack's own
// idempotence. It reports true if the reconstructed count violates the
// count > requested invariant (spec.md §4.B), in which case the demand
// table is left unchanged and the caller is expected to force a reset on
// the owning connection.
func (a *Arbiter) IngestAreq(flowKey uint64, wire proto.AreqDesc) bool {
	a.mu.Lock()
	anchor := a.lastCount[flowKey]
	full := proto.ReconstructAreqCount(wire.Count, anchor)
	if full <= anchor {
		a.mu.Unlock()
		return false
	}
	if !proto.AreqCountPlausible(full, anchor) {
		a.mu.Unlock()
		return true
	}
	delta := full - anchor
	a.lastCount[flowKey] = full
	a.mu.Unlock()

	a.Table.Get(flowKey).IncDemand(delta)
	return false
}

// HandleReset implements spec.md §4.H's protocol-fatal path: drain the
// demand table while preserving outstanding (undelivered) demand, per
// demand.Record's reset-rebalancing rule.
func (a *Arbiter) HandleReset() {
	a.Table.ResetAll()
}

// Tick runs one logical timeslot and returns its AdmittedRecord for the
// TX path to pack into ALLOC payloads.
func (a *Arbiter) Tick(topo *config.Topology, nowNs uint64) *AdmittedRecord {
	a.mu.Lock()
	a.tick++
	timeslot := a.tick
	a.mu.Unlock()

	rec := NewAdmittedRecord(topo, timeslot)
	a.Allocator.Allocate(a.Table, rec, nowNs)
	return rec
}

// Run drives the arbiter loop as a recurring discrete event on evtMgr —
// one tick every TslotNs nanoseconds — invoking onRecord with each
// timeslot's AdmittedRecord. It never blocks; the caller drives evtMgr's
// own event loop separately. Grounded directly on ITI-mrnes's flow.go
// self-rescheduling pattern (a handler that calls evtMgr.Schedule on
// itself before returning).
func (a *Arbiter) Run(evtMgr *evtm.EventManager, topo *config.Topology, onRecord func(*AdmittedRecord)) {
	a.scheduleNext(evtMgr, topo, onRecord)
}

type tickContext struct {
	topo     *config.Topology
	onRecord func(*AdmittedRecord)
}

func (a *Arbiter) scheduleNext(evtMgr *evtm.EventManager, topo *config.Topology, onRecord func(*AdmittedRecord)) {
	delaySeconds := float64(a.TslotNs) / 1e9
	evtMgr.Schedule(a, tickContext{topo: topo, onRecord: onRecord}, tickHandler, vrtime.SecondsToTime(delaySeconds))
}

func tickHandler(evtMgr *evtm.EventManager, context any, data any) any {
	a := context.(*Arbiter)
	tc := data.(tickContext)

	a.mu.Lock()
	nowNs := a.tick * a.TslotNs
	a.mu.Unlock()

	rec := a.Tick(tc.topo, nowNs)
	if tc.onRecord != nil {
		tc.onRecord(rec)
	}
	a.scheduleNext(evtMgr, tc.topo, tc.onRecord)
	return nil
}
