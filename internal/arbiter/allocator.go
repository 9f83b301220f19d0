package arbiter

import (
	"sort"

	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/emu"
)

// FlowKey packs a (src,dst) endpoint pair into the small dense integer
// spec.md §4.C's demand.Dense indexes directly
// ("the arbiter itself assigns" small integer flow IDs) — the 64-bit
// destination key of spec.md §3 specialized to the arbiter's (src,dst)
// case, with numEndpoints the topology's endpoint count so Dense can be
// sized to cover the full src x dst cross product.
func FlowKey(src, dst uint16, numEndpoints int) uint64 {
	return uint64(src)*uint64(numEndpoints) + uint64(dst)
}

// UnflowKey is FlowKey's inverse.
func UnflowKey(key uint64, numEndpoints int) (src, dst uint16) {
	n := uint64(numEndpoints)
	return uint16(key / n), uint16(key % n)
}

// Allocator is the pluggable per-timeslot admission policy of spec.md
// §4.H: PIM (disjoint-partition grant/accept rounds) or the emulator
// fabric, run interchangeably behind the same interface.
type Allocator interface {
	// Allocate drains outstanding demand from table and fills rec with
	// this timeslot's admissions, crediting demand.Record.IncAlloc for
	// every entry it admits.
	Allocate(table demand.Table, rec *AdmittedRecord, nowNs uint64)
}

// PimAllocator is a single-round greedy placeholder for the full PIM
// grant/accept combinatorial matcher, explicitly out of scope per
// spec.md's Non-goals ("the particular PIM grant/accept combinatorial
// matcher... mentioned only as one pluggable allocator variant"). One
// round admits at most one (src,dst) pair per distinct src and per
// distinct dst — the same disjointness a single grant/accept round of
// real PIM guarantees over its partition — by visiting outstanding
// records in a deterministic key order and skipping any pair whose src
// or dst already has a grant this round.
type PimAllocator struct {
	NumEndpoints int
}

func (a PimAllocator) Allocate(table demand.Table, rec *AdmittedRecord, nowNs uint64) {
	type outstanding struct {
		rec *demand.Record
		key uint64
		n   uint64
	}
	var pending []outstanding
	table.ForEach(func(r *demand.Record) {
		snap := r.Snapshot()
		if snap.Alloc < snap.Demand {
			pending = append(pending, outstanding{rec: r, key: snap.Key, n: snap.Demand - snap.Alloc})
		}
	})
	// Deterministic order: PIM's own round-robin pointer makes its match
	// order reproducible run-to-run; a plain key sort gives the same
	// property here without needing per-core rotation state.
	sort.Slice(pending, func(i, j int) bool { return pending[i].key < pending[j].key })

	grantedSrc := make(map[uint16]bool)
	grantedDst := make(map[uint16]bool)
	var id uint16
	for _, o := range pending {
		src, dst := UnflowKey(o.key, a.NumEndpoints)
		if grantedSrc[src] || grantedDst[dst] {
			continue
		}
		if err := o.rec.IncAlloc(1); err != nil {
			continue
		}
		grantedSrc[src] = true
		grantedDst[dst] = true
		rec.Add(AdmittedEntry{Src: src, Dst: dst, ID: id, Flags: AllocFlagNone})
		id++
	}
}

// EmuAllocator runs the emulator fabric (component G) as the allocation
// decision: every destination with outstanding demand injects one packet
// into its source endpoint's app queue, the fabric steps one timeslot,
// and whatever each destination endpoint actually receives this tick is
// the admitted set — spec.md §4.H's "the emulator step" variant, and the
// literal meaning of component G's doc line "produces the admitted-traffic
// stream".
type EmuAllocator struct {
	Fabric *emu.Fabric
	// EndpointForSrc maps a wire-level src id to the Fabric endpoint that
	// represents it.
	EndpointForSrc map[uint16]*emu.Endpoint
	NumEndpoints   int
}

func (a EmuAllocator) Allocate(table demand.Table, rec *AdmittedRecord, nowNs uint64) {
	var id uint16
	table.ForEach(func(r *demand.Record) {
		snap := r.Snapshot()
		if snap.Alloc >= snap.Demand {
			return
		}
		src, dst := UnflowKey(snap.Key, a.NumEndpoints)
		ep, ok := a.EndpointForSrc[src]
		if !ok {
			return
		}
		dstEp, ok := a.Fabric.Endpoints[uint64(dst)]
		if !ok {
			return
		}
		if !ep.EnqueueFromApp(emu.Packet{SrcEndpoint: uint64(src), DstEndpoint: dstEp.ID}, nowNs) {
			return // dropped by the endpoint's own queueing discipline this tick
		}
		if err := r.IncAlloc(1); err != nil {
			return
		}
	})

	// IncAlloc above credits every packet injected this tick, but Step moves
	// a packet only one hop: it leaves its source endpoint in this Step and
	// reaches Deliver() only after one more Step per remaining hop plus the
	// destination's own ingress (two more calls in a single-rack fabric).
	// Alloc therefore runs ahead of the admitted set below by that many
	// ticks under EmuAllocator; PimAllocator has no such lag.
	a.Fabric.Step(nowNs)

	for _, ep := range a.Fabric.Endpoints {
		for _, pkt := range ep.Deliver() {
			rec.Add(AdmittedEntry{
				Src:   uint16(pkt.SrcEndpoint),
				Dst:   uint16(pkt.DstEndpoint),
				ID:    id,
				Flags: AllocFlagNone,
			})
			id++
		}
	}
}
