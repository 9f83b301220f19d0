// Package arbiter implements the arbiter loop of spec.md §4.H: per logical
// timeslot it drains new demand, resets per-tick allocator state, runs a
// pluggable Allocator (PIM or the emulator fabric), and produces an
// admitted-traffic record for the TX path to pack into ALLOC payloads.
package arbiter

import "github.com/fastpass-net/fastpass/config"

// AllocFlags mirrors fpproto.h's per-slot allocation flags (spec.md §6's
// ALLOC TLV); currently only the "drop" flag used when an allocator admits
// a timeslot it cannot actually honor (mempool exhaustion on the emulator
// path) is named.
type AllocFlags uint8

const (
	AllocFlagNone AllocFlags = 0
	AllocFlagDrop AllocFlags = 1 << 0
)

// AdmittedEntry is one (src,dst) pair admitted to a timeslot
// (spec.md §4.H / §3's admitted-traffic record entry).
type AdmittedEntry struct {
	Src   uint16
	Dst   uint16
	ID    uint16
	Flags AllocFlags
}

// AdmittedRecord is the output of one arbiter tick
// (spec.md §3: "{timeslot, n_admitted, entries[EMU_ADMITS_PER_ADMITTED]}").
// EMU_ADMITS_PER_ADMITTED = 2*EMU_NUM_ENDPOINTS is not a fixed constant —
// NewAdmittedRecord sizes Entries from the topology's endpoint count.
type AdmittedRecord struct {
	Timeslot  uint64
	NAdmitted uint16
	Entries   []AdmittedEntry
}

// admitsPerAdmitted derives EMU_ADMITS_PER_ADMITTED from the topology in
// use, per original_source/config.h's definition in terms of
// EMU_NUM_ENDPOINTS rather than a compile-time constant.
func admitsPerAdmitted(topo *config.Topology) int {
	return 2 * topo.NumEndpoints()
}

// NewAdmittedRecord allocates a record sized for topo, with its entries
// slice pre-capacitated but empty.
func NewAdmittedRecord(topo *config.Topology, timeslot uint64) *AdmittedRecord {
	return &AdmittedRecord{
		Timeslot: timeslot,
		Entries:  make([]AdmittedEntry, 0, admitsPerAdmitted(topo)),
	}
}

// Add appends an admitted entry, silently dropping it (and leaving
// NAdmitted unchanged) once the record reaches its EMU_ADMITS_PER_ADMITTED
// capacity — the same "counted and dropped" resource-exhaustion handling
// spec.md §4.H's error model describes for the admitted mempool.
func (r *AdmittedRecord) Add(e AdmittedEntry) bool {
	if len(r.Entries) >= cap(r.Entries) {
		return false
	}
	r.Entries = append(r.Entries, e)
	r.NAdmitted++
	return true
}
