// Package emu implements the emulator fabric of spec.md §4.G: a router
// is RT ∘ CLA ∘ QM ∘ SCH operating over a shared QueueBank, wired together
// by a Fabric built from a config.Topology.
package emu

// Packet is the fabric's minimal packet representation: enough state to
// drive classification, queueing, marking, and dropping decisions without
// carrying actual payload bytes, the way original_source/drop_tail.c's
// struct emu_packet carries only routing and accounting fields.
type Packet struct {
	SrcEndpoint uint64
	DstEndpoint uint64
	Priority    int
	Len         int
	ECNMarked   bool
}
