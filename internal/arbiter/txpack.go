package arbiter

import "github.com/fastpass-net/fastpass/internal/proto"

// AllocBuilder accumulates one connection's admitted (tslot,dst,flags)
// assignments across arbiter ticks into a proto.PacketDescriptor's ALLOC
// fields (BaseTslot/Dsts/TslotDesc), respecting MaxAllocDsts and
// MaxAllocTslots. Add requires tslots in non-decreasing order (true of
// consecutive arbiter ticks); a tslot that isn't immediately adjacent to
// the run in progress forces a Flush first, so every TslotDesc entry maps
// one-to-one onto a tslot in [BaseTslot, BaseTslot+len) without needing
// fpproto.h's dst_index==0 "skip 16 slots" compression.
type AllocBuilder struct {
	started   bool
	baseTslot uint64
	nextTslot uint64
	dsts      []uint16
	dstIndex  map[uint16]int
	desc      []proto.AllocDesc
}

// NewAllocBuilder returns an empty builder.
func NewAllocBuilder() *AllocBuilder {
	return &AllocBuilder{dstIndex: make(map[uint16]int)}
}

// Add records that tslot was allocated to dst. It returns the fragment
// that must be flushed first (non-nil) when tslot doesn't extend the
// current run, is full (MaxAllocTslots reached), or would need a 16th
// distinct destination (MaxAllocDsts reached) — the caller sends that
// fragment, then calls Add again for the same (tslot, dst, flags).
func (b *AllocBuilder) Add(tslot uint64, dst uint16, flags AllocFlags) (flushed *Fragment, accepted bool) {
	if b.started && tslot != b.nextTslot {
		return b.Flush(), false
	}
	if b.started && len(b.desc) >= proto.MaxAllocTslots {
		return b.Flush(), false
	}
	if _, known := b.dstIndex[dst]; !known && len(b.dsts) >= proto.MaxAllocDsts {
		return b.Flush(), false
	}

	if !b.started {
		b.baseTslot = tslot
		b.started = true
	}
	idx, known := b.dstIndex[dst]
	if !known {
		b.dsts = append(b.dsts, dst)
		idx = len(b.dsts) - 1
		b.dstIndex[dst] = idx
	}
	b.desc = append(b.desc, proto.AllocDesc{Dst: dst, Flags: uint8(flags)})
	b.nextTslot = tslot + 1
	return nil, true
}

// Fragment is a ready-to-send ALLOC payload fragment for one connection.
type Fragment struct {
	BaseTslot uint64
	Dsts      []uint16
	TslotDesc []proto.AllocDesc
}

// Flush returns the accumulated run as a Fragment (nil if empty) and
// resets the builder for the next run.
func (b *AllocBuilder) Flush() *Fragment {
	if !b.started || len(b.desc) == 0 {
		*b = AllocBuilder{dstIndex: make(map[uint16]int)}
		return nil
	}
	f := &Fragment{BaseTslot: b.baseTslot, Dsts: b.dsts, TslotDesc: b.desc}
	*b = AllocBuilder{dstIndex: make(map[uint16]int)}
	return f
}

// ApplyTo copies a Fragment's fields into a PacketDescriptor's ALLOC
// fields, ready for proto.EncodePayload.
func (f *Fragment) ApplyTo(pd *proto.PacketDescriptor) {
	pd.BaseTslot = f.BaseTslot
	pd.Dsts = f.Dsts
	pd.TslotDesc = f.TslotDesc
}
