// Package proto implements the Fastpass request/allocation transport
// protocol of spec.md §4.B: framed packet encode/decode, a reliable
// windowed send/receive path, reset synchronization, ack-vector delivery,
// and retransmit timing. It is grounded on the teacher's
// lib/packet.go (Marshal/Unmarshal, checksum, ResendPackets/PacketGapMap)
// and lib/pconn.go (connection lifecycle, handshake timers), generalized
// from a TCP-shaped header to the TLV payload framing spec.md describes.
package proto

import (
	"encoding/binary"
	"fmt"
)

// IPPROTO_FASTPASS is the IP protocol number carrying Fastpass frames
// (spec.md §6; original_source/src/protocol/fpproto.h).
const IPProtoFastpass = 222

// Protocol constants lifted verbatim from
// original_source/src/protocol/fpproto.h (FASTPASS_* macros).
const (
	HeaderLen = 8 // [seqno16 | flags16 | ack_seq14 | ack_vec16 | reserved2]

	MaxAreqPerPacket  = 10 // FASTPASS_PKT_MAX_AREQ
	MaxAllocTslots    = 64 // FASTPASS_PKT_MAX_ALLOC_TSLOTS
	MaxAllocDsts      = 15 // n_dst <= 15

	BadPktResetThreshold = 10 // FASTPASS_BAD_PKT_RESET_THRESHOLD

	// W is the outgoing/incoming window width: a power of two >= MaxAreqPerPacket.
	WindowWidth = 1 << 14

	seq14Mask   = 0x3FFF
	seq14Guard  = 1 << 13 // half the 14-bit wire space
	tslot20Mask = 0xFFFFF
	tslot20Guard = 1 << 18 // quarter of the 20-bit wire space, per spec.md §4.B

	countLow16Guard = 1 << 15 // AREQ count_low16 guard band, spec.md §4.B
)

// Role distinguishes which end of the connection this engine instance is,
// so the two ends seed next_seqno from different offsets
// (FASTPASS_TO_CONTROLLER_SEQNO_OFFSET / FASTPASS_TO_ENDPOINT_SEQNO_OFFSET)
// and a packet replayed from one direction is never mistaken for the other.
type Role int

const (
	RoleEndpoint Role = iota
	RoleController
)

// Egress/ingress seqno offsets, named exactly as
// original_source/src/protocol/fpproto.h's FASTPASS_*_SEQNO_OFFSET macros.
const (
	ToControllerSeqnoOffset uint64 = 0
	ToEndpointSeqnoOffset   uint64 = 0xDEADBEEF
)

func (r Role) egressOffset() uint64 {
	if r == RoleEndpoint {
		return ToControllerSeqnoOffset
	}
	return ToEndpointSeqnoOffset
}

func (r Role) ingressOffset() uint64 {
	if r == RoleEndpoint {
		return ToEndpointSeqnoOffset
	}
	return ToControllerSeqnoOffset
}

// Flags for the header's flags16 field.
const (
	FlagReset uint16 = 1 << 0
)

// Payload section type codes (4-bit), spec.md §4.B.
const (
	SectionPad   byte = 0x0
	SectionReset byte = 0x1
	SectionAreq  byte = 0x2
	SectionAlloc byte = 0x3
	SectionAck   byte = 0x4
)

// ReconstructSeq reconstructs a full 64-bit sequence number from its
// low-14-bit wire representation, against the reconstructing side's
// highest-seen sequence number, per spec.md §3.
func ReconstructSeq(wire uint16, highestSeen uint64) uint64 {
	return reconstructModulo(uint64(wire)&seq14Mask, highestSeen, seq14Mask+1, seq14Guard)
}

// ReconstructAreqCount reconstructs an AREQ section's full cumulative
// count from its 16-bit wire representation (AreqDesc.Count), against the
// arbiter's last-seen cumulative count for that destination — the same
// modulo-wrap reconstruction ReconstructSeq does for sequence numbers,
// applied to spec.md §4.B's AREQ count_low16 field.
func ReconstructAreqCount(wire uint16, highestSeen uint64) uint64 {
	return reconstructModulo(uint64(wire), highestSeen, 1<<16, countLow16Guard)
}

// AreqCountPlausible reports whether a reconstructed AREQ cumulative count
// is a legitimate single-report advance over the arbiter's last-seen count
// for that destination. The wire field carries only the low 16 bits, so a
// real advance can unambiguously represent at most countLow16Guard before
// reconstruction is just guessing; a larger jump is the "count > requested"
// out-of-spec condition of spec.md §4.B and should force a reset rather
// than be applied to the demand table.
func AreqCountPlausible(full, lastSeen uint64) bool {
	return full-lastSeen <= countLow16Guard
}

// reconstructModulo recovers a full value from its low `modulus`-wrapped
// bits, choosing the representative closest to anchor, guarding against
// wrap ambiguity beyond `guard` away from the anchor.
func reconstructModulo(wireLow, anchor, modulus, guard uint64) uint64 {
	base := anchor - (anchor % modulus)
	candidate := base + wireLow
	if candidate+guard < anchor {
		candidate += modulus
	} else if candidate > anchor+guard {
		if candidate >= modulus {
			candidate -= modulus
		}
	}
	return candidate
}

// Header is the decoded fixed 8-byte wire header.
type Header struct {
	SeqWire    uint16
	Flags      uint16
	AckSeqWire uint16 // 14 bits significant
	AckVec     uint16
}

// EncodeHeader writes the 8-byte header into dst (bit-exact, network byte
// order, per spec.md §4.B).
func EncodeHeader(dst []byte, h Header) error {
	if len(dst) < HeaderLen {
		return fmt.Errorf("proto: header buffer too short (%d < %d)", len(dst), HeaderLen)
	}
	binary.BigEndian.PutUint16(dst[0:2], h.SeqWire)
	binary.BigEndian.PutUint16(dst[2:4], h.Flags)
	combined := (uint32(h.AckSeqWire&seq14Mask) << 18) | (uint32(h.AckVec) << 2)
	binary.BigEndian.PutUint32(dst[4:8], combined)
	return nil
}

// DecodeHeader parses the first HeaderLen bytes of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderLen {
		return Header{}, ErrTooShort
	}
	combined := binary.BigEndian.Uint32(src[4:8])
	return Header{
		SeqWire:    binary.BigEndian.Uint16(src[0:2]),
		Flags:      binary.BigEndian.Uint16(src[2:4]),
		AckSeqWire: uint16((combined >> 18) & seq14Mask),
		AckVec:     uint16((combined >> 2) & 0xFFFF),
	}, nil
}
