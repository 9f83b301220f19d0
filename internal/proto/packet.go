package proto

import (
	"encoding/binary"
	"time"
)

// AreqDesc is one (destination, cumulative-demand-count) pair, the AREQ
// TLV's per-destination entry (spec.md GLOSSARY).
type AreqDesc struct {
	Dst   uint16
	Count uint16 // low 16 bits of the cumulative counter, spec.md §4.B
}

// AllocDesc is one destination's share of a single ALLOC TLV
// (original_source/src/protocol/fpproto.h's dsts/dst_counts/tslot_desc).
type AllocDesc struct {
	Dst   uint16
	Flags uint8
}

// PacketDescriptor is the outgoing-window entry of spec.md §3: created when
// the engine commits a packet, destroyed when acked, nacked, or it falls
// off the window. At most WindowWidth live descriptors exist at once.
type PacketDescriptor struct {
	SentTimestamp time.Time
	Seq           uint64

	AckSeq uint64
	AckVec uint16

	SendReset      bool
	ResetTimestamp uint64 // 56-bit arbiter-local nanoseconds

	Areq []AreqDesc

	// Controller-only: allocations piggybacked in this packet.
	BaseTslot uint64
	Dsts      []uint16    // <= MaxAllocDsts
	TslotDesc []AllocDesc // one entry per allocated tslot in [BaseTslot, BaseTslot+len)

	IsKeepAlive bool // never placed in the resend map, mirrors lib/packet.go's IsKeepAliveMassege
}

// EncodePayload serializes the descriptor's payload sections (RESET first,
// then AREQ, then ALLOC; an ACK section is emitted only when no other
// section exists, for piggy-back-only packets) into dst, returning the
// number of bytes written.
func EncodePayload(dst []byte, pd *PacketDescriptor) (int, error) {
	off := 0
	wrote := false

	if pd.SendReset {
		if off+8 > len(dst) {
			return 0, ErrTooShort
		}
		dst[off] = SectionReset << 4
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], pd.ResetTimestamp&((1<<56)-1))
		copy(dst[off+1:off+8], tsBuf[1:8])
		off += 8
		wrote = true
	}

	if len(pd.Areq) > 0 {
		if len(pd.Areq) > MaxAreqPerPacket {
			return 0, ErrIncompletePayload
		}
		need := 1 + 2 + 4*len(pd.Areq)
		if off+need > len(dst) {
			return 0, ErrTooShort
		}
		dst[off] = SectionAreq << 4
		off++
		binary.BigEndian.PutUint16(dst[off:off+2], uint16(len(pd.Areq)))
		off += 2
		for _, a := range pd.Areq {
			binary.BigEndian.PutUint16(dst[off:off+2], a.Dst)
			binary.BigEndian.PutUint16(dst[off+2:off+4], a.Count)
			off += 4
		}
		wrote = true
	}

	if len(pd.TslotDesc) > 0 {
		if len(pd.Dsts) > MaxAllocDsts {
			return 0, ErrIncompletePayload
		}
		need := 1 + 4 + 1 + 2*len(pd.Dsts) + len(pd.TslotDesc)
		if off+need > len(dst) {
			return 0, ErrTooShort
		}
		dst[off] = SectionAlloc << 4
		off++
		dst[off] = byte(len(pd.TslotDesc))
		off++
		base20 := pd.BaseTslot & tslot20Mask
		var baseBuf [4]byte
		binary.BigEndian.PutUint32(baseBuf[:], uint32(base20<<4))
		copy(dst[off:off+3], baseBuf[0:3])
		off += 3
		dst[off] = byte(len(pd.Dsts))
		off++
		for _, d := range pd.Dsts {
			binary.BigEndian.PutUint16(dst[off:off+2], d)
			off += 2
		}
		// index of dst in pd.Dsts, 1-based; 0 means "skip 16 slots".
		dstIndex := make(map[uint16]byte, len(pd.Dsts))
		for i, d := range pd.Dsts {
			dstIndex[d] = byte(i + 1)
		}
		for _, ad := range pd.TslotDesc {
			idx := dstIndex[ad.Dst]
			dst[off] = (idx << 4) | (ad.Flags & 0xF)
			off++
		}
		wrote = true
	}

	if !wrote {
		if off+1 > len(dst) {
			return 0, ErrTooShort
		}
		dst[off] = SectionAck << 4
		off++
	}

	return off, nil
}

// DecodePayload parses payload sections from src in arrival order,
// returning a PacketDescriptor's payload fields. Recognized RESET is
// always processed first if present, matching spec.md §4.B's
// perform_rx_callbacks ordering.
func DecodePayload(src []byte, currentTslot uint64) (*PacketDescriptor, error) {
	pd := &PacketDescriptor{}
	off := 0

	// First pass: locate and apply RESET before anything else.
	scan := off
	for scan < len(src) {
		sectionType := src[scan] >> 4
		n, err := sectionLen(src[scan:], sectionType)
		if err != nil {
			return nil, err
		}
		if sectionType == SectionReset {
			if scan+8 > len(src) {
				return nil, ErrIncompletePayload
			}
			var tsBuf [8]byte
			copy(tsBuf[1:8], src[scan+1:scan+8])
			pd.SendReset = true
			pd.ResetTimestamp = binary.BigEndian.Uint64(tsBuf[:]) & ((1 << 56) - 1)
		}
		scan += n
	}

	for off < len(src) {
		sectionType := src[off] >> 4
		n, err := sectionLen(src[off:], sectionType)
		if err != nil {
			return nil, err
		}
		switch sectionType {
		case SectionPad, SectionReset:
			// already handled or pure alignment
		case SectionAreq:
			count := int(binary.BigEndian.Uint16(src[off+1 : off+3]))
			p := off + 3
			for i := 0; i < count; i++ {
				dst := binary.BigEndian.Uint16(src[p : p+2])
				cnt := binary.BigEndian.Uint16(src[p+2 : p+4])
				pd.Areq = append(pd.Areq, AreqDesc{Dst: dst, Count: cnt})
				p += 4
			}
		case SectionAlloc:
			allocCount := int(src[off+1])
			baseBuf := make([]byte, 4)
			copy(baseBuf[0:3], src[off+2:off+5])
			base20 := binary.BigEndian.Uint32(baseBuf) >> 4
			pd.BaseTslot = reconstructModulo(uint64(base20), currentTslot, tslot20Mask+1, tslot20Guard)
			nDst := int(src[off+5])
			p := off + 6
			for i := 0; i < nDst; i++ {
				pd.Dsts = append(pd.Dsts, binary.BigEndian.Uint16(src[p:p+2]))
				p += 2
			}
			for i := 0; i < allocCount; i++ {
				b := src[p+i]
				idx := b >> 4
				flags := b & 0xF
				if idx == 0 {
					pd.TslotDesc = append(pd.TslotDesc, AllocDesc{Dst: 0, Flags: flags}) // skip marker
					continue
				}
				if int(idx) > len(pd.Dsts) {
					return nil, ErrIncompletePayload
				}
				pd.TslotDesc = append(pd.TslotDesc, AllocDesc{Dst: pd.Dsts[idx-1], Flags: flags})
			}
		case SectionAck:
			// carried for piggy-back-only packets; header ack fields already
			// decoded by the caller from the 8-byte header.
		default:
			return nil, ErrUnknownPayload
		}
		off += n
	}

	return pd, nil
}

func sectionLen(src []byte, sectionType byte) (int, error) {
	switch sectionType {
	case SectionPad:
		return 1, nil
	case SectionReset:
		if len(src) < 8 {
			return 0, ErrIncompletePayload
		}
		return 8, nil
	case SectionAreq:
		if len(src) < 3 {
			return 0, ErrIncompletePayload
		}
		count := int(binary.BigEndian.Uint16(src[1:3]))
		n := 3 + 4*count
		if len(src) < n {
			return 0, ErrIncompletePayload
		}
		return n, nil
	case SectionAlloc:
		if len(src) < 6 {
			return 0, ErrIncompletePayload
		}
		allocCount := int(src[1])
		nDst := int(src[5])
		n := 6 + 2*nDst + allocCount
		if len(src) < n {
			return 0, ErrIncompletePayload
		}
		return n, nil
	case SectionAck:
		return 1, nil
	default:
		return 0, ErrUnknownPayload
	}
}
