package emu

// QueueManager implements the enqueue-side admission policy of
// spec.md §4.G: given a packet arriving at (port, queue), decide whether
// it is queued, ECN-marked on the way in, or dropped. Every variant
// operates over one shared QueueBank.
type QueueManager interface {
	Enqueue(bank *QueueBank, port, queue int, pkt Packet, nowNs uint64) (admitted bool)
}

// DropTailQM drops on full and never marks — the baseline policy of
// original_source/drop_tail.c's drop_tail_router_receive.
type DropTailQM struct {
	Stats *Counters
}

func (qm DropTailQM) Enqueue(bank *QueueBank, port, queue int, pkt Packet, nowNs uint64) bool {
	if bank.Enqueue(port, queue, pkt) {
		return true
	}
	qm.Stats.dropped()
	return false
}
