package emu

// DctcpConfig holds DCTCP's single tunable: the instantaneous queue
// length, in packets, at or above which arriving packets are ECN-marked.
type DctcpConfig struct {
	MarkThresh int
}

// DctcpQM is drop-tail for admission but ECN-marks on the way in whenever
// the instantaneous (not averaged) queue length is at or above
// MarkThresh, per spec.md §4.G.
type DctcpQM struct {
	Cfg   DctcpConfig
	Stats *Counters
}

func (qm DctcpQM) Enqueue(bank *QueueBank, port, queue int, pkt Packet, nowNs uint64) bool {
	if bank.Occupancy(port, queue) >= qm.Cfg.MarkThresh {
		pkt.ECNMarked = true
		qm.Stats.marked()
	}
	if bank.Enqueue(port, queue, pkt) {
		return true
	}
	qm.Stats.dropped()
	return false
}
