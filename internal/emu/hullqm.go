package emu

import "sync"

// hullAtomSize is the MTU-sized unit the phantom queue grows by on every
// admitted packet, original_source/queue_managers/hull.cc's
// HULL_ATOM_SIZE.
const hullAtomSize = 1500

// HullConfig holds HULL's tunables: the phantom queue drains at
// Gamma*LineRateBps bytes/sec and marks once its length exceeds
// MarkThreshBytes; the real queue drops on its own overflow independently.
type HullConfig struct {
	Gamma         float64
	LineRateBps   float64
	MarkThreshBytes float64
}

// HullQM implements spec.md §4.G's HULL policy, directly grounded on
// original_source/queue_managers/hull.cc's HULLQueueManager::enqueue: the
// real queue's drop-on-full check happens first and independently of the
// phantom queue, then the phantom queue is leaked forward to now, grown by
// one atom, and compared against the mark threshold.
type HullQM struct {
	cfg   HullConfig
	stats *Counters

	mu           sync.Mutex
	phantomBytes map[int]float64 // port -> phantom queue depth in bytes
	lastUpdateNs map[int]uint64
}

// NewHullQM builds a HULL queue manager; all ports of a HULL router run
// the identical policy, matching hull.cc's comment that a router's ports
// don't mix queue-manager variants.
func NewHullQM(cfg HullConfig, stats *Counters) *HullQM {
	return &HullQM{
		cfg:          cfg,
		stats:        stats,
		phantomBytes: make(map[int]float64),
		lastUpdateNs: make(map[int]uint64),
	}
}

func (qm *HullQM) Enqueue(bank *QueueBank, port, queue int, pkt Packet, nowNs uint64) bool {
	if bank.Occupancy(port, queue) >= bank.Capacity() {
		qm.stats.dropped()
		return false
	}

	qm.mu.Lock()
	last := qm.lastUpdateNs[port]
	drainRateBps := qm.cfg.Gamma * qm.cfg.LineRateBps
	elapsedSec := float64(nowNs-last) / 1e9
	phantom := qm.phantomBytes[port] - elapsedSec*drainRateBps
	if phantom < 0 {
		phantom = 0
	}
	phantom += hullAtomSize
	qm.phantomBytes[port] = phantom
	qm.lastUpdateNs[port] = nowNs
	qm.mu.Unlock()

	if phantom > qm.cfg.MarkThreshBytes {
		pkt.ECNMarked = true
		qm.stats.marked()
	}

	bank.Enqueue(port, queue, pkt) // guaranteed room: checked above under the same caller
	return true
}
