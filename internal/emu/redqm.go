package emu

import (
	"sync"

	"github.com/iti/rngstream"
	"gonum.org/v1/gonum/stat"
)

// RedConfig holds RED's tunables, spec.md §4.G: an EWMA average queue
// length and a drop probability linear between MinThresh and MaxThresh,
// with a hard drop above MaxThresh.
type RedConfig struct {
	MinThresh int
	MaxThresh int
	Weight    float64
}

// RedQM implements the RED policy. The EWMA update
// avg <- (1-w)*avg + w*cur is expressed as a two-point weighted mean via
// gonum/stat.Mean, the way ITI-mrnes reaches for gonum rather than hand
// rolling numeric routines; the early-drop coin flip uses a dedicated
// rngstream.RngStream the way ITI-mrnes gives every device its own stream
// (net.go's devRng), so a run is reproducible from a seed name.
type RedQM struct {
	cfg    RedConfig
	stats  *Counters
	rng    *rngstream.RngStream
	mu     sync.Mutex
	avgLen map[[2]int]float64
}

// NewRedQM builds a RED queue manager with its own named RNG stream.
func NewRedQM(cfg RedConfig, streamName string, stats *Counters) *RedQM {
	return &RedQM{
		cfg:    cfg,
		stats:  stats,
		rng:    rngstream.New(streamName),
		avgLen: make(map[[2]int]float64),
	}
}

func (qm *RedQM) Enqueue(bank *QueueBank, port, queue int, pkt Packet, nowNs uint64) bool {
	cur := bank.Occupancy(port, queue)
	key := [2]int{port, queue}

	qm.mu.Lock()
	prev := qm.avgLen[key]
	avg := stat.Mean([]float64{prev, float64(cur)}, []float64{1 - qm.cfg.Weight, qm.cfg.Weight})
	qm.avgLen[key] = avg
	qm.mu.Unlock()

	switch {
	case avg >= float64(qm.cfg.MaxThresh):
		qm.stats.dropped()
		return false
	case avg > float64(qm.cfg.MinThresh):
		span := float64(qm.cfg.MaxThresh - qm.cfg.MinThresh)
		pDrop := (avg - float64(qm.cfg.MinThresh)) / span
		if qm.rng.RandU01() < pDrop {
			qm.stats.dropped()
			return false
		}
	}

	if bank.Enqueue(port, queue, pkt) {
		return true
	}
	qm.stats.dropped()
	return false
}
