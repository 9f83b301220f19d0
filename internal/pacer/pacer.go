// Package pacer implements the request pacer of spec.md §4.D: a token
// bucket gating how often the endpoint client is allowed to assemble and
// send a new AREQ packet, so several per-destination demand updates batch
// into one outbound packet instead of one packet per update.
package pacer

import "sync"

// Config holds the pacer's tunables, all in nanoseconds
// (spec.md §4.D: cost_ns, bucket_ns, min_gap_ns).
type Config struct {
	CostNs   uint64
	BucketNs uint64
	MinGapNs uint64
}

// Pacer is single-writer safe via its own mutex, matching the connection
// lock discipline the rest of the protocol stack uses (spec.md §5).
type Pacer struct {
	mu sync.Mutex

	cfg Config

	deficitNs uint64
	armed     bool
}

// New builds a Pacer with deficit_ns seeded to nowNs-bucket_ns — a full
// bucket of burst capacity, mirroring the original qdisc's "start with
// full bucket" initialization (original_source's req_t = now -
// req_bucketlen). Clamped at zero so an early nowNs never underflows.
func New(cfg Config, nowNs uint64) *Pacer {
	deficit := uint64(0)
	if nowNs > cfg.BucketNs {
		deficit = nowNs - cfg.BucketNs
	}
	return &Pacer{cfg: cfg, deficitNs: deficit}
}

// Trigger implements spec.md §4.D's trigger(now): if no timer is
// currently armed, it computes when the next packet may be sent and
// reports that the timer was newly armed along with the deadline. If a
// timer is already armed, it reports false and the zero deadline — the
// caller must not arm a second one.
func (p *Pacer) Trigger(nowNs uint64) (whenNs uint64, armed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return 0, false
	}
	p.armed = true
	when := nowNs + p.cfg.MinGapNs
	if floor := p.deficitNs + p.cfg.CostNs; floor > when {
		when = floor
	}
	return when, true
}

// Reset implements spec.md §4.D's reset(now), called once the armed
// packet has actually been sent: it advances the deficit and disarms the
// timer so the next Trigger call can arm a fresh one.
func (p *Pacer) Reset(nowNs uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	floor := uint64(0)
	if nowNs > p.cfg.BucketNs {
		floor = nowNs - p.cfg.BucketNs
	}
	if p.deficitNs < floor {
		p.deficitNs = floor
	}
	p.deficitNs += p.cfg.CostNs
	p.armed = false
}

// Armed reports whether a timer is currently outstanding.
func (p *Pacer) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}
