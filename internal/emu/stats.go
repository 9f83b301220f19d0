package emu

import "github.com/fastpass-net/fastpass/internal/trace"

// Stat counter names, grounded on original_source/drop_tail.c's
// adm_log_emu_router_dropped_packet and hull.cc's
// adm_log_emu_router_marked_packet — the original logs these per-core;
// here every QueueManager/Router shares one internal/trace.Stats block
// per fabric (see SPEC_FULL.md's "Supplemented Features", §3).
const (
	StatRouterDroppedPacket = "router_dropped_packet"
	StatRouterMarkedPacket  = "router_marked_packet"
	StatRoutingFailure      = "router_no_route"
)

// Counters wraps a *trace.Stats so every queue manager and router can take
// a possibly-nil pointer without a nil check at every call site — a fabric
// built without telemetry (e.g. in a unit test) just passes a zero value.
type Counters struct {
	stats *trace.Stats
}

// NewCounters wraps an existing stats block.
func NewCounters(stats *trace.Stats) *Counters { return &Counters{stats: stats} }

func (c *Counters) dropped() {
	if c == nil || c.stats == nil {
		return
	}
	c.stats.Inc(StatRouterDroppedPacket)
}

func (c *Counters) marked() {
	if c == nil || c.stats == nil {
		return
	}
	c.stats.Inc(StatRouterMarkedPacket)
}

func (c *Counters) noRoute() {
	if c == nil || c.stats == nil {
		return
	}
	c.stats.Inc(StatRoutingFailure)
}

// Snapshot returns the underlying counters, or nil if there are none.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil || c.stats == nil {
		return nil
	}
	return c.stats.Snapshot()
}
