package endpoint

import (
	"sync"
	"time"

	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/horizon"
	"github.com/fastpass-net/fastpass/internal/pacer"
	"github.com/fastpass-net/fastpass/internal/proto"
)

// Config holds the endpoint client's scheduling tunables, drawn from
// spec.md §4.F and the qdisc interface of §6.
type Config struct {
	TslotLenNs          uint64
	LinkRateBytesPerSec uint64
	RequestWindow       uint64 // REQUEST_WINDOW
	RequestLowWatermark uint64 // REQUEST_LOW_WATERMARK
}

// Client is the endpoint-side flow classifier, credit meter, and
// request/retransmit queue driver of spec.md §4.F. It owns a sparse
// demand table and a horizon, and feeds the pacer and protocol engine
// that actually put bytes on the wire.
type Client struct {
	mu sync.Mutex

	cfg Config

	classifier *Classifier
	flows      map[FlowKey]*Flow
	demands    *demand.Sparse
	horiz      *horizon.Horizon
	pace       *pacer.Pacer

	requestQueue    []FlowKey
	retransmitQueue []FlowKey
	queued          map[FlowKey]bool
}

// New builds a Client over an already-constructed demand table, horizon,
// and pacer (the caller decides their sizing/tunables).
func New(cfg Config, classifier *Classifier, demands *demand.Sparse, horiz *horizon.Horizon, pace *pacer.Pacer) *Client {
	return &Client{
		cfg:        cfg,
		classifier: classifier,
		flows:      make(map[FlowKey]*Flow),
		demands:    demands,
		horiz:      horiz,
		pace:       pace,
		queued:     make(map[FlowKey]bool),
	}
}

func (c *Client) flowFor(key FlowKey, internal bool) *Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[key]
	if !ok {
		f = newFlow(key, internal)
		c.flows[key] = f
	}
	return f
}

// l2TxTimeNs is the wire-time cost of sending length bytes at
// linkRateBytesPerSec, in nanoseconds.
func l2TxTimeNs(length int, linkRateBytesPerSec uint64) int64 {
	if linkRateBytesPerSec == 0 {
		return 0
	}
	return int64(float64(length) / float64(linkRateBytesPerSec) * 1e9)
}

// EnqueueOutgoing implements spec.md §4.F's packet enqueue path:
// classify, queue on the flow's FIFO, and — for any non-internal flow
// whose credit is at or below zero — refill credit by one timeslot's
// worth and bump demand by one, then consider the flow for the request
// queue. Internal-flow traffic never touches the demand table.
func (c *Client) EnqueueOutgoing(pkt []byte, now time.Time) {
	key, internal := c.classifier.Classify(pkt)
	flow := c.flowFor(key, internal)
	flow.Enqueue(pkt)

	if internal {
		return
	}

	txTimeNs := l2TxTimeNs(len(pkt), c.cfg.LinkRateBytesPerSec)

	flow.mu.Lock()
	needsDemand := flow.Credit <= 0
	if needsDemand {
		flow.Credit += int64(c.cfg.TslotLenNs)
	}
	flow.Credit -= txTimeNs
	flow.mu.Unlock()

	if !needsDemand {
		return
	}
	rec := c.demands.Get(uint64(key))
	rec.IncDemand(1)
	c.maybeEnqueueRequest(rec, key)
}

// maybeEnqueueRequest implements spec.md §4.F's watermark rule: a flow
// joins the request queue only if its already-requested count is within
// RequestLowWatermark of its current allocation, so a flow never chases
// its own tail of in-flight requests.
func (c *Client) maybeEnqueueRequest(rec *demand.Record, key FlowKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued[key] {
		return
	}
	snap := rec.Snapshot()
	if snap.Demand <= snap.Requested {
		return
	}
	if snap.Requested > snap.Alloc+c.cfg.RequestLowWatermark {
		return
	}
	c.requestQueue = append(c.requestQueue, key)
	c.queued[key] = true
	rec.SetState(demand.InRequestQueue)
}

// AssembleRequestPacket implements spec.md §4.F's packet assembly: drain
// up to proto.MaxAreqPerPacket flows, the retransmit queue first (it has
// strict priority over the request queue), into one AREQ entry per flow.
// A flow whose recomputed new_requested would not exceed its already-acked
// count is stale and is discarded from the queue without an AREQ entry.
func (c *Client) AssembleRequestPacket() *proto.PacketDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	pd := &proto.PacketDescriptor{}
	drain := func(queue *[]FlowKey) {
		for len(*queue) > 0 && len(pd.Areq) < proto.MaxAreqPerPacket {
			key := (*queue)[0]
			*queue = (*queue)[1:]
			delete(c.queued, key)

			rec := c.demands.Get(uint64(key))
			snap := rec.Snapshot()
			newRequested := snap.Demand
			if ceiling := snap.Acked + c.cfg.RequestWindow - 1; ceiling < newRequested {
				newRequested = ceiling
			}
			rec.SetState(demand.Unqueued)
			if newRequested <= snap.Acked {
				continue // stale: already satisfied by the time this flow was drained
			}
			_ = rec.SetRequested(newRequested)
			pd.Areq = append(pd.Areq, proto.AreqDesc{
				Dst:   uint16(key),
				Count: uint16(newRequested),
			})
		}
	}
	drain(&c.retransmitQueue)
	drain(&c.requestQueue)
	return pd
}

// HandleRetransmit implements the nack transition of spec.md §4.F's state
// diagram: every flow named in a negatively-acked packet's AREQ section
// moves into the retransmit queue.
func (c *Client) HandleRetransmit(pd *proto.PacketDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range pd.Areq {
		key := FlowKey(a.Dst)
		rec := c.demands.Get(uint64(key))
		rec.Nack()
		if !c.queued[key] {
			c.retransmitQueue = append(c.retransmitQueue, key)
			c.queued[key] = true
		}
	}
}

// HandleAck implements the acked side of the AREQ lifecycle: every flow
// named in an acked packet's AREQ section has its acked counter raised to
// the count it carried.
// HandleAck applies an ACK's Areq entries to the demand table and reports
// whether any of them violated the counter invariant (new_acked > demand,
// spec.md §4.C) — the caller owns the protocol engine and is expected to
// force a reset in response (spec.md §4.B).
func (c *Client) HandleAck(pd *proto.PacketDescriptor) bool {
	violated := false
	for _, a := range pd.Areq {
		rec := c.demands.Get(uint64(a.Dst))
		if err := rec.Ack(uint64(a.Count)); err != nil {
			violated = true
		}
	}
	return violated
}

// HorizonMiss implements spec.md §4.E's missed-timeslot handling for a
// flow: both demand and alloc are incremented, forcing the flow to
// re-request the lost slot.
func (c *Client) HorizonMiss(dstKey uint64) {
	rec := c.demands.Get(dstKey)
	rec.IncDemand(1)
	_ = rec.IncAlloc(1)
	c.maybeEnqueueRequest(rec, FlowKey(dstKey))
}

// DequeueForTimeslot pops one packet from the flow allocated the
// timeslot that just elapsed (horizon bit 0 before the shift), for
// delivery to the egress interface. Returns false if that flow has
// nothing queued.
func (c *Client) DequeueForTimeslot(dstKey uint64) ([]byte, bool) {
	flow := c.flowFor(FlowKey(dstKey), false)
	return flow.Dequeue()
}
