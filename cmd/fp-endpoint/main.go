// Command fp-endpoint runs the endpoint side of spec.md §4.F/§4.E: it
// dials the arbiter over a raw IP socket, classifies and meters outgoing
// traffic handed to it, assembles and paces AREQ packets, and advances its
// horizon against incoming ALLOC packets. Grounded on lib/client/pconn.go's
// dial pattern, generalized from the Pseudo-TCP client's segment relay to
// the Fastpass control protocol.
package main

import (
	"flag"
	"net"
	"strconv"
	"time"

	"github.com/fastpass-net/fastpass/config"
	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/endpoint"
	"github.com/fastpass-net/fastpass/internal/horizon"
	"github.com/fastpass-net/fastpass/internal/pacer"
	"github.com/fastpass-net/fastpass/internal/pktpool"
	"github.com/fastpass-net/fastpass/internal/proto"
	"github.com/fastpass-net/fastpass/internal/trace"
)

// sendBufLen is sized well above any single AREQ-packet's encoded length
// (MaxAreqPerPacket*AreqDesc plus header/checksum).
const sendBufLen = 512

func main() {
	localIP := flag.String("local", "", "local IP to bind for the raw Fastpass socket")
	controllerIP := flag.String("controller", "", "arbiter IP address")
	qdiscPath := flag.String("qdisc", "", "path to a qdisc config YAML file; defaults if empty")
	flag.Parse()

	log := trace.New("fp-endpoint")
	stats := trace.NewStats()

	qcfg := config.DefaultQdiscConfig()
	if *qdiscPath != "" {
		loaded, err := config.LoadQdiscConfig(*qdiscPath)
		if err != nil {
			log.Printf("loading qdisc config: %v", err)
			return
		}
		qcfg = loaded
	}
	if err := qcfg.Validate(); err != nil {
		log.Printf("invalid qdisc config: %v", err)
		return
	}
	if *controllerIP != "" {
		qcfg.ControllerIP = *controllerIP
	}

	local, err := net.ResolveIPAddr("ip", *localIP)
	if err != nil {
		log.Printf("resolving local address: %v", err)
		return
	}
	remote, err := net.ResolveIPAddr("ip", qcfg.ControllerIP)
	if err != nil {
		log.Printf("resolving controller address: %v", err)
		return
	}
	conn, err := net.DialIP("ip:"+strconv.Itoa(proto.IPProtoFastpass), local, remote)
	if err != nil {
		log.Printf("dial: %v", err)
		return
	}
	defer conn.Close()

	horiz := horizon.New(0, qcfg.TslotNsec, uint64(time.Now().UnixNano()))
	client := endpoint.New(
		endpoint.Config{
			TslotLenNs:          qcfg.TslotNsec,
			LinkRateBytesPerSec: qcfg.DataRateBytesPerSec,
			RequestWindow:       proto.WindowWidth,
			RequestLowWatermark: 2,
		},
		&endpoint.Classifier{},
		demand.NewSparse(uint64(1)<<uint(qcfg.HashTblLog)),
		horiz,
		pacer.New(pacer.Config{CostNs: qcfg.ReqCostNs, BucketNs: qcfg.ReqBucketNs, MinGapNs: qcfg.ReqMinGapNs}, uint64(time.Now().UnixNano())),
	)

	ep := &endpointConn{client: client, horiz: horiz, log: log, bufPool: pktpool.New("fp-endpoint-tx", 16, sendBufLen)}
	ep.engine = proto.New(proto.DefaultConfig(proto.RoleEndpoint), ep, stats)

	go ep.recvLoop(conn)
	ep.requestLoop(conn, qcfg)
}

// endpointConn adapts a Client into the protocol engine's Callbacks: a
// nack replays its AREQ entries through HandleRetransmit (spec.md §4.F's
// retransmit-queue transition), an ack applies them via HandleAck, and a
// reset clears the horizon the way spec.md §4.E requires.
type endpointConn struct {
	client  *endpoint.Client
	horiz   *horizon.Horizon
	engine  *proto.Engine
	log     *trace.Logger
	bufPool *pktpool.Pool
}

func (e *endpointConn) HandleReset() {
	if e.horiz != nil {
		e.horiz.Reset(0, uint64(time.Now().UnixNano()))
	}
}

func (e *endpointConn) HandleAck(pd *proto.PacketDescriptor) {
	if e.client.HandleAck(pd) {
		now := time.Now()
		e.engine.ForceReset(uint64(now.UnixNano()), now)
	}
}

func (e *endpointConn) HandleNegAck(pd *proto.PacketDescriptor) { e.client.HandleRetransmit(pd) }

func (e *endpointConn) recvLoop(conn *net.IPConn) {
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			e.log.Printf("read: %v", err)
			return
		}
		result, pd, err := e.engine.HandleRxPacket(buf[:n], time.Now())
		if err != nil {
			e.log.Printf("rx error: %v", err)
			continue
		}
		if result != proto.RxProcess {
			continue
		}
		e.engine.AckDelivered(pd.AckSeq, pd.AckVec)
		e.applyAlloc(pd)
	}
}

// applyAlloc walks an ALLOC payload's (BaseTslot, Dsts, TslotDesc) run
// and records each assignment on the horizon, spec.md §4.E's set(tslot,
// dst_key) applied once per entry.
func (e *endpointConn) applyAlloc(pd *proto.PacketDescriptor) {
	if e.horiz == nil || len(pd.TslotDesc) == 0 {
		return
	}
	for i, d := range pd.TslotDesc {
		tslot := pd.BaseTslot + uint64(i)
		if err := e.horiz.Set(tslot, uint64(d.Dst)); err != nil {
			e.log.Printf("horizon set out of bounds at tslot %d: %v", tslot, err)
		}
	}
}

// requestLoop is the per-timeslot control loop: on every tick it advances
// the horizon to now, reporting each allocated timeslot that has elapsed
// to Client.HorizonMiss, then assembles an AREQ packet from the retransmit
// and request queues and sends it if it carries any entries. It does not
// consult the request pacer, and it does not dequeue or transmit a data
// packet for an allocated timeslot.
func (e *endpointConn) requestLoop(conn *net.IPConn, qcfg *config.QdiscConfig) {
	ticker := time.NewTicker(time.Duration(qcfg.TslotNsec))
	defer ticker.Stop()
	for range ticker.C {
		now := uint64(time.Now().UnixNano())
		e.horiz.AdvanceTo(now, e.client.HorizonMiss)

		pd := e.client.AssembleRequestPacket()
		if len(pd.Areq) > 0 {
			e.send(conn, pd)
		}
	}
}

func (e *endpointConn) send(conn *net.IPConn, pd *proto.PacketDescriptor) {
	if _, err := e.engine.CommitPacket(pd, time.Now()); err != nil {
		e.log.Printf("commit: %v", err)
		return
	}
	el, payload := e.bufPool.Get()
	defer e.bufPool.Put(el)
	n, err := e.engine.EncodePacket(payload.Raw(), pd)
	if err != nil {
		e.log.Printf("encode: %v", err)
		return
	}
	if _, err := conn.Write(payload.Raw()[:n]); err != nil {
		e.log.Printf("write: %v", err)
	}
}
