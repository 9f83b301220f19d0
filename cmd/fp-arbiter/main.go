// Command fp-arbiter runs the timeslot arbiter of spec.md §4.H: it listens
// for Fastpass frames on a raw IP socket, maintains one protocol engine per
// connecting endpoint, feeds decoded AREQ sections into the demand table,
// and ticks the configured allocator once per timeslot to produce and send
// ALLOC payloads back. Grounded on lib/server/pcp.go's PcpServer/
// PcpProtocolConnection goroutine-per-connection structure, generalized
// from a TCP-segment-relay service to the Fastpass control protocol.
package main

import (
	"flag"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fastpass-net/fastpass/config"
	"github.com/fastpass-net/fastpass/internal/arbiter"
	"github.com/fastpass-net/fastpass/internal/demand"
	"github.com/fastpass-net/fastpass/internal/emu"
	"github.com/fastpass-net/fastpass/internal/pktpool"
	"github.com/fastpass-net/fastpass/internal/proto"
	"github.com/fastpass-net/fastpass/internal/trace"
)

// sendBufLen is sized well above any single ALLOC fragment's encoded
// length (MaxAllocTslots*AllocDesc plus header/checksum).
const sendBufLen = 512

func main() {
	listenIP := flag.String("listen", "0.0.0.0", "local IP to listen for Fastpass frames on")
	topoPath := flag.String("topology", "", "path to a topology YAML file; single-rack default if empty")
	useEmu := flag.Bool("emu", false, "admit timeslots by stepping the emulator fabric instead of single-round PIM")
	tslotNs := flag.Uint64("tslot-ns", 2_200, "logical timeslot length in nanoseconds")
	flag.Parse()

	log := trace.New("fp-arbiter")
	stats := trace.NewStats()

	topo := config.SingleRackTopology()
	if *topoPath != "" {
		loaded, err := config.LoadTopology(*topoPath)
		if err != nil {
			log.Printf("loading topology: %v", err)
			return
		}
		topo = loaded
	}

	numEndpoints := topo.NumEndpoints()
	alloc, err := buildAllocator(topo, numEndpoints, *useEmu, stats)
	if err != nil {
		log.Printf("building allocator: %v", err)
		return
	}

	table := demand.NewDense(nextPow2(uint64(numEndpoints) * uint64(numEndpoints)))
	arb := arbiter.New(table, alloc, *tslotNs)

	conn, err := net.ListenPacket("ip:"+strconv.Itoa(proto.IPProtoFastpass), *listenIP)
	if err != nil {
		log.Printf("listen: %v", err)
		return
	}
	defer conn.Close()

	srv := newArbiterServer(conn, arb, topo, numEndpoints, log)
	go srv.recvLoop()
	srv.tickLoop(*tslotNs)
}

func buildAllocator(topo *config.Topology, numEndpoints int, useEmu bool, stats *trace.Stats) (arbiter.Allocator, error) {
	if !useEmu {
		return arbiter.PimAllocator{NumEndpoints: numEndpoints}, nil
	}
	fab, err := emu.BuildFabric(topo, emu.NewCounters(stats))
	if err != nil {
		return nil, err
	}
	endpointForSrc := make(map[uint16]*emu.Endpoint, numEndpoints)
	for id, ep := range fab.Endpoints {
		endpointForSrc[uint16(id)] = ep
	}
	return arbiter.EmuAllocator{Fabric: fab, EndpointForSrc: endpointForSrc, NumEndpoints: numEndpoints}, nil
}

// nextPow2 rounds n up to the next power of two (at least 1), for sizing
// demand.Dense from a topology's endpoint count.
func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// arbiterConn is one connected endpoint's engine and its last-known
// address, mirroring lib/server/pcp.go's PcpProtocolConnection minus the
// TCP segment relay it exists to do there.
type arbiterConn struct {
	id     uint16
	addr   net.Addr
	engine *proto.Engine
	builder *arbiter.AllocBuilder
}

func (c *arbiterConn) HandleReset()              {}
func (c *arbiterConn) HandleAck(*proto.PacketDescriptor)    {}
func (c *arbiterConn) HandleNegAck(*proto.PacketDescriptor) {}

// arbiterServer owns the listening socket and the set of connections
// discovered from inbound traffic, the way PcpServer.ProtoConnectionMap
// does keyed by remote address instead of by an explicit dial.
type arbiterServer struct {
	conn         net.PacketConn
	arb          *arbiter.Arbiter
	topo         *config.Topology
	numEndpoints int
	log          *trace.Logger
	stats        *trace.Stats
	bufPool      *pktpool.Pool

	mu      sync.Mutex
	byAddr  map[string]*arbiterConn
	nextID  uint16
}

func newArbiterServer(conn net.PacketConn, arb *arbiter.Arbiter, topo *config.Topology, numEndpoints int, log *trace.Logger) *arbiterServer {
	return &arbiterServer{
		conn:         conn,
		arb:          arb,
		topo:         topo,
		numEndpoints: numEndpoints,
		log:          log,
		stats:        trace.NewStats(),
		bufPool:      pktpool.New("fp-arbiter-tx", 64, sendBufLen),
		byAddr:       make(map[string]*arbiterConn),
	}
}

// connFor returns the arbiterConn for addr, assigning it the next free
// endpoint ID the first time that address is seen. A real deployment
// would resolve the ID from a static endpoint-to-address map in topo
// instead of first-come-first-served assignment; this is a deliberate
// simplification of that lookup (see DESIGN.md).
func (s *arbiterServer) connFor(addr net.Addr) *arbiterConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byAddr[addr.String()]
	if ok {
		return c
	}
	c = &arbiterConn{id: s.nextID, addr: addr, builder: arbiter.NewAllocBuilder()}
	c.engine = proto.New(proto.DefaultConfig(proto.RoleController), c, s.stats)
	s.nextID++
	s.byAddr[addr.String()] = c
	return c
}

func (s *arbiterServer) recvLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.log.Printf("read: %v", err)
			return
		}
		c := s.connFor(addr)
		result, pd, err := c.engine.HandleRxPacket(buf[:n], time.Now())
		if err != nil {
			s.log.Printf("conn %d: rx error: %v", c.id, err)
			continue
		}
		if result != proto.RxProcess {
			continue
		}
		c.engine.AckDelivered(pd.AckSeq, pd.AckVec)
		for _, a := range pd.Areq {
			if s.arb.IngestAreq(arbiter.FlowKey(c.id, a.Dst, s.numEndpoints), a) {
				now := time.Now()
				c.engine.ForceReset(uint64(now.UnixNano()), now)
			}
		}
		if pd.SendReset {
			s.arb.HandleReset()
		}
	}
}

// tickLoop drives the arbiter on the wall clock: one Tick every tslotNs,
// each producing an AdmittedRecord that is fanned out to every connected
// endpoint's AllocBuilder. internal/arbiter.Arbiter.Run exists for driving
// the same loop inside an evtm-based discrete-event simulation instead;
// a live process has no simulation clock to hook into, so it paces itself
// with a plain time.Ticker.
func (s *arbiterServer) tickLoop(tslotNs uint64) {
	ticker := time.NewTicker(time.Duration(tslotNs))
	defer ticker.Stop()
	var nowNs uint64
	for range ticker.C {
		rec := s.arb.Tick(s.topo, nowNs)
		nowNs += tslotNs
		s.dispatch(rec)
	}
}

func (s *arbiterServer) dispatch(rec *arbiter.AdmittedRecord) {
	s.mu.Lock()
	conns := make([]*arbiterConn, 0, len(s.byAddr))
	for _, c := range s.byAddr {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	byDst := make(map[uint16][]arbiter.AdmittedEntry)
	for _, e := range rec.Entries {
		byDst[e.Src] = append(byDst[e.Src], e)
	}

	for _, c := range conns {
		entries := byDst[c.id]
		if len(entries) == 0 {
			continue
		}
		for _, e := range entries {
			flushed, ok := c.builder.Add(rec.Timeslot, e.Dst, e.Flags)
			if !ok && flushed != nil {
				s.send(c, flushed)
				c.builder.Add(rec.Timeslot, e.Dst, e.Flags)
			}
		}
		if f := c.builder.Flush(); f != nil {
			s.send(c, f)
		}
	}
}

func (s *arbiterServer) send(c *arbiterConn, f *arbiter.Fragment) {
	pd := &proto.PacketDescriptor{}
	f.ApplyTo(pd)
	if _, err := c.engine.CommitPacket(pd, time.Now()); err != nil {
		s.log.Printf("conn %d: commit: %v", c.id, err)
		return
	}
	el, payload := s.bufPool.Get()
	defer s.bufPool.Put(el)
	n, err := c.engine.EncodePacket(payload.Raw(), pd)
	if err != nil {
		s.log.Printf("conn %d: encode: %v", c.id, err)
		return
	}
	if _, err := s.conn.WriteTo(payload.Raw()[:n], c.addr); err != nil {
		s.log.Printf("conn %d: write: %v", c.id, err)
	}
}
