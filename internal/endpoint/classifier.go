package endpoint

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const ntpPort = 123

// Classifier maps raw outgoing packet bytes to a flow key, per spec.md
// §4.F: control packets, ARP, and NTP are routed to the internal flow;
// TCP traffic keys on (src_ip,dst_ip); everything else keys on the
// destination endpoint ID the caller's EndpointIDOf resolves, falling back
// to (src_ip,dst_ip) when EndpointIDOf is nil or does not resolve it.
type Classifier struct {
	// EndpointIDOf resolves a destination IP to the small integer
	// endpoint ID the demand table and horizon key on. Used for non-TCP
	// traffic that isn't already routed to the internal flow.
	EndpointIDOf func(dstIP net.IP) (uint64, bool)
}

// Classify decodes data as an Ethernet frame and returns its flow key and
// whether it belongs to the internal (never-scheduled) flow.
func (c *Classifier) Classify(data []byte) (key FlowKey, internal bool) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	if pkt.Layer(layers.LayerTypeARP) != nil {
		return InternalFlowKey, true
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		// Not an IPv4 frame we know how to route (e.g. a raw control
		// frame carrying the Fastpass protocol itself): internal.
		return InternalFlowKey, true
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return InternalFlowKey, true
	}

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		if udp, ok := udpLayer.(*layers.UDP); ok {
			if udp.SrcPort == ntpPort || udp.DstPort == ntpPort {
				return InternalFlowKey, true
			}
		}
	}

	if pkt.Layer(layers.LayerTypeTCP) != nil {
		return flowKeyFromIPs(ip.SrcIP, ip.DstIP), false
	}

	if c.EndpointIDOf != nil {
		if id, ok := c.EndpointIDOf(ip.DstIP); ok {
			return FlowKey(id), false
		}
	}
	return flowKeyFromIPs(ip.SrcIP, ip.DstIP), false
}

// flowKeyFromIPs packs two IPv4 addresses into the low/high 32 bits of a
// flow key. Non-IPv4 addresses fall back to the internal flow rather
// than risk colliding with a real key.
func flowKeyFromIPs(src, dst net.IP) FlowKey {
	s := src.To4()
	d := dst.To4()
	if s == nil || d == nil {
		return InternalFlowKey
	}
	return FlowKey(binary.BigEndian.Uint32(s))<<32 | FlowKey(binary.BigEndian.Uint32(d))
}
