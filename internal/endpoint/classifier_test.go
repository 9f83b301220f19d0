package endpoint

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTCPFrame(t *testing.T, srcIP, dstIP net.IP) []byte {
	t.Helper()
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: srcIP, DstIP: dstIP}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload("hello")))
	return buf.Bytes()
}

func buildARPFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeARP, SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress:   []byte{0, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 2},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, arp))
	return buf.Bytes()
}

func buildNTPFrame(t *testing.T, srcIP, dstIP net.IP) []byte {
	t.Helper()
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: 123, DstPort: 123}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("x")))
	return buf.Bytes()
}

func TestClassifyTCPUsesSrcDstIPPair(t *testing.T) {
	c := &Classifier{}
	frame := buildTCPFrame(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2))
	key, internal := c.Classify(frame)
	assert.False(t, internal)
	assert.NotEqual(t, InternalFlowKey, key)

	frameReverse := buildTCPFrame(t, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1))
	keyReverse, _ := c.Classify(frameReverse)
	assert.NotEqual(t, key, keyReverse, "direction matters: (src,dst) is not symmetric")
}

func TestClassifyARPIsInternal(t *testing.T) {
	c := &Classifier{}
	_, internal := c.Classify(buildARPFrame(t))
	assert.True(t, internal)
}

func TestClassifyNTPIsInternal(t *testing.T) {
	c := &Classifier{}
	_, internal := c.Classify(buildNTPFrame(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)))
	assert.True(t, internal)
}

func TestClassifyNonTCPUsesEndpointIDResolver(t *testing.T) {
	c := &Classifier{
		EndpointIDOf: func(dst net.IP) (uint64, bool) {
			if dst.Equal(net.IPv4(10, 0, 0, 9)) {
				return 42, true
			}
			return 0, false
		},
	}
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 9)}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 6000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}, eth, ip, udp, gopacket.Payload("x")))

	key, internal := c.Classify(buf.Bytes())
	assert.False(t, internal)
	assert.Equal(t, FlowKey(42), key)
}
