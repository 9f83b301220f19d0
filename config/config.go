// Package config loads the two configuration surfaces named in spec.md §6:
// the endpoint-side qdisc parameters, and the arbiter-side topology and
// queue-manager parameters. Both are YAML documents decoded with
// gopkg.in/yaml.v3, the way github.com/iti/mrnes decodes its topology and
// experiment-parameter files in desc-topo.go.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// QdiscConfig mirrors the "endpoint -> kernel qdisc interface" contract of
// spec.md §6. It is the reconfigurable surface; this package only loads
// and validates it, and reacting to a change (including any reconnection)
// is left to the caller.
type QdiscConfig struct {
	PacketLimit        int    `json:"packet_limit" yaml:"packet_limit"`
	FlowPacketLimit    int    `json:"flow_packet_limit" yaml:"flow_packet_limit"`
	HashTblLog         int    `json:"hash_tbl_log" yaml:"hash_tbl_log"` // in [1,18]
	DataRateBytesPerSec uint64 `json:"data_rate_bytes_per_sec" yaml:"data_rate_bytes_per_sec"`
	TslotNsec          uint64 `json:"tslot_nsec" yaml:"tslot_nsec"`
	ReqCostNs          uint64 `json:"req_cost_ns" yaml:"req_cost_ns"`
	ReqBucketNs        uint64 `json:"req_bucket_ns" yaml:"req_bucket_ns"`
	ReqMinGapNs        uint64 `json:"req_min_gap_ns" yaml:"req_min_gap_ns"`
	ControllerIP       string `json:"controller_ip" yaml:"controller_ip"`
	ResetWindowUs      uint64 `json:"reset_window_us" yaml:"reset_window_us"`
	SendTimeoutUs      uint64 `json:"send_timeout_us" yaml:"send_timeout_us"`
}

// DefaultQdiscConfig returns the documented defaults from spec.md §6:
// reset_window_us defaults to 2e6, send_timeout_us defaults to 5e3.
func DefaultQdiscConfig() *QdiscConfig {
	return &QdiscConfig{
		PacketLimit:         10000,
		FlowPacketLimit:     1000,
		HashTblLog:          10,
		DataRateBytesPerSec: 1_250_000_000, // 10 Gbps
		TslotNsec:           2_200,
		ReqCostNs:           500_000,
		ReqBucketNs:         4_000_000,
		ReqMinGapNs:         50_000,
		ResetWindowUs:       2_000_000,
		SendTimeoutUs:       5_000,
	}
}

// Validate rejects malformed reconfiguration requests per spec.md §7's
// "Configuration" error category: invalid parameter at qdisc change ->
// reject change, keep prior state. The caller is expected to keep using its
// previously-accepted QdiscConfig on error.
func (c *QdiscConfig) Validate() error {
	if c.HashTblLog < 1 || c.HashTblLog > 18 {
		return fmt.Errorf("config: hash_tbl_log %d out of range [1,18]", c.HashTblLog)
	}
	if c.DataRateBytesPerSec == 0 {
		return fmt.Errorf("config: data_rate_bytes_per_sec must be > 0")
	}
	if c.TslotNsec == 0 {
		return fmt.Errorf("config: tslot_nsec must be > 0")
	}
	if c.PacketLimit <= 0 || c.FlowPacketLimit <= 0 {
		return fmt.Errorf("config: packet_limit and flow_packet_limit must be > 0")
	}
	return nil
}

// LoadQdiscConfig reads and validates a QdiscConfig from a YAML file,
// starting from DefaultQdiscConfig so a partial document only overrides
// the fields it sets.
func LoadQdiscConfig(path string) (*QdiscConfig, error) {
	cfg := DefaultQdiscConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading qdisc config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing qdisc config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// QueueManagerKind names the pluggable queue-manager policies of
// spec.md §4.G.
type QueueManagerKind string

const (
	QMDropTail   QueueManagerKind = "drop_tail"
	QMRed        QueueManagerKind = "red"
	QMDctcp      QueueManagerKind = "dctcp"
	QMHull       QueueManagerKind = "hull"
	QMPriority   QueueManagerKind = "priority"
	QMRoundRobin QueueManagerKind = "round_robin"
)

// QueueManagerConfig holds the union of parameters every queue-manager
// variant needs; unused fields are ignored by the variant that doesn't
// need them, the way original_source/drop_tail.c accepts a single args
// struct and interprets only the fields its policy needs.
type QueueManagerConfig struct {
	Kind QueueManagerKind `json:"kind" yaml:"kind"`

	PortCapacity int `json:"port_capacity" yaml:"port_capacity"`

	// RED
	RedMinThresh int     `json:"red_min_thresh" yaml:"red_min_thresh"`
	RedMaxThresh int     `json:"red_max_thresh" yaml:"red_max_thresh"`
	RedWeight    float64 `json:"red_weight" yaml:"red_weight"`

	// DCTCP
	DctcpMarkThresh int `json:"dctcp_mark_thresh" yaml:"dctcp_mark_thresh"`

	// HULL
	HullGamma           float64 `json:"hull_gamma" yaml:"hull_gamma"`
	HullLineRateBps     float64 `json:"hull_line_rate_bps" yaml:"hull_line_rate_bps"`
	HullMarkThreshBytes float64 `json:"hull_mark_thresh_bytes" yaml:"hull_mark_thresh_bytes"`

	// Priority / round-robin
	NumPriorities int `json:"num_priorities" yaml:"num_priorities"`

	RandomSeed int64 `json:"random_seed" yaml:"random_seed"`
}

// DefaultQueueManagerConfig returns drop-tail with a 128-packet port
// capacity, matching original_source/drop_tail.c's DROP_TAIL_PORT_CAPACITY.
func DefaultQueueManagerConfig() QueueManagerConfig {
	return QueueManagerConfig{
		Kind:            QMDropTail,
		PortCapacity:    128,
		RedMinThresh:    20,
		RedMaxThresh:    80,
		RedWeight:       0.002,
		DctcpMarkThresh: 65,
		HullGamma:       0.95,
		HullLineRateBps: 1_250_000_000, // 10 Gbps, matches DefaultQdiscConfig
		HullMarkThreshBytes: 4_500,     // three MTU-sized atoms
		NumPriorities:   4,
		RandomSeed:      1,
	}
}

// TopologyKind names the two fabric layouts of spec.md §4.G, both present
// in original_source/config.h as SINGLE_RACK_TOPOLOGY / TWO_RACK_TOPOLOGY.
type TopologyKind string

const (
	TopologySingleRack  TopologyKind = "single_rack"
	TopologyTwoRackCore TopologyKind = "two_rack_core"
)

// EndpointGroupDesc describes one pack of endpoints sharing a driver
// (spec.md §4.G's EndpointGroup).
type EndpointGroupDesc struct {
	Name          string `json:"name" yaml:"name"`
	NumEndpoints  int    `json:"num_endpoints" yaml:"num_endpoints"`
	AttachedRouter string `json:"attached_router" yaml:"attached_router"`
}

// RouterDesc describes one router in the fabric, and the queue-manager
// policy its ports run.
type RouterDesc struct {
	Name          string             `json:"name" yaml:"name"`
	NumPorts      int                `json:"num_ports" yaml:"num_ports"`
	QueueManager  QueueManagerConfig `json:"queue_manager" yaml:"queue_manager"`
	ConnectsTo    []string           `json:"connects_to" yaml:"connects_to"`
}

// Topology is the arbiter-side emulator fabric description
// (spec.md §4.G); it is the experiment-description half of what
// github.com/iti/mrnes calls its topology dictionary.
type Topology struct {
	Kind            TopologyKind        `json:"kind" yaml:"kind"`
	EndpointGroups  []EndpointGroupDesc `json:"endpoint_groups" yaml:"endpoint_groups"`
	Routers         []RouterDesc        `json:"routers" yaml:"routers"`
	RouterMaxBurst  int                 `json:"router_max_burst" yaml:"router_max_burst"`
	DropOnFailedTx  bool                `json:"drop_on_failed_enqueue" yaml:"drop_on_failed_enqueue"`
}

// NumEndpoints sums every endpoint group's endpoint count, used to size
// the admitted-traffic record's entries array
// (EMU_ADMITS_PER_ADMITTED = 2 * EMU_NUM_ENDPOINTS, original_source/config.h).
func (t *Topology) NumEndpoints() int {
	n := 0
	for _, eg := range t.EndpointGroups {
		n += eg.NumEndpoints
	}
	return n
}

// SingleRackTopology returns the default single-ToR fabric
// (EMU_NUM_ROUTERS=1, EMU_ENDPOINTS_PER_RACK=32 in original_source/config.h).
func SingleRackTopology() *Topology {
	return &Topology{
		Kind: TopologySingleRack,
		EndpointGroups: []EndpointGroupDesc{
			{Name: "rack0", NumEndpoints: 32, AttachedRouter: "tor0"},
		},
		Routers: []RouterDesc{
			{Name: "tor0", NumPorts: 32, QueueManager: DefaultQueueManagerConfig()},
		},
		RouterMaxBurst: 64,
		DropOnFailedTx: true,
	}
}

// TwoRackCoreTopology returns the two-ToR-plus-core fabric
// (EMU_NUM_TORS=2, EMU_NUM_CORE_ROUTERS=1, EMU_MAX_OUTPUTS_PER_RTR=2).
func TwoRackCoreTopology() *Topology {
	qm := DefaultQueueManagerConfig()
	return &Topology{
		Kind: TopologyTwoRackCore,
		EndpointGroups: []EndpointGroupDesc{
			{Name: "rack0", NumEndpoints: 32, AttachedRouter: "tor0"},
			{Name: "rack1", NumEndpoints: 32, AttachedRouter: "tor1"},
		},
		Routers: []RouterDesc{
			{Name: "tor0", NumPorts: 33, QueueManager: qm, ConnectsTo: []string{"core0"}},
			{Name: "tor1", NumPorts: 33, QueueManager: qm, ConnectsTo: []string{"core0"}},
			{Name: "core0", NumPorts: 2, QueueManager: qm},
		},
		RouterMaxBurst: 64,
		DropOnFailedTx: true,
	}
}

// LoadTopology reads a Topology from a YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading topology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parsing topology: %w", err)
	}
	return &t, nil
}
