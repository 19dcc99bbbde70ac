package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/core"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (raft persistence sink)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// SinkType selects the persistence backend
type SinkType string

const (
	SinkTypeMemory SinkType = "memory"
	SinkTypeRaft   SinkType = "raft"
)

// ParseSinkType validates a sink type string
func ParseSinkType(s string) (SinkType, error) {
	switch SinkType(strings.ToLower(s)) {
	case SinkTypeMemory:
		return SinkTypeMemory, nil
	case SinkTypeRaft:
		return SinkTypeRaft, nil
	default:
		return "", fmt.Errorf("invalid persistence sink: %q. must be one of memory, raft", s)
	}
}

// ServerConfig holds all configuration parameters of a muCore server
type ServerConfig struct {
	// Network endpoints
	GatewayEndpoint   string
	WebSocketEndpoint string
	AdminEndpoint     string

	// World topology file, empty for the built-in topology
	TopologyFile string

	// Simulation
	PlayerTickMs  uint64
	MonsterTickMs uint64

	// Persistence pipeline
	FlushTickMs     uint64
	MaxFlushLagMs   uint64
	MaxBatchSize    int
	PersistenceSink SinkType

	// Sessions and transfers
	AuthSecret        string
	SessionTTLSeconds int64
	TransferTTLMs     uint64
	SweepIntervalMs   uint64
	Motd              string
	RateLimit         float64
	RateBurst         int

	// Dragonboat parameters (raft sink only)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ShardID            uint64
	ClusterMembers     map[uint64]string
	TimeoutSecond      int64

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns the configuration used when nothing is set
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		GatewayEndpoint:    "0.0.0.0:6000",
		AdminEndpoint:      "0.0.0.0:6080",
		PlayerTickMs:       50,
		MonsterTickMs:      150,
		FlushTickMs:        2000,
		MaxFlushLagMs:      15000,
		MaxBatchSize:       300,
		PersistenceSink:    SinkTypeMemory,
		SessionTTLSeconds:  3600,
		TransferTTLMs:      30000,
		SweepIntervalMs:    5000,
		Motd:               "Welcome to MU",
		RateLimit:          30,
		RateBurst:          60,
		RTTMillisecond:     100,
		SnapshotEntries:    10000,
		CompactionOverhead: 5000,
		DataDir:            "/tmp/mucore",
		ReplicaID:          1,
		ShardID:            100,
		ClusterMembers:     map[uint64]string{1: "localhost:63001"},
		TimeoutSecond:      5,
		LogLevel:           "info",
	}
}

// Validate checks the values that cannot be defaulted
func (c *ServerConfig) Validate() error {
	if len(c.AuthSecret) < auth.MinSecretLen {
		return fmt.Errorf("auth secret must be at least %d bytes, got %d", auth.MinSecretLen, len(c.AuthSecret))
	}
	if c.GatewayEndpoint == "" {
		return fmt.Errorf("gateway endpoint must not be empty")
	}
	if c.PlayerTickMs == 0 || c.MonsterTickMs == 0 {
		return fmt.Errorf("tick intervals must be positive")
	}
	if c.PersistenceSink == SinkTypeRaft {
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return fmt.Errorf("replica id %d is not part of the cluster members", c.ReplicaID)
		}
	}
	if _, err := ParseLogLevels(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// RuntimeConfig derives the orchestrator configuration
func (c *ServerConfig) RuntimeConfig() core.Config {
	return core.Config{
		PlayerTick:    time.Duration(c.PlayerTickMs) * time.Millisecond,
		MonsterTick:   time.Duration(c.MonsterTickMs) * time.Millisecond,
		TransferTTL:   time.Duration(c.TransferTTLMs) * time.Millisecond,
		SweepInterval: time.Duration(c.SweepIntervalMs) * time.Millisecond,
		RateLimit:     c.RateLimit,
		RateBurst:     c.RateBurst,
	}
}

// PersistenceConfig derives the pipeline configuration
func (c *ServerConfig) PersistenceConfig() persistence.Config {
	return persistence.Config{
		FlushTick:    time.Duration(c.FlushTickMs) * time.Millisecond,
		MaxFlushLag:  time.Duration(c.MaxFlushLagMs) * time.Millisecond,
		MaxBatchSize: c.MaxBatchSize,
	}
}

// AdminDebugLogging reports whether the admin server logs every request
func (c *ServerConfig) AdminDebugLogging() bool {
	levels, err := ParseLogLevels(c.LogLevel)
	return err == nil && levels.For("transport/admin") == logger.DEBUG
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orNone := func(s string) string {
		if s == "" {
			return "(disabled)"
		}
		return s
	}

	addSection("Gateways")
	addField("TCP/UDP Endpoint", c.GatewayEndpoint)
	addField("WebSocket Endpoint", orNone(c.WebSocketEndpoint))
	addField("Admin Endpoint", orNone(c.AdminEndpoint))

	addSection("World")
	if c.TopologyFile == "" {
		addField("Topology", "built-in")
	} else {
		addField("Topology", c.TopologyFile)
	}
	addField("Player Tick", fmt.Sprintf("%d ms", c.PlayerTickMs))
	addField("Monster Tick", fmt.Sprintf("%d ms", c.MonsterTickMs))
	addField("MOTD", c.Motd)

	addSection("Sessions")
	addField("Session TTL", fmt.Sprintf("%d sec", c.SessionTTLSeconds))
	addField("Transfer TTL", fmt.Sprintf("%d ms", c.TransferTTLMs))
	addField("Sweep Interval", fmt.Sprintf("%d ms", c.SweepIntervalMs))
	addField("Rate Limit", fmt.Sprintf("%.1f/s (burst %d)", c.RateLimit, c.RateBurst))

	addSection("Persistence")
	addField("Sink", string(c.PersistenceSink))
	addField("Flush Tick", fmt.Sprintf("%d ms", c.FlushTickMs))
	addField("Max Flush Lag", fmt.Sprintf("%d ms", c.MaxFlushLagMs))
	addField("Max Batch Size", strconv.Itoa(c.MaxBatchSize))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.PersistenceSink == SinkTypeRaft {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.ShardID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
		addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

		// Storage
		addSection("Storage")
		addField("Data Directory", c.DataDir)

		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures the gateway client used by the simulator
type ClientConfig struct {
	Endpoint      string
	TimeoutSecond int
	RetryCount    int
	AccountID     uint64
	SessionID     uint64
	CharacterID   uint64
	AuthSecret    string
	Moves         int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Account", strconv.FormatUint(c.AccountID, 10))
	addField("Session", strconv.FormatUint(c.SessionID, 10))
	addField("Character", strconv.FormatUint(c.CharacterID, 10))
	addField("Moves", strconv.Itoa(c.Moves))

	return sb.String()
}
