package serve

import (
	"fmt"

	cmdUtil "github.com/ValentinKolb/mucore/cmd/util"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the muCore server",
		Long:    `Start the muCore server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is MUCORE_<flag> (e.g. MUCORE_AUTH_SECRET=...)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	d := common.DefaultServerConfig()
	flags := ServeCmd.PersistentFlags()

	// Network
	key := "gateway-endpoint"
	flags.String(key, d.GatewayEndpoint, cmdUtil.WrapString("The address of the TCP gateway. The UDP gateway listens on the same address"))

	key = "ws-endpoint"
	flags.String(key, d.WebSocketEndpoint, cmdUtil.WrapString("The address of the WebSocket gateway (empty to disable)"))

	key = "admin-endpoint"
	flags.String(key, d.AdminEndpoint, cmdUtil.WrapString("The address of the admin HTTP server (empty to disable)"))

	// World
	key = "topology"
	flags.String(key, d.TopologyFile, cmdUtil.WrapString("YAML file describing worlds, entry points and maps. Without it the built-in topology is used"))

	key = "player-tick"
	flags.Uint64(key, d.PlayerTickMs, cmdUtil.WrapString("Player tick interval of every map in milliseconds"))

	key = "monster-tick"
	flags.Uint64(key, d.MonsterTickMs, cmdUtil.WrapString("Monster tick interval of every map in milliseconds"))

	key = "motd"
	flags.String(key, d.Motd, cmdUtil.WrapString("Message of the day sent with every HelloAck"))

	// Sessions
	key = "auth-secret"
	flags.String(key, "", cmdUtil.WrapString("Secret used to sign session and transfer tokens (at least 32 bytes, required)"))

	key = "session-ttl"
	flags.Int64(key, d.SessionTTLSeconds, cmdUtil.WrapString("Lifetime of session tokens in seconds"))

	key = "transfer-ttl"
	flags.Uint64(key, d.TransferTTLMs, cmdUtil.WrapString("Time a client has to acknowledge a map transfer in milliseconds"))

	key = "sweep-interval"
	flags.Uint64(key, d.SweepIntervalMs, cmdUtil.WrapString("How often expired transfers are removed in milliseconds"))

	key = "rate-limit"
	flags.Float64(key, d.RateLimit, cmdUtil.WrapString("Gameplay commands per second and session (0 disables the limit)"))

	key = "rate-burst"
	flags.Int(key, d.RateBurst, cmdUtil.WrapString("Burst size of the gameplay rate limit"))

	// Persistence
	key = "persistence-sink"
	flags.String(key, string(d.PersistenceSink), cmdUtil.WrapString("Where character state is written (memory, raft)"))

	key = "flush-tick"
	flags.Uint64(key, d.FlushTickMs, cmdUtil.WrapString("Flush interval of the persistence pipeline in milliseconds"))

	key = "max-flush-lag"
	flags.Uint64(key, d.MaxFlushLagMs, cmdUtil.WrapString("Maximum time a snapshot waits in the pipeline in milliseconds"))

	key = "max-batch-size"
	flags.Int(key, d.MaxBatchSize, cmdUtil.WrapString("Maximum number of snapshots written in one batch"))

	// Raft
	key = "rtt-millisecond"
	flags.Uint64(key, d.RTTMillisecond, cmdUtil.WrapString("(raft sink) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. Election and heartbeat timing are derived from this value"))

	key = "snapshot-entries"
	flags.Uint64(key, d.SnapshotEntries, cmdUtil.WrapString("(raft sink) SnapshotEntries defines how often the state machine should be snapshotted automatically, in applied Raft log entries"))

	key = "compaction-overhead"
	flags.Uint64(key, d.CompactionOverhead, cmdUtil.WrapString("(raft sink) CompactionOverhead defines the number of log entries to keep after a snapshot"))

	key = "data-dir"
	flags.String(key, d.DataDir, cmdUtil.WrapString("(raft sink) DataDir is the directory used for the raft log and snapshots"))

	key = "replica-id"
	flags.String(key, "1", cmdUtil.WrapString("(raft sink) ReplicaID is the identifier of this node, a number or a name (e.g. 'node-1')"))

	key = "shard-id"
	flags.Uint64(key, d.ShardID, cmdUtil.WrapString("(raft sink) ShardID of the persistence shard"))

	key = "cluster-members"
	flags.String(key, "1=localhost:63001", cmdUtil.WrapString("(raft sink) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "timeout"
	flags.Int64(key, d.TimeoutSecond, cmdUtil.WrapString("Timeout in seconds for raft proposals and gateway writes"))

	key = "log-level"
	flags.String(key, d.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error). Single loggers can be set apart, e.g. 'info,mapserver=debug,raft=warn'"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	sink, err := common.ParseSinkType(viper.GetString("persistence-sink"))
	if err != nil {
		return err
	}

	serveCmdConfig.GatewayEndpoint = viper.GetString("gateway-endpoint")
	serveCmdConfig.WebSocketEndpoint = viper.GetString("ws-endpoint")
	serveCmdConfig.AdminEndpoint = viper.GetString("admin-endpoint")
	serveCmdConfig.TopologyFile = viper.GetString("topology")
	serveCmdConfig.PlayerTickMs = viper.GetUint64("player-tick")
	serveCmdConfig.MonsterTickMs = viper.GetUint64("monster-tick")
	serveCmdConfig.Motd = viper.GetString("motd")
	serveCmdConfig.AuthSecret = viper.GetString("auth-secret")
	serveCmdConfig.SessionTTLSeconds = viper.GetInt64("session-ttl")
	serveCmdConfig.TransferTTLMs = viper.GetUint64("transfer-ttl")
	serveCmdConfig.SweepIntervalMs = viper.GetUint64("sweep-interval")
	serveCmdConfig.RateLimit = viper.GetFloat64("rate-limit")
	serveCmdConfig.RateBurst = viper.GetInt("rate-burst")
	serveCmdConfig.PersistenceSink = sink
	serveCmdConfig.FlushTickMs = viper.GetUint64("flush-tick")
	serveCmdConfig.MaxFlushLagMs = viper.GetUint64("max-flush-lag")
	serveCmdConfig.MaxBatchSize = viper.GetInt("max-batch-size")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.ShardID = viper.GetUint64("shard-id")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// raft identity is only needed for the raft sink
	if sink == common.SinkTypeRaft {
		if serveCmdConfig.ReplicaID, err = cmdUtil.ParseReplicaID(viper.GetString("replica-id")); err != nil {
			return err
		}
		if serveCmdConfig.ClusterMembers, err = cmdUtil.ParseClusterMembers(viper.GetString("cluster-members")); err != nil {
			return err
		}
	}

	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	if err := serveCmdConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// run starts the muCore server and blocks until it is stopped by a signal
func run(_ *cobra.Command, _ []string) error {
	return server.NewServer(serveCmdConfig).Run()
}
